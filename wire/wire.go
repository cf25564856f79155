// Package wire carries the inter-node segment protocol: JSON request/response
// framing with numeric ids, base64 payloads for binary data, and numeric
// error codes. The transport that moves these frames between processes lives
// outside this module.
package wire

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

const Version = "2.0"

const (
	MethodStoreSegment    = "store_segment"
	MethodRetrieveSegment = "retrieve_segment"
	MethodHealthCheck     = "health_check"
	MethodGetStorageInfo  = "get_storage_info"
)

const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInternal       = -32603

	// Application-level codes. An absent segment is an application error,
	// not a transport fault.
	CodeSegmentNotFound  = 1001
	CodeCapacityExceeded = 1002
	CodeRateLimited      = 1003
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      uint64          `json:"id"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Message)
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

type StoreSegmentParams struct {
	SegmentID   string `json:"segment_id"`
	FileHash    string `json:"file_hash"`
	ChunkNumber int    `json:"chunk_number"`
	DataB64     string `json:"data_b64"`
	Checksum    string `json:"checksum"`
}

type StoreSegmentResult struct {
	Status    string `json:"status"`
	SegmentID string `json:"segment_id"`
	SizeBytes int    `json:"size_bytes"`
}

type RetrieveSegmentParams struct {
	SegmentID string `json:"segment_id"`
}

type RetrieveSegmentResult struct {
	Status      string `json:"status"`
	SegmentID   string `json:"segment_id"`
	ChunkNumber int    `json:"chunk_number"`
	DataB64     string `json:"data_b64"`
	Checksum    string `json:"checksum"`
	SizeBytes   int    `json:"size_bytes"`
}

type HealthCheckResult struct {
	Status               string  `json:"status"`
	NodeID               string  `json:"node_id"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
	StorageUsedBytes     uint64  `json:"storage_used_bytes"`
	StorageCapacityBytes uint64  `json:"storage_capacity_bytes"`
}

// RequestBuilder stamps outgoing requests with auto-incrementing ids. One per
// client connection.
type RequestBuilder struct {
	nextID atomic.Uint64
}

func (b *RequestBuilder) New(method string, params any) (Request, error) {
	req := Request{
		JSONRPC: Version,
		Method:  method,
		ID:      b.nextID.Add(1),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, err
		}
		req.Params = raw
	}
	return req, nil
}
