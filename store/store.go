package store

import (
	"context"
	"log/slog"
	"time"
)

type Config struct {
	Logger        *slog.Logger
	NodeID        string
	Directory     string // this node's private storage root
	CapacityBytes uint64
	CacheTTL      time.Duration
}

// SegmentProvider is the remote-fetch capability injected into
// ReconstructFile. Implementations must return ErrRemoteSegmentNotFound for a
// clean miss and ErrProviderUnavailable when they could not answer.
type SegmentProvider interface {
	FetchSegment(ctx context.Context, segmentID string) (*Segment, error)
}

// StorageInfo is a read-only snapshot of an engine's occupancy.
type StorageInfo struct {
	NodeID             string  `json:"node_id"`
	CapacityBytes      uint64  `json:"capacity_bytes"`
	UsedBytes          uint64  `json:"used_bytes"`
	AvailableBytes     uint64  `json:"available_bytes"`
	UtilizationPercent float64 `json:"utilization_percent"`
	SegmentsStored     int     `json:"segments_stored"`
	FilesTracked       int     `json:"files_tracked"`
	Directory          string  `json:"directory"`
}

type EngineChunkHandler interface {
	// ChunkFile splits the file at path into fixed-size segments and records
	// FileMetadata for the derived file id. The chunking node's own storage
	// is not populated; segments are returned for distribution.
	ChunkFile(path string, chunkSize int) (string, []*Segment, error)

	// ReconstructFile writes chunks 0..total-1 in order to outputPath,
	// preferring local retrieval and falling back to provider when given.
	ReconstructFile(ctx context.Context, fileID string, outputPath string, provider SegmentProvider) error
}

type EngineSegmentHandler interface {
	StoreSegment(seg *Segment) error
	RetrieveSegment(id string) (*Segment, error)
}

type EngineMetadataHandler interface {
	Metadata(fileID string) (*FileMetadata, error)
	SaveMetadata() error
}

type Engine interface {
	EngineChunkHandler
	EngineSegmentHandler
	EngineMetadataHandler

	Info() StorageInfo
	ClearStorage() error
	Close() error
}
