package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/InsulaLabs/atoll/config"
	"github.com/InsulaLabs/atoll/node"
	"github.com/InsulaLabs/atoll/store"
)

// RateLimit configures one method's limiter, requests per second with a burst
// allowance.
type RateLimit struct {
	Limit float64
	Burst int
}

type DispatcherConfig struct {
	Logger *slog.Logger
	Node   *node.Node

	// Limits keys are method names; the "default" entry covers anything not
	// listed. A nil map disables limiting.
	Limits map[string]RateLimit
}

// Dispatcher maps protocol methods onto one node's storage engine.
type Dispatcher struct {
	logger    *slog.Logger
	node      *node.Node
	limiters  map[string]*rate.Limiter
	fallback  *rate.Limiter
	startTime time.Time
}

// LimitsFromConfig maps the cluster's rate-limiter block onto dispatcher
// limits. Unset method entries are omitted so they fall through to the
// default limiter.
func LimitsFromConfig(rl config.RateLimiters) map[string]RateLimit {
	limits := make(map[string]RateLimit)
	add := func(method string, c config.RateLimiterConfig) {
		if c.Limit <= 0 {
			return
		}
		limits[method] = RateLimit{Limit: c.Limit, Burst: c.Burst}
	}
	add(MethodStoreSegment, rl.StoreSegment)
	add(MethodRetrieveSegment, rl.RetrieveSegment)
	add(MethodHealthCheck, rl.HealthCheck)
	add(MethodGetStorageInfo, rl.StorageInfo)
	add("default", rl.Default)
	return limits
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		logger:    cfg.Logger.WithGroup("wire"),
		node:      cfg.Node,
		limiters:  make(map[string]*rate.Limiter),
		startTime: time.Now(),
	}
	for method, rl := range cfg.Limits {
		limiter := rate.NewLimiter(rate.Limit(rl.Limit), rl.Burst)
		if method == "default" {
			d.fallback = limiter
			continue
		}
		d.limiters[method] = limiter
	}
	return d
}

func (d *Dispatcher) limiterFor(method string) *rate.Limiter {
	if l, ok := d.limiters[method]; ok {
		return l
	}
	return d.fallback
}

func (d *Dispatcher) Dispatch(req Request) Response {
	resp := Response{JSONRPC: Version, ID: req.ID}

	if l := d.limiterFor(req.Method); l != nil && !l.Allow() {
		resp.Error = &Error{Code: CodeRateLimited, Message: "rate limited"}
		return resp
	}

	var (
		result any
		werr   *Error
	)
	switch req.Method {
	case MethodStoreSegment:
		result, werr = d.storeSegment(req.Params)
	case MethodRetrieveSegment:
		result, werr = d.retrieveSegment(req.Params)
	case MethodHealthCheck:
		result, werr = d.healthCheck()
	case MethodGetStorageInfo:
		result = d.node.Engine().Info()
	default:
		werr = &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if werr != nil {
		d.logger.Warn("request failed", "method", req.Method, "id", req.ID, "code", werr.Code, "message", werr.Message)
		resp.Error = werr
		return resp
	}

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Code: CodeInternal, Message: err.Error()}
		return resp
	}
	resp.Result = raw
	return resp
}

func (d *Dispatcher) storeSegment(params json.RawMessage) (any, *Error) {
	var p StoreSegmentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: CodeParseError, Message: err.Error()}
	}

	data, err := base64.StdEncoding.DecodeString(p.DataB64)
	if err != nil {
		return nil, &Error{Code: CodeParseError, Message: fmt.Sprintf("invalid segment payload: %v", err)}
	}

	checksum := p.Checksum
	if checksum == "" {
		checksum = store.ComputeChecksum(data)
	}

	seg := &store.Segment{
		ID:          p.SegmentID,
		FileHash:    p.FileHash,
		ChunkNumber: p.ChunkNumber,
		Data:        data,
		Size:        len(data),
		Checksum:    checksum,
		Timestamp:   time.Now(),
	}

	if err := d.node.Engine().StoreSegment(seg); err != nil {
		var capErr *store.ErrCapacityExceeded
		if errors.As(err, &capErr) {
			return nil, &Error{Code: CodeCapacityExceeded, Message: capErr.Error()}
		}
		return nil, &Error{Code: CodeInternal, Message: err.Error()}
	}

	return StoreSegmentResult{
		Status:    "stored",
		SegmentID: p.SegmentID,
		SizeBytes: len(data),
	}, nil
}

func (d *Dispatcher) retrieveSegment(params json.RawMessage) (any, *Error) {
	var p RetrieveSegmentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: CodeParseError, Message: err.Error()}
	}

	seg, err := d.node.Engine().RetrieveSegment(p.SegmentID)
	if err != nil {
		var notFound *store.ErrSegmentNotFound
		if errors.As(err, &notFound) {
			return nil, &Error{Code: CodeSegmentNotFound, Message: notFound.Error()}
		}
		return nil, &Error{Code: CodeInternal, Message: err.Error()}
	}

	return RetrieveSegmentResult{
		Status:      "retrieved",
		SegmentID:   seg.ID,
		ChunkNumber: seg.ChunkNumber,
		DataB64:     base64.StdEncoding.EncodeToString(seg.Data),
		Checksum:    seg.Checksum,
		SizeBytes:   seg.Size,
	}, nil
}

func (d *Dispatcher) healthCheck() (any, *Error) {
	info := d.node.Engine().Info()

	status := "healthy"
	if !d.node.IsAlive() {
		status = "stopped"
	}
	return HealthCheckResult{
		Status:               status,
		NodeID:               d.node.ID(),
		UptimeSeconds:        time.Since(d.startTime).Seconds(),
		StorageUsedBytes:     info.UsedBytes,
		StorageCapacityBytes: info.CapacityBytes,
	}, nil
}
