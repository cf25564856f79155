package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

const metadataFileName = "metadata.json"

var DefaultCacheTTL = 5 * time.Minute

type engine struct {
	logger *slog.Logger

	nodeID        string
	root          string
	capacityBytes uint64
	metadataPath  string

	cache *ttlcache.Cache[string, *Segment]

	mu             sync.Mutex
	usedBytes      uint64
	segmentsStored int
	metadata       map[string]*FileMetadata
	hashIndex      map[string]string // file hash -> file id
}

var _ Engine = &engine{}

func New(cfg Config) (Engine, error) {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, &ErrInternal{Err: errors.Wrap(err, "creating storage root")}
	}

	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	cache := ttlcache.New[string, *Segment](
		ttlcache.WithTTL[string, *Segment](cfg.CacheTTL),
	)
	go cache.Start()

	e := &engine{
		logger:        cfg.Logger.WithGroup("store"),
		nodeID:        cfg.NodeID,
		root:          cfg.Directory,
		capacityBytes: cfg.CapacityBytes,
		metadataPath:  filepath.Join(cfg.Directory, metadataFileName),
		cache:         cache,
		metadata:      make(map[string]*FileMetadata),
		hashIndex:     make(map[string]string),
	}

	e.loadMetadata()
	e.recoverUsage()

	e.logger.Info("storage engine initialized",
		"node", e.nodeID,
		"capacity_bytes", e.capacityBytes,
		"root", e.root,
	)
	return e, nil
}

// loadMetadata recovers the chunk location index across restarts. A missing
// sidecar is a fresh node; a corrupt one is logged and skipped so the engine
// still comes up.
func (e *engine) loadMetadata() {
	data, err := os.ReadFile(e.metadataPath)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("could not read metadata sidecar", "path", e.metadataPath, "error", err)
		}
		return
	}

	table := make(map[string]*FileMetadata)
	if err := json.Unmarshal(data, &table); err != nil {
		e.logger.Warn("could not parse metadata sidecar", "path", e.metadataPath, "error", err)
		return
	}

	for fileID, meta := range table {
		meta.FileID = fileID
		if meta.Chunks == nil {
			meta.Chunks = make(map[int]string)
		}
		e.metadata[fileID] = meta
		e.hashIndex[meta.FileHash] = fileID
	}
	e.logger.Info("metadata loaded", "files", len(e.metadata))
}

// recoverUsage rebuilds used bytes and the stored segment count from the
// on-disk naming convention. Segment locations are never written to the
// sidecar, the filenames are the index.
func (e *engine) recoverUsage() {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		e.logger.Warn("could not scan storage root", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".bin" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		e.usedBytes += uint64(info.Size())
		e.segmentsStored++
	}
}

func (e *engine) ChunkFile(path string, chunkSize int) (string, []*Segment, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, &ErrFileNotFound{Path: path}
		}
		return "", nil, &ErrInternal{Err: errors.Wrap(err, "stat source file")}
	}

	fileHash, err := hashFile(path)
	if err != nil {
		return "", nil, err
	}
	fileID := fileHash[:16]

	f, err := os.Open(path)
	if err != nil {
		return "", nil, &ErrInternal{Err: errors.Wrap(err, "opening source file")}
	}
	defer f.Close()

	var segments []*Segment
	buf := make([]byte, chunkSize)
	chunkNumber := 0
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			segments = append(segments, NewSegment(fileID, fileHash, chunkNumber, data))
			chunkNumber++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", nil, &ErrInternal{Err: errors.Wrap(readErr, "reading source file")}
		}
	}

	meta := &FileMetadata{
		FileID:           fileID,
		OriginalFilename: filepath.Base(path),
		FileHash:         fileHash,
		TotalSizeBytes:   info.Size(),
		ChunkSizeBytes:   chunkSize,
		TotalChunks:      len(segments),
		Chunks:           make(map[int]string),
		CreatedAt:        time.Now(),
		Replicas:         1,
	}

	e.mu.Lock()
	e.metadata[fileID] = meta
	e.hashIndex[fileHash] = fileID
	e.mu.Unlock()

	e.logger.Info("file chunked",
		"node", e.nodeID,
		"file", meta.OriginalFilename,
		"file_id", fileID,
		"segments", len(segments),
	)
	return fileID, segments, nil
}

// StoreSegment reserves capacity and persists the segment bytes under the
// engine lock, so two concurrent stores cannot both pass the capacity check
// and jointly overrun it. A rejected store never touches used bytes; a failed
// disk write releases the reservation. Metadata persist failures are logged
// and do not roll back the store.
func (e *engine) StoreSegment(seg *Segment) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	size := uint64(seg.Size)
	if e.usedBytes+size > e.capacityBytes {
		return &ErrCapacityExceeded{
			NodeID:    e.nodeID,
			Requested: size,
			Used:      e.usedBytes,
			Capacity:  e.capacityBytes,
		}
	}

	e.usedBytes += size
	e.segmentsStored++

	segmentPath := filepath.Join(e.root, seg.ID+".bin")
	if err := os.WriteFile(segmentPath, seg.Data, 0644); err != nil {
		e.usedBytes -= size
		e.segmentsStored--
		return &ErrInternal{Err: errors.Wrap(err, "writing segment")}
	}

	e.cache.Set(seg.ID, seg, ttlcache.DefaultTTL)

	if fileID, ok := e.hashIndex[seg.FileHash]; ok {
		e.metadata[fileID].Chunks[seg.ChunkNumber] = e.nodeID
	}

	if err := e.saveMetadataLocked(); err != nil {
		e.logger.Warn("metadata persist failed after store", "segment", seg.ID, "error", err)
	}

	e.logger.Debug("segment stored", "node", e.nodeID, "segment", seg.ID, "bytes", seg.Size)
	return nil
}

// RetrieveSegment serves from the cache when warm, otherwise loads raw bytes
// by the id naming convention. On the cold path the original file hash and
// chunk number are not recoverable from the bytes alone, so the returned
// segment carries an empty hash, chunk zero, and a freshly computed checksum.
func (e *engine) RetrieveSegment(id string) (*Segment, error) {
	if item := e.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	segmentPath := filepath.Join(e.root, id+".bin")
	data, err := os.ReadFile(segmentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrSegmentNotFound{ID: id}
		}
		return nil, &ErrInternal{Err: errors.Wrap(err, "reading segment")}
	}

	seg := &Segment{
		ID:        id,
		Data:      data,
		Size:      len(data),
		Checksum:  ComputeChecksum(data),
		Timestamp: time.Now(),
	}
	e.cache.Set(id, seg, ttlcache.DefaultTTL)
	return seg, nil
}

func (e *engine) ReconstructFile(ctx context.Context, fileID string, outputPath string, provider SegmentProvider) error {
	e.mu.Lock()
	meta, ok := e.metadata[fileID]
	e.mu.Unlock()
	if !ok {
		return &ErrMetadataNotFound{FileID: fileID}
	}

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &ErrInternal{Err: errors.Wrap(err, "creating output directory")}
		}
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return &ErrInternal{Err: errors.Wrap(err, "creating output file")}
	}
	defer out.Close()

	for chunk := 0; chunk < meta.TotalChunks; chunk++ {
		if err := ctx.Err(); err != nil {
			return &ErrReconstructionFailed{FileID: fileID, ChunkNumber: chunk, Err: err}
		}

		segmentID := SegmentID(fileID, chunk)
		seg, err := e.RetrieveSegment(segmentID)
		if err != nil {
			var notFound *ErrSegmentNotFound
			if !errors.As(err, &notFound) || provider == nil {
				return &ErrReconstructionFailed{FileID: fileID, ChunkNumber: chunk, Err: err}
			}
			seg, err = provider.FetchSegment(ctx, segmentID)
			if err != nil {
				return &ErrReconstructionFailed{FileID: fileID, ChunkNumber: chunk, Err: err}
			}
		}

		// Order is the only thing holding the file together. Chunks carry no
		// byte offsets.
		if _, err := out.Write(seg.Data); err != nil {
			return &ErrInternal{Err: errors.Wrap(err, "writing output file")}
		}
	}

	e.logger.Info("file reconstructed",
		"node", e.nodeID,
		"file_id", fileID,
		"output", outputPath,
		"bytes", meta.TotalSizeBytes,
	)
	return nil
}

// Metadata returns a snapshot copy. The live record's chunk map is mutated
// under the engine lock as segments land, so the internal pointer must not
// escape.
func (e *engine) Metadata(fileID string) (*FileMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta, ok := e.metadata[fileID]
	if !ok {
		return nil, &ErrMetadataNotFound{FileID: fileID}
	}

	out := *meta
	out.Chunks = make(map[int]string, len(meta.Chunks))
	for chunk, nodeID := range meta.Chunks {
		out.Chunks[chunk] = nodeID
	}
	return &out, nil
}

func (e *engine) SaveMetadata() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveMetadataLocked()
}

func (e *engine) saveMetadataLocked() error {
	data, err := json.MarshalIndent(e.metadata, "", "  ")
	if err != nil {
		return &ErrInternal{Err: errors.Wrap(err, "marshaling metadata")}
	}
	if err := os.WriteFile(e.metadataPath, data, 0644); err != nil {
		return &ErrInternal{Err: errors.Wrap(err, "writing metadata sidecar")}
	}
	return nil
}

func (e *engine) Info() StorageInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := StorageInfo{
		NodeID:         e.nodeID,
		CapacityBytes:  e.capacityBytes,
		UsedBytes:      e.usedBytes,
		AvailableBytes: e.capacityBytes - e.usedBytes,
		SegmentsStored: e.segmentsStored,
		FilesTracked:   len(e.metadata),
		Directory:      e.root,
	}
	if e.capacityBytes > 0 {
		info.UtilizationPercent = float64(e.usedBytes) / float64(e.capacityBytes) * 100
	}
	return info
}

// ClearStorage wipes the node's backing directory and all in-memory state.
// Destructive.
func (e *engine) ClearStorage() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.RemoveAll(e.root); err != nil {
		return &ErrInternal{Err: errors.Wrap(err, "removing storage root")}
	}
	if err := os.MkdirAll(e.root, 0755); err != nil {
		return &ErrInternal{Err: errors.Wrap(err, "recreating storage root")}
	}

	e.cache.DeleteAll()
	e.metadata = make(map[string]*FileMetadata)
	e.hashIndex = make(map[string]string)
	e.usedBytes = 0
	e.segmentsStored = 0

	e.logger.Info("storage cleared", "node", e.nodeID)
	return nil
}

func (e *engine) Close() error {
	e.cache.Stop()
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &ErrInternal{Err: errors.Wrap(err, "opening file for hashing")}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &ErrInternal{Err: errors.Wrap(err, "hashing file")}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
