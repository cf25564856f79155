package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type testEngine struct {
	engine Engine
	dir    string
}

func (t *testEngine) Cleanup() {
	t.engine.Close()
	os.RemoveAll(t.dir)
}

func createTestEngine(t *testing.T, nodeID string, capacity uint64) *testEngine {
	t.Helper()

	dir, err := os.MkdirTemp(os.TempDir(), "store_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	engine, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		NodeID:        nodeID,
		Directory:     dir,
		CapacityBytes: capacity,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	te := &testEngine{engine: engine, dir: dir}
	t.Cleanup(te.Cleanup)
	return te
}

// reopen builds a second engine over the same directory, simulating a process
// restart with a cold cache.
func (t *testEngine) reopen(tb *testing.T, nodeID string, capacity uint64) Engine {
	tb.Helper()
	engine, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		NodeID:        nodeID,
		Directory:     t.dir,
		CapacityBytes: capacity,
	})
	if err != nil {
		tb.Fatalf("failed to reopen engine: %v", err)
	}
	tb.Cleanup(func() { engine.Close() })
	return engine
}

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}

	dir, err := os.MkdirTemp(os.TempDir(), "store_src_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "source.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path, data
}

// -------------------------- TESTS

func TestEngine_ChunkFile(t *testing.T) {
	te := createTestEngine(t, "node_01", 1<<30)

	path, data := writeTestFile(t, 256*1024)

	fileID, segments, err := te.engine.ChunkFile(path, 64*1024)
	if err != nil {
		t.Fatalf("ChunkFile() error = %v", err)
	}

	if len(segments) != 4 {
		t.Fatalf("segments got = %d, want 4", len(segments))
	}

	wholeHash := sha256.Sum256(data)
	wantID := hex.EncodeToString(wholeHash[:])[:16]
	if fileID != wantID {
		t.Errorf("fileID got = %s, want %s", fileID, wantID)
	}

	for i, seg := range segments {
		if seg.ID != fmt.Sprintf("%s_chunk_%d", fileID, i) {
			t.Errorf("segment %d id got = %s", i, seg.ID)
		}
		if seg.ChunkNumber != i {
			t.Errorf("segment %d chunk number got = %d", i, seg.ChunkNumber)
		}
		if seg.Size != 64*1024 {
			t.Errorf("segment %d size got = %d", i, seg.Size)
		}
		if seg.Checksum != ComputeChecksum(seg.Data) {
			t.Errorf("segment %d checksum mismatch", i)
		}
		if !bytes.Equal(seg.Data, data[i*64*1024:(i+1)*64*1024]) {
			t.Errorf("segment %d data mismatch", i)
		}
	}

	meta, err := te.engine.Metadata(fileID)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if meta.TotalChunks != 4 || meta.TotalSizeBytes != 256*1024 {
		t.Errorf("metadata got = %+v", meta)
	}
	if meta.OriginalFilename != "source.bin" {
		t.Errorf("OriginalFilename got = %s", meta.OriginalFilename)
	}

	// Chunking does not populate the chunking node's own storage.
	if info := te.engine.Info(); info.UsedBytes != 0 {
		t.Errorf("UsedBytes after chunk got = %d, want 0", info.UsedBytes)
	}
}

func TestEngine_ChunkFileNotFound(t *testing.T) {
	te := createTestEngine(t, "node_01", 1<<30)

	_, _, err := te.engine.ChunkFile("/does/not/exist.bin", 0)
	var notFound *ErrFileNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestEngine_StoreRetrieve(t *testing.T) {
	te := createTestEngine(t, "node_01", 1<<30)

	seg := NewSegment("abcdef0123456789", "ffff", 0, []byte("segment payload bytes"))

	t.Run("warm retrieval is byte identical", func(t *testing.T) {
		if err := te.engine.StoreSegment(seg); err != nil {
			t.Fatalf("StoreSegment() error = %v", err)
		}

		got, err := te.engine.RetrieveSegment(seg.ID)
		if err != nil {
			t.Fatalf("RetrieveSegment() error = %v", err)
		}
		if !bytes.Equal(got.Data, seg.Data) {
			t.Error("retrieved bytes differ")
		}
		if got.FileHash != "ffff" {
			t.Errorf("warm path FileHash got = %s", got.FileHash)
		}
	})

	t.Run("cold retrieval reloads from disk", func(t *testing.T) {
		reopened := te.reopen(t, "node_01", 1<<30)

		got, err := reopened.RetrieveSegment(seg.ID)
		if err != nil {
			t.Fatalf("RetrieveSegment() error = %v", err)
		}
		if !bytes.Equal(got.Data, seg.Data) {
			t.Error("cold retrieved bytes differ")
		}
		// The original hash association is not recoverable from bytes alone.
		if got.FileHash != "" || got.ChunkNumber != 0 {
			t.Errorf("cold path got FileHash=%q ChunkNumber=%d", got.FileHash, got.ChunkNumber)
		}
		if got.Checksum != ComputeChecksum(seg.Data) {
			t.Error("cold path checksum not recomputed from bytes")
		}
	})

	t.Run("missing segment", func(t *testing.T) {
		_, err := te.engine.RetrieveSegment("nope_chunk_0")
		var notFound *ErrSegmentNotFound
		if !errors.As(err, &notFound) {
			t.Errorf("expected ErrSegmentNotFound, got %v", err)
		}
	})
}

func TestEngine_MetadataPersistence(t *testing.T) {
	te := createTestEngine(t, "node_01", 1<<30)

	path, _ := writeTestFile(t, 128*1024)
	fileID, segments, err := te.engine.ChunkFile(path, 64*1024)
	if err != nil {
		t.Fatalf("ChunkFile() error = %v", err)
	}
	for _, seg := range segments {
		if err := te.engine.StoreSegment(seg); err != nil {
			t.Fatalf("StoreSegment() error = %v", err)
		}
	}

	// The sidecar has the shape external consumers rely on.
	raw, err := os.ReadFile(filepath.Join(te.dir, "metadata.json"))
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	var sidecar map[string]map[string]any
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		t.Fatalf("sidecar not parseable: %v", err)
	}
	entry, ok := sidecar[fileID]
	if !ok {
		t.Fatalf("sidecar missing file id %s", fileID)
	}
	chunks, ok := entry["chunks"].(map[string]any)
	if !ok {
		t.Fatalf("sidecar chunks not an object: %v", entry["chunks"])
	}
	if chunks["0"] != "node_01" || chunks["1"] != "node_01" {
		t.Errorf("sidecar chunk map got = %v", chunks)
	}

	// A restart recovers the chunk->node index and the usage accounting.
	reopened := te.reopen(t, "node_01", 1<<30)
	meta, err := reopened.Metadata(fileID)
	if err != nil {
		t.Fatalf("Metadata() after restart error = %v", err)
	}
	if meta.Chunks[0] != "node_01" || meta.Chunks[1] != "node_01" {
		t.Errorf("chunk map after restart got = %v", meta.Chunks)
	}
	if info := reopened.Info(); info.UsedBytes != 128*1024 || info.SegmentsStored != 2 {
		t.Errorf("usage after restart got = %+v", info)
	}
}

func TestEngine_MetadataIsSnapshot(t *testing.T) {
	te := createTestEngine(t, "node_01", 1<<30)

	path, _ := writeTestFile(t, 128*1024)
	fileID, segments, err := te.engine.ChunkFile(path, 64*1024)
	if err != nil {
		t.Fatalf("ChunkFile() error = %v", err)
	}
	if err := te.engine.StoreSegment(segments[0]); err != nil {
		t.Fatalf("StoreSegment() error = %v", err)
	}

	snap, err := te.engine.Metadata(fileID)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}

	// Mutating the returned record must not leak into the engine.
	snap.Chunks[99] = "intruder"
	fresh, err := te.engine.Metadata(fileID)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if _, ok := fresh.Chunks[99]; ok {
		t.Error("caller mutation visible through a later Metadata() call")
	}

	// Later stores must not appear in a snapshot taken before them.
	if err := te.engine.StoreSegment(segments[1]); err != nil {
		t.Fatalf("StoreSegment() error = %v", err)
	}
	if _, ok := snap.Chunks[1]; ok {
		t.Error("snapshot grew after a later store")
	}
	if fresh, _ = te.engine.Metadata(fileID); fresh.Chunks[1] != "node_01" {
		t.Errorf("chunk map got = %v, want chunk 1 on node_01", fresh.Chunks)
	}
}

func TestEngine_CapacityExceeded(t *testing.T) {
	te := createTestEngine(t, "node_01", 100)

	first := NewSegment("aaaaaaaaaaaaaaaa", "a1", 0, make([]byte, 60))
	if err := te.engine.StoreSegment(first); err != nil {
		t.Fatalf("first store error = %v", err)
	}

	second := NewSegment("bbbbbbbbbbbbbbbb", "b1", 0, make([]byte, 60))
	err := te.engine.StoreSegment(second)
	var capErr *ErrCapacityExceeded
	if !errors.As(err, &capErr) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if capErr.Used != 60 || capErr.Capacity != 100 {
		t.Errorf("ErrCapacityExceeded fields got = %+v", capErr)
	}

	// Rejection never mutates used bytes.
	if info := te.engine.Info(); info.UsedBytes != 60 {
		t.Errorf("UsedBytes after rejection got = %d, want 60", info.UsedBytes)
	}
}

func TestEngine_ConcurrentStoresCannotOverrun(t *testing.T) {
	te := createTestEngine(t, "node_01", 100)

	a := NewSegment("cccccccccccccccc", "c1", 0, make([]byte, 60))
	b := NewSegment("dddddddddddddddd", "d1", 0, make([]byte, 60))

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, seg := range []*Segment{a, b} {
		wg.Add(1)
		go func(s *Segment) {
			defer wg.Done()
			results <- te.engine.StoreSegment(s)
		}(seg)
	}
	wg.Wait()
	close(results)

	var stored, rejected int
	for err := range results {
		if err == nil {
			stored++
			continue
		}
		var capErr *ErrCapacityExceeded
		if !errors.As(err, &capErr) {
			t.Fatalf("unexpected error: %v", err)
		}
		rejected++
	}

	if stored != 1 || rejected != 1 {
		t.Errorf("stored = %d, rejected = %d, want 1 and 1", stored, rejected)
	}
	if info := te.engine.Info(); info.UsedBytes > info.CapacityBytes {
		t.Errorf("capacity overrun: %d/%d", info.UsedBytes, info.CapacityBytes)
	}
}

// remoteEngine adapts another engine into a SegmentProvider with the provider
// error contract.
type remoteEngine struct {
	engine Engine
}

func (r *remoteEngine) FetchSegment(ctx context.Context, segmentID string) (*Segment, error) {
	seg, err := r.engine.RetrieveSegment(segmentID)
	if err != nil {
		var notFound *ErrSegmentNotFound
		if errors.As(err, &notFound) {
			return nil, ErrRemoteSegmentNotFound
		}
		return nil, ErrProviderUnavailable
	}
	return seg, nil
}

func TestEngine_ReconstructAcrossNodes(t *testing.T) {
	local := createTestEngine(t, "node_01", 1<<30)
	remote := createTestEngine(t, "node_02", 1<<30)

	path, data := writeTestFile(t, 256*1024)
	fileID, segments, err := local.engine.ChunkFile(path, 64*1024)
	if err != nil {
		t.Fatalf("ChunkFile() error = %v", err)
	}

	// Even chunks stay local, odd chunks go remote.
	for i, seg := range segments {
		target := local.engine
		if i%2 == 1 {
			target = remote.engine
		}
		if err := target.StoreSegment(seg); err != nil {
			t.Fatalf("StoreSegment(%d) error = %v", i, err)
		}
	}

	out := filepath.Join(t.TempDir(), "rebuilt.bin")
	err = local.engine.ReconstructFile(context.Background(), fileID, out, &remoteEngine{engine: remote.engine})
	if err != nil {
		t.Fatalf("ReconstructFile() error = %v", err)
	}

	rebuilt, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(rebuilt, data) {
		t.Fatal("reconstructed bytes differ from original")
	}

	// Rehashing the output reproduces the stored whole-file hash.
	meta, err := local.engine.Metadata(fileID)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	sum := sha256.Sum256(rebuilt)
	if hex.EncodeToString(sum[:]) != meta.FileHash {
		t.Error("reconstructed hash does not match stored file hash")
	}
}

func TestEngine_ReconstructFailures(t *testing.T) {
	te := createTestEngine(t, "node_01", 1<<30)

	t.Run("unknown file id", func(t *testing.T) {
		err := te.engine.ReconstructFile(context.Background(), "missing_file", filepath.Join(t.TempDir(), "out.bin"), nil)
		var notFound *ErrMetadataNotFound
		if !errors.As(err, &notFound) {
			t.Errorf("expected ErrMetadataNotFound, got %v", err)
		}
	})

	t.Run("missing chunk with no provider", func(t *testing.T) {
		path, _ := writeTestFile(t, 128*1024)
		fileID, segments, err := te.engine.ChunkFile(path, 64*1024)
		if err != nil {
			t.Fatalf("ChunkFile() error = %v", err)
		}
		// Only the first chunk lands anywhere.
		if err := te.engine.StoreSegment(segments[0]); err != nil {
			t.Fatalf("StoreSegment() error = %v", err)
		}

		err = te.engine.ReconstructFile(context.Background(), fileID, filepath.Join(t.TempDir(), "out.bin"), nil)
		var recErr *ErrReconstructionFailed
		if !errors.As(err, &recErr) {
			t.Fatalf("expected ErrReconstructionFailed, got %v", err)
		}
		if recErr.ChunkNumber != 1 {
			t.Errorf("failing chunk got = %d, want 1", recErr.ChunkNumber)
		}
	})
}

func TestEngine_ClearStorage(t *testing.T) {
	te := createTestEngine(t, "node_01", 1<<30)

	seg := NewSegment("eeeeeeeeeeeeeeee", "e1", 0, []byte("bytes"))
	if err := te.engine.StoreSegment(seg); err != nil {
		t.Fatalf("StoreSegment() error = %v", err)
	}

	if err := te.engine.ClearStorage(); err != nil {
		t.Fatalf("ClearStorage() error = %v", err)
	}

	if info := te.engine.Info(); info.UsedBytes != 0 || info.SegmentsStored != 0 || info.FilesTracked != 0 {
		t.Errorf("info after clear got = %+v", info)
	}
	if _, err := te.engine.RetrieveSegment(seg.ID); err == nil {
		t.Error("segment survived ClearStorage")
	}
}
