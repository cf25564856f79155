package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultChunkSize is the fixed segment size used when the caller does not
// specify one.
const DefaultChunkSize = 64 * 1024

// Segment is one fixed-size chunk of a file, independently addressable by its
// deterministic ID.
type Segment struct {
	ID          string
	FileHash    string
	ChunkNumber int
	Data        []byte
	Size        int
	Checksum    string
	Timestamp   time.Time
}

// SegmentID derives the canonical segment name. Retrieval relies on this
// convention instead of a separate index.
func SegmentID(fileID string, chunkNumber int) string {
	return fmt.Sprintf("%s_chunk_%d", fileID, chunkNumber)
}

func NewSegment(fileID string, fileHash string, chunkNumber int, data []byte) *Segment {
	return &Segment{
		ID:          SegmentID(fileID, chunkNumber),
		FileHash:    fileHash,
		ChunkNumber: chunkNumber,
		Data:        data,
		Size:        len(data),
		Checksum:    ComputeChecksum(data),
		Timestamp:   time.Now(),
	}
}

func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileMetadata is the whole-file chunk index. Chunks maps chunk number to the
// node that physically holds it and is populated incrementally as segments
// land. The struct serializes to the metadata.json sidecar.
type FileMetadata struct {
	FileID           string         `json:"-"`
	OriginalFilename string         `json:"original_filename"`
	FileHash         string         `json:"file_hash"`
	TotalSizeBytes   int64          `json:"total_size_bytes"`
	ChunkSizeBytes   int            `json:"chunk_size_bytes"`
	TotalChunks      int            `json:"total_chunks"`
	Chunks           map[int]string `json:"chunks"`
	CreatedAt        time.Time      `json:"created_at"`
	Replicas         int            `json:"replicas"`
}
