package store

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteSegmentNotFound is returned by a SegmentProvider when the
	// segment is definitively absent on every reachable node.
	ErrRemoteSegmentNotFound = errors.New("segment not found remotely")

	// ErrProviderUnavailable is returned by a SegmentProvider when it could
	// not answer at all, which is a different condition than a clean miss.
	ErrProviderUnavailable = errors.New("segment provider unavailable")
)

// ErrFileNotFound is returned when a path handed to ChunkFile does not exist.
type ErrFileNotFound struct {
	Path string
}

func (e *ErrFileNotFound) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// ErrSegmentNotFound is returned when a segment is in neither the cache nor
// the backing store.
type ErrSegmentNotFound struct {
	ID string
}

func (e *ErrSegmentNotFound) Error() string {
	return fmt.Sprintf("segment not found: %s", e.ID)
}

// ErrMetadataNotFound is returned when no FileMetadata is known for a file id.
type ErrMetadataNotFound struct {
	FileID string
}

func (e *ErrMetadataNotFound) Error() string {
	return fmt.Sprintf("file metadata not found: %s", e.FileID)
}

// ErrCapacityExceeded is returned when a store would push used bytes past
// capacity. The engine's used bytes are untouched when this is returned.
type ErrCapacityExceeded struct {
	NodeID    string
	Requested uint64
	Used      uint64
	Capacity  uint64
}

func (e *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("capacity exceeded on %s: requested %d with %d/%d used",
		e.NodeID, e.Requested, e.Used, e.Capacity)
}

// ErrReconstructionFailed is returned when a required chunk is unobtainable
// both locally and through the provider. The partially written output is not
// cleaned up.
type ErrReconstructionFailed struct {
	FileID      string
	ChunkNumber int
	Err         error
}

func (e *ErrReconstructionFailed) Error() string {
	return fmt.Sprintf("reconstruction of %s failed at chunk %d: %v", e.FileID, e.ChunkNumber, e.Err)
}

func (e *ErrReconstructionFailed) Unwrap() error {
	return e.Err
}

// ErrInternal wraps unexpected OS level failures.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}
