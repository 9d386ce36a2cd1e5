package chunkstore

import (
	"errors"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IChunkStore stores the chunk files of storage targets. A chunk file is
// identified by its target and file handle and grows on demand, ranges that
// were never written read as zeros.
//
// Implementations must be safe for concurrent use.
type IChunkStore interface {
	// ReadAt returns up to n bytes at off of a chunk file. Reading at or past
	// the end of the file (or from a missing file) returns fewer or no bytes.
	ReadAt(targetID uint16, handle string, off, n int64) ([]byte, error)
	// WriteAt writes data at off of a chunk file, creating the file if needed
	WriteAt(targetID uint16, handle string, off int64, data []byte) error
	// Sync makes previous writes to a chunk file durable. Syncing a missing file is a no-op.
	Sync(targetID uint16, handle string) error
	// Usage returns the space used by all chunk files of a target
	Usage(targetID uint16) (Usage, error)
	// Close releases all resources of the store
	Close() error
}

// Usage is the space used by the chunk files of one target
type Usage struct {
	Bytes int64 // sum of all chunk file sizes
	Files int64 // number of chunk files
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrInvalidRange is returned for negative offsets or lengths and empty file handles
	ErrInvalidRange = errors.New("invalid chunk range")
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("chunk store closed")
)

// CheckRange validates the arguments of a read or write
func CheckRange(handle string, off, n int64) error {
	if handle == "" || off < 0 || n < 0 {
		return ErrInvalidRange
	}
	return nil
}
