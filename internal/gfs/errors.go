package gfs

import "errors"

// Sentinel errors enumerate the abstract failure kinds every component
// classifies its failures into. Call sites wrap these with fmt.Errorf's
// %w verb to attach context; callers use errors.Is against these values,
// never string comparison, to decide how to react.
var (
	// ErrNotFound means a path, chunk handle, or chunkserver id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists means a path collided on create, snapshot, or rename.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoCapacity means no alive ChunkServer was available for placement.
	ErrNoCapacity = errors.New("no capacity")

	// ErrChunkFull means an append could not fit in the selected chunk.
	ErrChunkFull = errors.New("chunk full")

	// ErrChecksumError means a stored block checksum did not match the data
	// read from disk.
	ErrChecksumError = errors.New("checksum mismatch")

	// ErrStale means an operation targeted a chunk version older than the
	// version currently recorded for it.
	ErrStale = errors.New("stale chunk version")

	// ErrTransient means a network or timeout failure that a caller may
	// retry, possibly against a different target.
	ErrTransient = errors.New("transient failure")

	// ErrFatal means a disk I/O failure in the WAL or snapshot path. The
	// Master halts rather than acknowledge an unpersisted mutation.
	ErrFatal = errors.New("fatal storage failure")
)
