package chunkserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"minigfs/internal/gfs"
	"minigfs/internal/logging"
	"minigfs/internal/rpc"
	"minigfs/internal/wire"
)

// Storage manages on-disk chunk files and their checksum sidecars for a
// single ChunkServer. One mutex serializes every mutation against local
// state: the client protocol depends on a single consistent view of each
// chunk, and append in particular must observe a stable current size.
type Storage struct {
	mu      sync.Mutex
	dataDir string
	logger  *slog.Logger
	rpc     *rpc.Client

	checksums map[gfs.ChunkHandle]checksumMap
}

// StorageConfig configures a Storage instance.
type StorageConfig struct {
	DataDir string
	Logger  *slog.Logger
	RPC     *rpc.Client
}

// NewStorage opens (or creates) dataDir and loads any existing checksum
// sidecars found there.
func NewStorage(cfg StorageConfig) (*Storage, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("chunkserver storage: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, err
	}
	s := &Storage{
		dataDir:   cfg.DataDir,
		logger:    logging.Default(cfg.Logger).With("component", "chunkserver-storage"),
		rpc:       cfg.RPC,
		checksums: make(map[gfs.ChunkHandle]checksumMap),
	}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) chunkPath(h gfs.ChunkHandle) string {
	return filepath.Join(s.dataDir, string(h)+".chunk")
}

func (s *Storage) checksumPath(h gfs.ChunkHandle) string {
	return filepath.Join(s.dataDir, string(h)+".checksums")
}

func (s *Storage) loadExisting() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".checksums" {
			continue
		}
		handle := gfs.ChunkHandle(e.Name()[:len(e.Name())-len(ext)])
		m, err := loadChecksums(s.checksumPath(handle))
		if err != nil {
			return fmt.Errorf("load checksums for %s: %w", handle, err)
		}
		s.checksums[handle] = m
	}
	return nil
}

// ListChunks returns the handles of every chunk file found locally. It is
// used both at startup (for registration) and on every heartbeat.
func (s *Storage) ListChunks() ([]gfs.ChunkHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, err
	}
	var handles []gfs.ChunkHandle
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".chunk" {
			continue
		}
		handles = append(handles, gfs.ChunkHandle(e.Name()[:len(e.Name())-len(ext)]))
	}
	return handles, nil
}

// ChunkSize returns the current on-disk size of a chunk, or 0 if absent.
func (s *Storage) ChunkSize(h gfs.ChunkHandle) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkSizeLocked(h)
}

func (s *Storage) chunkSizeLocked(h gfs.ChunkHandle) int64 {
	info, err := os.Stat(s.chunkPath(h))
	if err != nil {
		return 0
	}
	return info.Size()
}

// WriteChunk overwrites the byte range [offset, offset+len(data)) of a
// chunk, extending the file if necessary, then recomputes and persists
// checksums for every block that overlaps the written range.
func (s *Storage) WriteChunk(h gfs.ChunkHandle, offset int64, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeChunkLocked(h, offset, data)
}

func (s *Storage) writeChunkLocked(h gfs.ChunkHandle, offset int64, data []byte) (int, error) {
	path := s.chunkPath(h)

	existing, err := os.ReadFile(filepath.Clean(path))
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: read chunk %s: %v", gfs.ErrFatal, h, err)
	}

	total := int64(len(existing))
	if need := offset + int64(len(data)); need > total {
		total = need
	}
	buf := make([]byte, total)
	copy(buf, existing)
	copy(buf[offset:], data)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return 0, fmt.Errorf("%w: write chunk %s: %v", gfs.ErrFatal, h, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("%w: rename chunk %s: %v", gfs.ErrFatal, h, err)
	}

	if err := s.updateChecksumsLocked(h, buf, offset, int64(len(data))); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (s *Storage) updateChecksumsLocked(h gfs.ChunkHandle, buf []byte, offset, length int64) error {
	m := s.checksums[h]
	if m == nil {
		m = checksumMap{}
	}
	first, last := blockRange(offset, length)
	for block := first; block <= last; block++ {
		start := int64(block) * blockSize
		if start >= int64(len(buf)) {
			break
		}
		end := start + blockSize
		if end > int64(len(buf)) {
			end = int64(len(buf))
		}
		m[block] = blockChecksum(buf[start:end])
	}
	s.checksums[h] = m
	return saveChecksums(s.checksumPath(h), m)
}

// ReadChunk reads length bytes at offset, verifying block checksums first
// unless verify is false. It returns fewer bytes than requested, without
// error, if the chunk ends before offset+length.
func (s *Storage) ReadChunk(h gfs.ChunkHandle, offset, length int64, verify bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.chunkPath(h)
	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: chunk %s", gfs.ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read chunk %s: %v", gfs.ErrFatal, h, err)
	}

	if verify {
		if err := s.verifyChecksumsLocked(h, data, offset, length); err != nil {
			return nil, err
		}
	}

	if offset >= int64(len(data)) {
		return []byte{}, nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

func (s *Storage) verifyChecksumsLocked(h gfs.ChunkHandle, data []byte, offset, length int64) error {
	m := s.checksums[h]
	if m == nil {
		return nil
	}
	first, last := blockRange(offset, length)
	for block := first; block <= last; block++ {
		expected, ok := m[block]
		if !ok {
			continue
		}
		start := int64(block) * blockSize
		if start >= int64(len(data)) {
			continue
		}
		end := start + blockSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if blockChecksum(data[start:end]) != expected {
			return fmt.Errorf("%w: chunk %s block %d", gfs.ErrChecksumError, h, block)
		}
	}
	return nil
}

// AppendRecord appends data at the current end of the chunk, bounded by
// chunkSize. If there is no room at all it returns gfs.ErrChunkFull with
// offset -1; if there is partial room it truncates data to fit and writes
// that prefix, matching the simplified (no padding, no chunk roll) GFS
// record-append semantics this system implements.
func (s *Storage) AppendRecord(h gfs.ChunkHandle, data []byte, chunkSize int64) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.chunkSizeLocked(h)
	available := chunkSize - offset
	if available <= 0 {
		return -1, 0, gfs.ErrChunkFull
	}
	if available < int64(len(data)) {
		data = data[:available]
	}

	n, err := s.writeChunkLocked(h, offset, data)
	if err != nil {
		return -1, 0, err
	}
	return offset, n, nil
}

// DeleteChunk removes a chunk's data file, checksum sidecar, and in-memory
// checksum state.
func (s *Storage) DeleteChunk(h gfs.ChunkHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checksums, h)
	if err := os.Remove(s.chunkPath(h)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete chunk %s: %v", gfs.ErrFatal, h, err)
	}
	if err := os.Remove(s.checksumPath(h)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete checksums %s: %v", gfs.ErrFatal, h, err)
	}
	return nil
}

// CloneChunk fetches the full byte range of srcHandle (or h, if srcHandle
// is empty) from srcAddress and writes it locally at offset 0. It is used
// both for re-replication repair and for copy-on-write materialization of
// a snapshot's shared chunk.
func (s *Storage) CloneChunk(ctx context.Context, h gfs.ChunkHandle, srcAddress string, srcHandle gfs.ChunkHandle) error {
	if srcHandle == "" {
		srcHandle = h
	}
	if s.rpc == nil {
		return fmt.Errorf("%w: clone chunk %s: no rpc client configured", gfs.ErrFatal, h)
	}

	req := wire.ReadChunkRequest{ChunkHandle: srcHandle, Offset: 0, Length: maxCloneReadBytes}
	var resp wire.ReadChunkResponse
	if err := s.rpc.PostJSON(ctx, srcAddress, "/read_chunk", req, &resp); err != nil {
		return fmt.Errorf("clone chunk %s from %s: %w", h, srcAddress, err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: clone chunk %s from %s: %s", gfs.ErrTransient, h, srcAddress, resp.Message)
	}

	data, err := decodeBase64(resp.Data)
	if err != nil {
		return fmt.Errorf("clone chunk %s: decode payload: %w", h, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writeChunkLocked(h, 0, data); err != nil {
		return err
	}
	return nil
}

// maxCloneReadBytes bounds a single clone read; large enough to cover the
// default 64 MiB chunk size in one request.
const maxCloneReadBytes = 64 * 1024 * 1024
