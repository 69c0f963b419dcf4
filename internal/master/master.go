// Package master implements the authoritative metadata coordinator: the
// namespace, the chunk directory and lease manager, replica placement,
// failure detection and re-replication, garbage collection, and the
// write-ahead log and snapshot that make all of it crash-recoverable.
package master

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"minigfs/internal/config"
	"minigfs/internal/gfs"
	"minigfs/internal/logging"
	"minigfs/internal/rpc"
)

// Master owns the single reentrant-by-convention lock protecting all
// metadata: every exported method acquires mu once and calls into
// unlocked state/lease/placement helpers, never back into another
// exported Master method, so there is no risk of a Go sync.Mutex
// deadlocking on reentrant acquisition.
type Master struct {
	mu sync.Mutex

	cfg config.MasterConfig
	st  *state
	wal *WAL

	tracker *Tracker
	rpc     *rpc.Client
	logger  *slog.Logger
	limiter *rateLimiter

	scheduler    gocron.Scheduler
	snapshotPath string
}

// New builds a Master, recovering from any existing snapshot+WAL under
// cfg.MetadataDir before returning.
func New(cfg config.MasterConfig, logger *slog.Logger) (*Master, error) {
	logger = logging.Default(logger).With("component", "master")

	wal, err := OpenWAL(cfg.MetadataDir, cfg.WALFile)
	if err != nil {
		return nil, fmt.Errorf("new master: %w", err)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("new master: scheduler: %w", err)
	}

	m := &Master{
		cfg:          cfg,
		st:           newState(),
		wal:          wal,
		tracker:      NewTracker(10000),
		rpc:          rpc.NewClient(&http.Client{}, cfg.RPCTimeout),
		logger:       logger,
		limiter:      newRateLimiter(cfg.RegisterRateLimit, cfg.RegisterBurst),
		scheduler:    scheduler,
		snapshotPath: filepath.Join(cfg.MetadataDir, cfg.SnapshotFile),
	}

	if err := m.recover(); err != nil {
		return nil, fmt.Errorf("new master: %w", err)
	}
	return m, nil
}

func (m *Master) recover() error {
	doc, err := loadSnapshot(m.snapshotPath)
	if err != nil {
		return err
	}
	var snapshotSeq int64
	if doc != nil {
		restoreInto(m.st, doc)
		snapshotSeq = doc.LastSequence
		m.wal.AdvanceTo(snapshotSeq)
		m.logger.Info("loaded metadata snapshot", "files", len(m.st.files), "chunks", len(m.st.chunks), "sequence", snapshotSeq)
	}

	count, err := Replay(m.cfg.MetadataDir, m.cfg.WALFile, func(op OperationType, data json.RawMessage, sequence int64) error {
		if sequence <= snapshotSeq {
			return nil
		}
		return m.apply(op, data)
	})
	if err != nil {
		return err
	}
	if count > 0 {
		m.logger.Info("replayed wal entries", "count", count)
	}
	return nil
}

// apply replays one WAL entry against m.st. It assumes mu is NOT held
// (recovery runs before the scheduler or server start) and is otherwise
// identical in effect to the locked mutation that originally produced the
// entry.
func (m *Master) apply(op OperationType, data json.RawMessage) error {
	now := time.Now()
	switch op {
	case OpCreateFile:
		var p struct{ Path string }
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		_, err := m.st.createFile(p.Path, now)
		if err != nil && err != gfs.ErrAlreadyExists {
			return err
		}
	case OpAllocateChunk:
		var p struct {
			Path       string
			ChunkIndex int
			Handle     gfs.ChunkHandle
			ReplicaIDs []string
			OldHandle  gfs.ChunkHandle
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		// A record carrying old_handle is a copy-on-write clone: the index
		// already holds the old handle, so a plain allocate would
		// short-circuit on it and never install the replacement.
		if p.OldHandle != "" {
			if err := m.st.cloneSharedChunk(p.Path, p.ChunkIndex, p.OldHandle, p.Handle, now); err != nil && err != gfs.ErrNotFound && err != gfs.ErrStale {
				return err
			}
			return nil
		}
		if _, err := m.st.allocateChunk(p.Path, p.ChunkIndex, p.ReplicaIDs, p.Handle); err != nil {
			return err
		}
	case OpRegisterChunkServer:
		var p struct {
			ID      string
			Address string
			RackID  string
			Chunks  []gfs.ChunkHandle
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		m.st.registerChunkServer(p.ID, p.Address, p.RackID, p.Chunks, now)
	case OpUpdateChunkSize:
		var p struct {
			Handle gfs.ChunkHandle
			Size   int64
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := m.st.updateChunkSize(p.Handle, p.Size); err != nil && err != gfs.ErrNotFound {
			return err
		}
	case OpIncrementVersion:
		var p struct{ Handle gfs.ChunkHandle }
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if meta, ok := m.st.chunks[p.Handle]; ok {
			meta.Version++
		}
	case OpGrantLease:
		// Leases are intentionally not restored: after recovery the next
		// access re-grants lazily. The version bump that accompanied the
		// grant is replayed by its own INCREMENT_VERSION record.
	case OpSnapshotFile:
		var p struct{ Src, Dst string }
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := m.st.snapshotFile(p.Src, p.Dst, now); err != nil && err != gfs.ErrAlreadyExists {
			return err
		}
	case OpRenameFile:
		var p struct{ Old, New string }
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := m.st.renameFile(p.Old, p.New); err != nil && err != gfs.ErrNotFound {
			return err
		}
	case OpDeleteFile:
		var p struct{ Path string }
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := m.st.deleteFile(p.Path, now); err != nil && err != gfs.ErrNotFound {
			return err
		}
	case OpDeleteChunk:
		var p struct{ Handle gfs.ChunkHandle }
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		m.st.deleteChunk(p.Handle)
	case OpMarkGarbage, OpUpdateReplicas:
		// Derived state already reflected in the snapshotted ChunkMetadata.
	}
	return nil
}

// --- Namespace & chunk allocation ---

func (m *Master) CreateFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if _, err := m.st.createFile(path, now); err != nil {
		return err
	}
	_, err := m.wal.Append(OpCreateFile, struct{ Path string }{path})
	return err
}

// FileInfo is the client-facing view of a file's chunk sequence.
type FileInfo struct {
	Path         string
	ChunkHandles []gfs.ChunkHandle
	Chunks       []ChunkInfo
}

// ChunkInfo is the client-facing view of one chunk's placement.
type ChunkInfo struct {
	Handle    gfs.ChunkHandle
	Replicas  []gfs.ChunkLocation
	PrimaryID string
	Size      int64
}

func (m *Master) GetFileInfo(path string) (FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fm, err := m.st.getFile(path)
	if err != nil {
		return FileInfo{}, err
	}

	// Copies, not aliases: the caller marshals these after mu is released,
	// while allocation and heartbeat reconciliation keep mutating the
	// underlying slices.
	info := FileInfo{Path: fm.Path, ChunkHandles: append([]gfs.ChunkHandle(nil), fm.ChunkHandles...)}
	for _, h := range fm.ChunkHandles {
		if h == "" {
			continue
		}
		if meta, ok := m.st.chunks[h]; ok {
			info.Chunks = append(info.Chunks, ChunkInfo{
				Handle:    h,
				Replicas:  append([]gfs.ChunkLocation(nil), meta.Replicas...),
				PrimaryID: meta.PrimaryID,
				Size:      meta.Size,
			})
		}
	}
	return info, nil
}

// AllocationResult is returned by AllocateChunk.
type AllocationResult struct {
	Handle    gfs.ChunkHandle
	Replicas  []gfs.ChunkLocation
	PrimaryID string
}

func (m *Master) AllocateChunk(path string, chunkIndex int) (AllocationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fm, err := m.st.getFile(path)
	if err != nil {
		return AllocationResult{}, err
	}
	if chunkIndex < len(fm.ChunkHandles) && fm.ChunkHandles[chunkIndex] != "" {
		existing := fm.ChunkHandles[chunkIndex]
		meta := m.st.chunks[existing]
		primary, err := m.grantLease(existing, time.Now())
		if err != nil {
			primary = meta.PrimaryID
		}
		return AllocationResult{
			Handle:    existing,
			Replicas:  append([]gfs.ChunkLocation(nil), meta.Replicas...),
			PrimaryID: primary,
		}, nil
	}

	alive := m.st.aliveChunkservers()
	if len(alive) == 0 {
		return AllocationResult{}, gfs.ErrNoCapacity
	}
	replicaIDs := selectReplicas(m.st.chunkservers, alive, m.cfg.ReplicationFactor)

	handle := gfs.ChunkHandle(uuid.NewString())
	now := time.Now()
	if _, err := m.st.allocateChunk(path, chunkIndex, replicaIDs, handle); err != nil {
		return AllocationResult{}, err
	}
	if _, err := m.wal.Append(OpAllocateChunk, struct {
		Path       string
		ChunkIndex int
		Handle     gfs.ChunkHandle
		ReplicaIDs []string
	}{path, chunkIndex, handle, replicaIDs}); err != nil {
		return AllocationResult{}, fmt.Errorf("%w: %v", gfs.ErrFatal, err)
	}

	meta := m.st.chunks[handle]
	primary, err := m.grantLease(handle, now)
	if err != nil {
		primary = ""
	}
	return AllocationResult{Handle: handle, Replicas: meta.Replicas, PrimaryID: primary}, nil
}

// grantLease wraps state.getOrGrantLease with the WAL bookkeeping the
// lease manager requires: an INCREMENT_VERSION record followed by a
// GRANT_LEASE record, only when a new lease was actually granted.
func (m *Master) grantLease(h gfs.ChunkHandle, now time.Time) (string, error) {
	result, ok := m.st.getOrGrantLease(h, m.cfg.LeaseDuration, now)
	if !ok {
		return "", gfs.ErrNoCapacity
	}
	if result.Granted {
		if _, err := m.wal.Append(OpIncrementVersion, struct{ Handle gfs.ChunkHandle }{h}); err != nil {
			return "", fmt.Errorf("%w: %v", gfs.ErrFatal, err)
		}
		if _, err := m.wal.Append(OpGrantLease, struct {
			Handle     gfs.ChunkHandle
			PrimaryID  string
			Expiration time.Time
		}{h, result.PrimaryID, now.Add(m.cfg.LeaseDuration)}); err != nil {
			return "", fmt.Errorf("%w: %v", gfs.ErrFatal, err)
		}
	}
	return result.PrimaryID, nil
}

// ChunkLocations is the client-facing view of get_chunk_locations.
type ChunkLocations struct {
	Handle         gfs.ChunkHandle
	Replicas       []gfs.ChunkLocation
	PrimaryID      string
	Size           int64
	ReferenceCount int
}

func (m *Master) GetChunkLocations(h gfs.ChunkHandle) (ChunkLocations, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.st.getChunk(h)
	if err != nil {
		return ChunkLocations{}, err
	}
	primary, err := m.grantLease(h, time.Now())
	if err != nil {
		primary = ""
	}
	meta.PrimaryID = primary
	return ChunkLocations{
		Handle:         h,
		Replicas:       append([]gfs.ChunkLocation(nil), meta.Replicas...),
		PrimaryID:      primary,
		Size:           meta.Size,
		ReferenceCount: meta.ReferenceCount,
	}, nil
}

func (m *Master) UpdateChunkSize(h gfs.ChunkHandle, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.st.updateChunkSize(h, size); err != nil {
		return err
	}
	_, err := m.wal.Append(OpUpdateChunkSize, struct {
		Handle gfs.ChunkHandle
		Size   int64
	}{h, size})
	return err
}

func (m *Master) SnapshotFile(src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if err := m.st.snapshotFile(src, dst, now); err != nil {
		return err
	}
	_, err := m.wal.Append(OpSnapshotFile, struct{ Src, Dst string }{src, dst})
	return err
}

func (m *Master) RenameFile(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.st.renameFile(oldPath, newPath); err != nil {
		return err
	}
	_, err := m.wal.Append(OpRenameFile, struct{ Old, New string }{oldPath, newPath})
	return err
}

func (m *Master) DeleteFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if err := m.st.deleteFile(path, now); err != nil {
		return err
	}
	_, err := m.wal.Append(OpDeleteFile, struct{ Path string }{path})
	return err
}

// ListDirectory returns every path matching a doublestar glob pattern
// (e.g. "data/**/*.log"). Paths are matched with their leading "/"
// stripped, so a pattern that starts with "/" matches nothing. An empty
// pattern matches every path, same as a bare prefix would have.
func (m *Master) ListDirectory(pattern string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var paths []string
	for path := range m.st.files {
		if pattern == "" {
			paths = append(paths, path)
			continue
		}
		if ok, err := doublestar.Match(pattern, strings.TrimPrefix(path, "/")); err == nil && ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// FragmentationStats reports how many chunks each file is split across.
func (m *Master) FragmentationStats() FragmentationStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.fragmentationStats()
}

// StaleReplicaStats reports chunks whose live-replica count trails their
// recorded replica count.
func (m *Master) StaleReplicaStats() StaleReplicaStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.staleReplicaStats()
}

// CloneSharedChunk allocates a fresh handle carrying old_handle's
// placement, logs the change, then issues out-of-band clone RPCs to every
// replica of the new handle so physical bytes catch up before the caller
// mutates it. Dispatching happens outside the metadata lock.
func (m *Master) CloneSharedChunk(path string, chunkIndex int, oldHandle gfs.ChunkHandle) (gfs.ChunkHandle, error) {
	m.mu.Lock()
	newHandle := gfs.ChunkHandle(uuid.NewString())
	now := time.Now()
	if err := m.st.cloneSharedChunk(path, chunkIndex, oldHandle, newHandle, now); err != nil {
		m.mu.Unlock()
		return "", err
	}
	oldReplicas := append([]gfs.ChunkLocation(nil), m.st.chunks[oldHandle].Replicas...)
	newReplicas := append([]gfs.ChunkLocation(nil), m.st.chunks[newHandle].Replicas...)
	if _, err := m.wal.Append(OpAllocateChunk, struct {
		Path       string
		ChunkIndex int
		Handle     gfs.ChunkHandle
		OldHandle  gfs.ChunkHandle
	}{path, chunkIndex, newHandle, oldHandle}); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %v", gfs.ErrFatal, err)
	}
	m.mu.Unlock()

	m.dispatchCloneFanout(oldHandle, oldReplicas, newHandle, newReplicas)
	return newHandle, nil
}

// --- ChunkServer registration & heartbeat ---

func (m *Master) RegisterChunkServer(id, address, rackID string, chunks []gfs.ChunkHandle) error {
	if !m.limiter.Allow(id) {
		return fmt.Errorf("%w: registration rate limit exceeded for %s", gfs.ErrTransient, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.st.registerChunkServer(id, address, rackID, chunks, now)
	_, err := m.wal.Append(OpRegisterChunkServer, struct {
		ID      string
		Address string
		RackID  string
		Chunks  []gfs.ChunkHandle
	}{id, address, rackID, chunks})
	if err == nil {
		m.logger.Info("chunkserver registered", "chunkserver_id", id, "address", address, "rack_id", rackID, "chunks", len(chunks))
	}
	return err
}

func (m *Master) Heartbeat(id string, chunks []gfs.ChunkHandle) error {
	if !m.limiter.Allow(id) {
		return fmt.Errorf("%w: heartbeat rate limit exceeded for %s", gfs.ErrTransient, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.handleHeartbeat(id, chunks, time.Now())
}

// RecordOperation feeds a client- or chunkserver-observed operation into
// the operations tracker. It does not touch metadata state or the WAL, so
// it does not take mu.
func (m *Master) RecordOperation(opType string, start, end time.Time, success bool, bytes int64, chunkserverID string) {
	m.tracker.Record(opType, start, end, success, bytes, chunkserverID)
}

// Close flushes the WAL and stops the background scheduler.
func (m *Master) Close() error {
	_ = m.scheduler.Shutdown()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wal.Close()
}
