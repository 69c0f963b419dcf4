package master

import (
	"testing"
	"time"

	"minigfs/internal/gfs"
)

func newTestState() *state {
	return newState()
}

func registerAlive(s *state, id, addr, rack string, now time.Time) {
	s.registerChunkServer(id, addr, rack, nil, now)
}

func TestCreateFileThenCreateFileAgainFails(t *testing.T) {
	s := newTestState()
	now := time.Now()

	if _, err := s.createFile("/a", now); err != nil {
		t.Fatalf("first create_file: %v", err)
	}
	if _, err := s.createFile("/a", now); err != gfs.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestAllocateChunkIsIdempotent(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)

	if _, err := s.createFile("/a", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}

	h1, err := s.allocateChunk("/a", 0, []string{"cs1"}, gfs.ChunkHandle("handle-1"))
	if err != nil {
		t.Fatalf("allocate_chunk: %v", err)
	}

	// Repeated calls with the same (path, chunk_index) must return the
	// existing handle, not the freshly-minted one passed in.
	h2, err := s.allocateChunk("/a", 0, []string{"cs1"}, gfs.ChunkHandle("handle-2"))
	if err != nil {
		t.Fatalf("allocate_chunk retry: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("allocate_chunk not idempotent: %q != %q", h1, h2)
	}
}

func TestAllocateChunkNoCapacity(t *testing.T) {
	s := newTestState()
	now := time.Now()
	if _, err := s.createFile("/a", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	if _, err := s.allocateChunk("/a", 0, nil, gfs.ChunkHandle("h")); err != gfs.ErrNoCapacity {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
}

func TestAllocateChunkPadsSparseIndex(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)
	if _, err := s.createFile("/a", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}

	if _, err := s.allocateChunk("/a", 2, []string{"cs1"}, gfs.ChunkHandle("h2")); err != nil {
		t.Fatalf("allocate_chunk: %v", err)
	}

	fm := s.files["/a"]
	if len(fm.ChunkHandles) != 3 {
		t.Fatalf("expected chunk_handles length 3, got %d", len(fm.ChunkHandles))
	}
	if fm.ChunkHandles[0] != "" || fm.ChunkHandles[1] != "" {
		t.Fatalf("expected unallocated indices to be empty, got %+v", fm.ChunkHandles)
	}
	if fm.ChunkHandles[2] != "h2" {
		t.Fatalf("expected handle at index 2, got %q", fm.ChunkHandles[2])
	}
}

func TestLeaseGrantBumpsVersionAndReusesUntilExpiry(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)
	if _, err := s.createFile("/a", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	h, err := s.allocateChunk("/a", 0, []string{"cs1"}, gfs.ChunkHandle("h"))
	if err != nil {
		t.Fatalf("allocate_chunk: %v", err)
	}
	s.handleHeartbeat("cs1", []gfs.ChunkHandle{h}, now)

	res, ok := s.getOrGrantLease(h, time.Minute, now)
	if !ok || !res.Granted || res.PrimaryID != "cs1" {
		t.Fatalf("expected granted lease for cs1, got %+v ok=%v", res, ok)
	}
	if s.chunks[h].Version != 1 {
		t.Fatalf("expected version bumped to 1, got %d", s.chunks[h].Version)
	}

	// A second call before expiry with the same primary still alive must
	// reuse the lease without granting again.
	res2, ok := s.getOrGrantLease(h, time.Minute, now.Add(time.Second))
	if !ok || res2.Granted {
		t.Fatalf("expected reused lease without a fresh grant, got %+v", res2)
	}
	if s.chunks[h].Version != 1 {
		t.Fatalf("version must not bump on lease reuse, got %d", s.chunks[h].Version)
	}
}

func TestLeaseVersionNeverDecreases(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)
	if _, err := s.createFile("/a", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	h, err := s.allocateChunk("/a", 0, []string{"cs1"}, gfs.ChunkHandle("h"))
	if err != nil {
		t.Fatalf("allocate_chunk: %v", err)
	}
	s.handleHeartbeat("cs1", []gfs.ChunkHandle{h}, now)

	var lastVersion int64
	leaseDuration := time.Second
	for i := 0; i < 3; i++ {
		t2 := now.Add(time.Duration(i) * 2 * time.Second)
		s.handleHeartbeat("cs1", []gfs.ChunkHandle{h}, t2)
		if _, ok := s.getOrGrantLease(h, leaseDuration, t2); !ok {
			t.Fatalf("iteration %d: expected lease grant", i)
		}
		v := s.chunks[h].Version
		if v < lastVersion {
			t.Fatalf("version decreased: %d -> %d", lastVersion, v)
		}
		lastVersion = v
	}
	if lastVersion == 0 {
		t.Fatalf("expected version to have incremented at least once")
	}
}

func TestSnapshotFileSharesChunksAndBumpsReferenceCount(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)
	if _, err := s.createFile("/x", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	h, err := s.allocateChunk("/x", 0, []string{"cs1"}, gfs.ChunkHandle("h"))
	if err != nil {
		t.Fatalf("allocate_chunk: %v", err)
	}
	if s.chunks[h].ReferenceCount != 1 {
		t.Fatalf("expected initial reference_count 1, got %d", s.chunks[h].ReferenceCount)
	}

	if err := s.snapshotFile("/x", "/y", now); err != nil {
		t.Fatalf("snapshot_file: %v", err)
	}
	if s.chunks[h].ReferenceCount != 2 {
		t.Fatalf("expected reference_count 2 after snapshot, got %d", s.chunks[h].ReferenceCount)
	}
	if s.files["/y"].ChunkHandles[0] != h {
		t.Fatalf("expected /y to share chunk handle %q, got %q", h, s.files["/y"].ChunkHandles[0])
	}
}

func TestSnapshotFileFailsOnUnknownSourceOrExistingDest(t *testing.T) {
	s := newTestState()
	now := time.Now()
	if err := s.snapshotFile("/nope", "/y", now); err != gfs.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.createFile("/x", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	if _, err := s.createFile("/y", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	if err := s.snapshotFile("/x", "/y", now); err != gfs.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCloneSharedChunkDecrementsOldAndCarriesPlacement(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)
	registerAlive(s, "cs2", "addr2", "rack2", now)
	if _, err := s.createFile("/x", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	old, err := s.allocateChunk("/x", 0, []string{"cs1", "cs2"}, gfs.ChunkHandle("old"))
	if err != nil {
		t.Fatalf("allocate_chunk: %v", err)
	}
	if err := s.snapshotFile("/x", "/y", now); err != nil {
		t.Fatalf("snapshot_file: %v", err)
	}
	if s.chunks[old].ReferenceCount != 2 {
		t.Fatalf("expected reference_count 2 before clone, got %d", s.chunks[old].ReferenceCount)
	}

	newHandle := gfs.ChunkHandle("new")
	if err := s.cloneSharedChunk("/x", 0, old, newHandle, now); err != nil {
		t.Fatalf("clone_shared_chunk: %v", err)
	}

	if s.chunks[old].ReferenceCount != 1 {
		t.Fatalf("expected old reference_count decremented to 1, got %d", s.chunks[old].ReferenceCount)
	}
	if s.chunks[newHandle].ReferenceCount != 1 {
		t.Fatalf("expected new handle reference_count 1, got %d", s.chunks[newHandle].ReferenceCount)
	}
	if len(s.chunks[newHandle].Replicas) != len(s.chunks[old].Replicas) {
		t.Fatalf("expected new handle to carry old's replica count")
	}
	if s.files["/x"].ChunkHandles[0] != newHandle {
		t.Fatalf("expected /x chunk 0 to point at new handle")
	}
	// /y must be unaffected — it still points at the original chunk.
	if s.files["/y"].ChunkHandles[0] != old {
		t.Fatalf("expected /y to still reference old handle")
	}
}

func TestDeleteFileMarksGarbageAtZeroReferences(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)
	if _, err := s.createFile("/x", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	h, err := s.allocateChunk("/x", 0, []string{"cs1"}, gfs.ChunkHandle("h"))
	if err != nil {
		t.Fatalf("allocate_chunk: %v", err)
	}

	if err := s.deleteFile("/x", now); err != nil {
		t.Fatalf("delete_file: %v", err)
	}
	meta := s.chunks[h]
	if meta.ReferenceCount != 0 {
		t.Fatalf("expected reference_count 0, got %d", meta.ReferenceCount)
	}
	if meta.GarbageSince == nil {
		t.Fatalf("expected garbage_since to be set")
	}
}

func TestGarbageCollectRespectsRetentionWindow(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)
	if _, err := s.createFile("/x", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	h, err := s.allocateChunk("/x", 0, []string{"cs1"}, gfs.ChunkHandle("h"))
	if err != nil {
		t.Fatalf("allocate_chunk: %v", err)
	}
	if err := s.deleteFile("/x", now); err != nil {
		t.Fatalf("delete_file: %v", err)
	}

	retention := time.Hour
	_, toDelete := s.garbageCollect(retention, now.Add(time.Minute))
	if len(toDelete) != 0 {
		t.Fatalf("expected nothing eligible for deletion yet, got %v", toDelete)
	}

	_, toDelete = s.garbageCollect(retention, now.Add(2*time.Hour))
	if len(toDelete) != 1 || toDelete[0] != h {
		t.Fatalf("expected %q eligible for deletion, got %v", h, toDelete)
	}
}

func TestReconcileReportedChunksDropsStaleReplica(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)
	registerAlive(s, "cs2", "addr2", "rack2", now)
	if _, err := s.createFile("/x", now); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	h, err := s.allocateChunk("/x", 0, []string{"cs1", "cs2"}, gfs.ChunkHandle("h"))
	if err != nil {
		t.Fatalf("allocate_chunk: %v", err)
	}

	// cs1 stops reporting the handle on its next heartbeat.
	s.handleHeartbeat("cs1", nil, now.Add(time.Second))

	live := s.liveReplicas(s.chunks[h])
	if len(live) != 1 || live[0].ChunkServerID != "cs2" {
		t.Fatalf("expected only cs2 to be a live replica, got %+v", live)
	}
}

func TestDetectDeadFlipsLiveness(t *testing.T) {
	s := newTestState()
	now := time.Now()
	registerAlive(s, "cs1", "addr1", "rack1", now)

	dead := s.detectDead(30*time.Second, now.Add(10*time.Second))
	if len(dead) != 0 {
		t.Fatalf("expected no dead servers yet, got %v", dead)
	}

	dead = s.detectDead(30*time.Second, now.Add(31*time.Second))
	if len(dead) != 1 || dead[0] != "cs1" {
		t.Fatalf("expected cs1 marked dead, got %v", dead)
	}
	if s.chunkservers["cs1"].IsAlive {
		t.Fatalf("expected cs1.IsAlive == false")
	}
}
