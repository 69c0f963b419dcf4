package master

import (
	"time"

	"minigfs/internal/gfs"
)

// state is the Master's entire in-memory metadata: namespace, chunk
// directory, chunkserver directory, and active leases, plus the inverse
// index from chunkserver to the handles it last reported. Every method on
// state assumes its caller already holds Master.mu — state never locks
// itself, which is what lets these methods call each other freely without
// the reentrancy problems a plain sync.Mutex would otherwise cause.
type state struct {
	files             map[string]*gfs.FileMetadata
	chunks            map[gfs.ChunkHandle]*gfs.ChunkMetadata
	chunkservers      map[string]*gfs.ChunkServerInfo
	leases            map[gfs.ChunkHandle]*gfs.LeaseInfo
	chunkserverChunks map[string]map[gfs.ChunkHandle]struct{}
}

func newState() *state {
	return &state{
		files:             make(map[string]*gfs.FileMetadata),
		chunks:            make(map[gfs.ChunkHandle]*gfs.ChunkMetadata),
		chunkservers:      make(map[string]*gfs.ChunkServerInfo),
		leases:            make(map[gfs.ChunkHandle]*gfs.LeaseInfo),
		chunkserverChunks: make(map[string]map[gfs.ChunkHandle]struct{}),
	}
}

func (s *state) aliveChunkservers() []string {
	var ids []string
	for id, info := range s.chunkservers {
		if info.IsAlive {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *state) reportsHandle(csID string, h gfs.ChunkHandle) bool {
	set, ok := s.chunkserverChunks[csID]
	if !ok {
		return false
	}
	_, ok = set[h]
	return ok
}

// liveReplicas returns the replicas of a chunk whose chunkserver is alive
// and whose most recent heartbeat still lists the handle. This reconciled
// view, not the stored replica list, is what placement, lease, and repair
// decisions trust.
func (s *state) liveReplicas(meta *gfs.ChunkMetadata) []gfs.ChunkLocation {
	var live []gfs.ChunkLocation
	for _, r := range meta.Replicas {
		cs, ok := s.chunkservers[r.ChunkServerID]
		if ok && cs.IsAlive && s.reportsHandle(r.ChunkServerID, meta.Handle) {
			live = append(live, r)
		}
	}
	return live
}

func (s *state) createFile(path string, now time.Time) (*gfs.FileMetadata, error) {
	if _, exists := s.files[path]; exists {
		return nil, gfs.ErrAlreadyExists
	}
	fm := &gfs.FileMetadata{Path: path, CreatedAt: now}
	s.files[path] = fm
	return fm, nil
}

func (s *state) getFile(path string) (*gfs.FileMetadata, error) {
	fm, ok := s.files[path]
	if !ok {
		return nil, gfs.ErrNotFound
	}
	return fm, nil
}

// allocateChunk assigns handle at file.chunk_handles[chunkIndex], creating
// fresh ChunkMetadata when the index is not already populated. Repeated
// calls with the same (path, chunkIndex) return the existing handle
// unchanged, so a client retrying an allocation gets the same chunk.
func (s *state) allocateChunk(path string, chunkIndex int, replicaIDs []string, handle gfs.ChunkHandle) (gfs.ChunkHandle, error) {
	fm, ok := s.files[path]
	if !ok {
		return "", gfs.ErrNotFound
	}

	for len(fm.ChunkHandles) <= chunkIndex {
		fm.ChunkHandles = append(fm.ChunkHandles, "")
	}
	if existing := fm.ChunkHandles[chunkIndex]; existing != "" {
		return existing, nil
	}

	// Liveness is not checked here: live callers already pick replicaIDs
	// from alive servers, and WAL replay after a snapshot restore runs
	// while every chunkserver is still marked not alive.
	var replicas []gfs.ChunkLocation
	for _, id := range replicaIDs {
		cs, ok := s.chunkservers[id]
		if !ok {
			continue
		}
		replicas = append(replicas, gfs.ChunkLocation{ChunkServerID: id, Address: cs.Address})
	}
	if len(replicas) == 0 {
		return "", gfs.ErrNoCapacity
	}

	meta := &gfs.ChunkMetadata{
		Handle:         handle,
		Version:        0,
		Replicas:       replicas,
		PrimaryID:      replicas[0].ChunkServerID,
		ReferenceCount: 1,
	}
	s.chunks[handle] = meta
	fm.ChunkHandles[chunkIndex] = handle
	for _, r := range replicas {
		s.addReplicaIndex(r.ChunkServerID, handle)
	}
	return handle, nil
}

func (s *state) addReplicaIndex(csID string, h gfs.ChunkHandle) {
	set, ok := s.chunkserverChunks[csID]
	if !ok {
		set = make(map[gfs.ChunkHandle]struct{})
		s.chunkserverChunks[csID] = set
	}
	set[h] = struct{}{}
}

func (s *state) getChunk(h gfs.ChunkHandle) (*gfs.ChunkMetadata, error) {
	meta, ok := s.chunks[h]
	if !ok {
		return nil, gfs.ErrNotFound
	}
	return meta, nil
}

// registerChunkServer creates or refreshes a ChunkServerInfo and
// reconciles the replica index and reported chunk set exactly as a
// heartbeat would, since registration is a heartbeat plus address/rack
// information.
func (s *state) registerChunkServer(id, address, rackID string, chunks []gfs.ChunkHandle, now time.Time) {
	cs, ok := s.chunkservers[id]
	if !ok {
		cs = &gfs.ChunkServerInfo{ID: id, RackID: rackID}
		s.chunkservers[id] = cs
	}
	cs.Address = address
	cs.RackID = rackID
	cs.LastHeartbeat = now
	cs.IsAlive = true
	cs.Chunks = append([]gfs.ChunkHandle(nil), chunks...)

	s.reconcileReportedChunks(id, address, chunks)
}

func (s *state) handleHeartbeat(id string, chunks []gfs.ChunkHandle, now time.Time) error {
	cs, ok := s.chunkservers[id]
	if !ok {
		return gfs.ErrNotFound
	}
	cs.LastHeartbeat = now
	cs.IsAlive = true
	cs.Chunks = append([]gfs.ChunkHandle(nil), chunks...)
	s.reconcileReportedChunks(id, cs.Address, chunks)
	return nil
}

func (s *state) reconcileReportedChunks(id, address string, chunks []gfs.ChunkHandle) {
	newSet := make(map[gfs.ChunkHandle]struct{}, len(chunks))
	for _, h := range chunks {
		newSet[h] = struct{}{}
	}
	oldSet := s.chunkserverChunks[id]

	for h := range oldSet {
		if _, stillHas := newSet[h]; stillHas {
			continue
		}
		meta, ok := s.chunks[h]
		if !ok {
			continue
		}
		var kept []gfs.ChunkLocation
		for _, r := range meta.Replicas {
			if r.ChunkServerID != id {
				kept = append(kept, r)
			}
		}
		meta.Replicas = kept
		if meta.PrimaryID == id {
			meta.PrimaryID = ""
			delete(s.leases, h)
		}
	}

	for h := range newSet {
		meta, ok := s.chunks[h]
		if !ok {
			continue
		}
		found := false
		for _, r := range meta.Replicas {
			if r.ChunkServerID == id {
				found = true
				break
			}
		}
		if !found {
			meta.Replicas = append(meta.Replicas, gfs.ChunkLocation{ChunkServerID: id, Address: address})
		}
	}

	s.chunkserverChunks[id] = newSet
}

// detectDead flips is_alive to false for every chunkserver whose last
// heartbeat is older than timeout, returning the ids that transitioned.
func (s *state) detectDead(timeout time.Duration, now time.Time) []string {
	var dead []string
	for id, cs := range s.chunkservers {
		if cs.IsAlive && now.Sub(cs.LastHeartbeat) > timeout {
			cs.IsAlive = false
			dead = append(dead, id)
		}
	}
	return dead
}

func (s *state) chunksNeedingReplication(factor int) []gfs.ChunkHandle {
	var needs []gfs.ChunkHandle
	for h, meta := range s.chunks {
		// A chunk already marked garbage is on its way out; re-replicating
		// it would just create more replicas for GC to delete.
		if meta.GarbageSince != nil {
			continue
		}
		if len(s.liveReplicas(meta)) < factor {
			needs = append(needs, h)
		}
	}
	return needs
}

// selectSourceAndTarget picks a live replica to read from and a live,
// not-yet-holding chunkserver to clone into.
func (s *state) selectSourceAndTarget(h gfs.ChunkHandle) (source, target string, ok bool) {
	meta, exists := s.chunks[h]
	if !exists {
		return "", "", false
	}
	for _, r := range meta.Replicas {
		cs, alive := s.chunkservers[r.ChunkServerID]
		if alive && cs.IsAlive && s.reportsHandle(r.ChunkServerID, h) {
			source = r.ChunkServerID
			break
		}
	}
	if source == "" {
		return "", "", false
	}
	for id, cs := range s.chunkservers {
		if cs.IsAlive && id != source && !s.reportsHandle(id, h) {
			target = id
			break
		}
	}
	if target == "" {
		return "", "", false
	}
	return source, target, true
}

func (s *state) renameFile(oldPath, newPath string) error {
	fm, ok := s.files[oldPath]
	if !ok {
		return gfs.ErrNotFound
	}
	if _, exists := s.files[newPath]; exists {
		return gfs.ErrAlreadyExists
	}
	delete(s.files, oldPath)
	fm.Path = newPath
	s.files[newPath] = fm
	return nil
}

// deleteFile removes the path and decrements reference_count on every
// chunk it referenced, marking newly unreferenced chunks as garbage.
func (s *state) deleteFile(path string, now time.Time) error {
	fm, ok := s.files[path]
	if !ok {
		return gfs.ErrNotFound
	}
	delete(s.files, path)
	for _, h := range fm.ChunkHandles {
		if h == "" {
			continue
		}
		s.decrementReference(h, now)
	}
	return nil
}

func (s *state) decrementReference(h gfs.ChunkHandle, now time.Time) {
	meta, ok := s.chunks[h]
	if !ok {
		return
	}
	if meta.ReferenceCount > 0 {
		meta.ReferenceCount--
	}
	if meta.ReferenceCount == 0 && meta.GarbageSince == nil {
		t := now
		meta.GarbageSince = &t
	}
}

// snapshotFile creates dst sharing src's chunk-handle sequence, bumping
// reference_count on every shared chunk.
func (s *state) snapshotFile(src, dst string, now time.Time) error {
	srcFm, ok := s.files[src]
	if !ok {
		return gfs.ErrNotFound
	}
	if _, exists := s.files[dst]; exists {
		return gfs.ErrAlreadyExists
	}
	handles := append([]gfs.ChunkHandle(nil), srcFm.ChunkHandles...)
	for _, h := range handles {
		if h == "" {
			continue
		}
		if meta, ok := s.chunks[h]; ok {
			meta.ReferenceCount++
		}
	}
	s.files[dst] = &gfs.FileMetadata{Path: dst, ChunkHandles: handles, CreatedAt: now}
	return nil
}

// cloneSharedChunk allocates a new handle carrying the same replica
// placement as oldHandle, for copy-on-write before a mutation.
func (s *state) cloneSharedChunk(path string, chunkIndex int, oldHandle, newHandle gfs.ChunkHandle, now time.Time) error {
	fm, ok := s.files[path]
	if !ok {
		return gfs.ErrNotFound
	}
	old, ok := s.chunks[oldHandle]
	if !ok {
		return gfs.ErrNotFound
	}
	if chunkIndex >= len(fm.ChunkHandles) || fm.ChunkHandles[chunkIndex] != oldHandle {
		return gfs.ErrStale
	}

	newMeta := &gfs.ChunkMetadata{
		Handle:         newHandle,
		Version:        old.Version,
		Replicas:       append([]gfs.ChunkLocation(nil), old.Replicas...),
		PrimaryID:      old.PrimaryID,
		Size:           old.Size,
		ReferenceCount: 1,
	}
	s.chunks[newHandle] = newMeta
	for _, r := range newMeta.Replicas {
		s.addReplicaIndex(r.ChunkServerID, newHandle)
	}

	fm.ChunkHandles[chunkIndex] = newHandle
	s.decrementReference(oldHandle, now)
	return nil
}

func (s *state) updateChunkSize(h gfs.ChunkHandle, size int64) error {
	meta, ok := s.chunks[h]
	if !ok {
		return gfs.ErrNotFound
	}
	if size > meta.Size {
		meta.Size = size
	}
	return nil
}

// garbageCollect marks newly-unreferenced chunks (reference_count already
// 0 but garbage_since unset) and returns chunks whose garbage_since
// predates the retention window, ready for physical deletion.
func (s *state) garbageCollect(retention time.Duration, now time.Time) (newlyMarked, toDelete []gfs.ChunkHandle) {
	for h, meta := range s.chunks {
		if meta.ReferenceCount == 0 && meta.GarbageSince == nil {
			t := now
			meta.GarbageSince = &t
			newlyMarked = append(newlyMarked, h)
		}
		if meta.GarbageSince != nil && now.Sub(*meta.GarbageSince) > retention {
			toDelete = append(toDelete, h)
		}
	}
	return newlyMarked, toDelete
}

func (s *state) deleteChunk(h gfs.ChunkHandle) {
	meta, ok := s.chunks[h]
	if !ok {
		return
	}
	for _, r := range meta.Replicas {
		if set, ok := s.chunkserverChunks[r.ChunkServerID]; ok {
			delete(set, h)
		}
	}
	delete(s.chunks, h)
	delete(s.leases, h)
}
