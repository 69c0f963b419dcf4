package master

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"minigfs/internal/gfs"
	"minigfs/internal/wire"
)

// repairConcurrency bounds how many clone dispatches run at once within a
// tick, so one slow target cannot starve the tick's other candidates. How
// many chunks a tick repairs at all is cfg.RepairBatchSize.
const repairConcurrency = 4

// Start schedules the failure-detection/repair, garbage-collection, and
// checkpoint loops and runs them until ctx is cancelled.
func (m *Master) Start(ctx context.Context) error {
	if _, err := m.scheduler.NewJob(
		gocron.DurationJob(m.cfg.BackgroundTick),
		gocron.NewTask(m.tick, ctx),
		gocron.WithName("master-failure-detection"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return err
	}
	if _, err := m.scheduler.NewJob(
		gocron.DurationJob(m.cfg.GCInterval),
		gocron.NewTask(m.garbageCollectTick, ctx),
		gocron.WithName("master-gc"),
	); err != nil {
		return err
	}
	if _, err := m.scheduler.NewJob(
		gocron.DurationJob(m.cfg.CheckpointInterval),
		gocron.NewTask(m.checkpointTick),
		gocron.WithName("master-checkpoint"),
	); err != nil {
		return err
	}

	m.scheduler.Start()
	<-ctx.Done()
	return m.Close()
}

// tick runs the failure detector and dispatches repair for at most
// cfg.RepairBatchSize under-replicated chunks.
func (m *Master) tick(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	dead := m.st.detectDead(m.cfg.HeartbeatTimeout, now)
	needs := m.st.chunksNeedingReplication(m.cfg.ReplicationFactor)
	m.mu.Unlock()

	for _, id := range dead {
		m.logger.Warn("chunkserver marked dead", "chunkserver_id", id)
		m.tracker.RecordChunkServerFailure(id, now)
	}

	if len(needs) == 0 {
		return
	}
	if len(needs) > m.cfg.RepairBatchSize {
		needs = needs[:m.cfg.RepairBatchSize]
	}
	m.logger.Info("chunks needing replication", "count", len(needs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(repairConcurrency)
	for _, h := range needs {
		h := h
		g.Go(func() error {
			m.repairOne(gctx, h)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Master) repairOne(ctx context.Context, h gfs.ChunkHandle) {
	m.mu.Lock()
	source, target, ok := m.st.selectSourceAndTarget(h)
	var sourceAddr, targetAddr string
	if ok {
		sourceAddr = m.st.chunkservers[source].Address
		targetAddr = m.st.chunkservers[target].Address
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.tracker.StartReplication(h, time.Now())
	defer m.tracker.EndReplication(h)

	rpcCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := wire.CloneChunkRequest{ChunkHandle: h, SrcAddress: sourceAddr}
	var resp wire.CloneChunkResponse
	if err := m.rpc.PostJSON(rpcCtx, targetAddr, "/clone_chunk", req, &resp); err != nil {
		m.logger.Warn("repair clone failed", "chunk", h, "source", source, "target", target, "error", err)
		return
	}
	if !resp.Success {
		m.logger.Warn("repair clone rejected", "chunk", h, "target", target, "message", resp.Message)
		return
	}
	m.logger.Info("repaired chunk replica", "chunk", h, "source", source, "target", target)
}

// dispatchCloneFanout issues out-of-band clone requests so every replica
// of newHandle materializes its bytes from the corresponding (or first
// available) replica of oldHandle. Network calls never run under the
// metadata lock, so this runs after the caller has released it.
func (m *Master) dispatchCloneFanout(oldHandle gfs.ChunkHandle, oldReplicas []gfs.ChunkLocation, newHandle gfs.ChunkHandle, newReplicas []gfs.ChunkLocation) {
	byID := make(map[string]string, len(oldReplicas))
	for _, r := range oldReplicas {
		byID[r.ChunkServerID] = r.Address
	}
	fallback := ""
	if len(oldReplicas) > 0 {
		fallback = oldReplicas[0].Address
	}

	var g errgroup.Group
	for _, nr := range newReplicas {
		nr := nr
		srcAddr, ok := byID[nr.ChunkServerID]
		if !ok {
			srcAddr = fallback
		}
		if srcAddr == "" {
			continue
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			req := wire.CloneChunkRequest{ChunkHandle: newHandle, SrcAddress: srcAddr, SrcChunkHandle: oldHandle}
			var resp wire.CloneChunkResponse
			if err := m.rpc.PostJSON(ctx, nr.Address, "/clone_chunk", req, &resp); err != nil || !resp.Success {
				m.logger.Warn("copy-on-write clone failed", "old", oldHandle, "new", newHandle, "target", nr.ChunkServerID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// garbageCollectTick marks newly-unreferenced chunks and physically
// deletes those past the retention window.
func (m *Master) garbageCollectTick(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	newlyMarked, toDelete := m.st.garbageCollect(m.cfg.GCRetention, now)
	var deletions []struct {
		handle   gfs.ChunkHandle
		replicas []gfs.ChunkLocation
	}
	for _, h := range toDelete {
		if meta, ok := m.st.chunks[h]; ok {
			deletions = append(deletions, struct {
				handle   gfs.ChunkHandle
				replicas []gfs.ChunkLocation
			}{h, append([]gfs.ChunkLocation(nil), meta.Replicas...)})
		}
	}
	m.mu.Unlock()

	if len(newlyMarked) > 0 {
		m.logger.Info("chunks marked garbage", "count", len(newlyMarked))
		for _, h := range newlyMarked {
			_, _ = m.wal.Append(OpMarkGarbage, struct{ Handle gfs.ChunkHandle }{h})
		}
	}
	if len(deletions) == 0 {
		return
	}

	for _, d := range deletions {
		m.deleteChunkEverywhere(ctx, d.handle, d.replicas)
	}
	m.logger.Info("chunks deleted", "count", len(deletions))
}

func (m *Master) deleteChunkEverywhere(ctx context.Context, h gfs.ChunkHandle, replicas []gfs.ChunkLocation) {
	var g errgroup.Group
	for _, r := range replicas {
		r := r
		g.Go(func() error {
			rpcCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			req := wire.DeleteChunkRequest{ChunkHandle: h}
			var resp wire.DeleteChunkResponse
			if err := m.rpc.PostJSON(rpcCtx, r.Address, "/delete_chunk", req, &resp); err != nil || !resp.Success {
				m.logger.Warn("delete chunk replica failed", "chunk", h, "chunkserver_id", r.ChunkServerID)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.st.deleteChunk(h)
	m.mu.Unlock()
	_, _ = m.wal.Append(OpDeleteChunk, struct{ Handle gfs.ChunkHandle }{h})
}

// checkpointTick saves a full metadata snapshot and truncates the WAL to
// entries after the checkpointed sequence, crash-safely (snapshot durable
// before truncation).
func (m *Master) checkpointTick() {
	now := time.Now()

	m.mu.Lock()
	seq := m.wal.LastSequence()
	data, err := encodeSnapshot(toSnapshotDoc(m.st, seq, now))
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("checkpoint encode failed", "error", err)
		return
	}

	if err := saveSnapshot(m.snapshotPath, data, m.cfg.CompressSnapshot); err != nil {
		m.logger.Error("checkpoint snapshot failed", "error", err)
		return
	}
	if err := m.wal.Truncate(seq); err != nil {
		m.logger.Error("checkpoint truncate failed", "error", err)
		return
	}
	m.logger.Info("checkpoint complete", "sequence", seq)
}
