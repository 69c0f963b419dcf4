package master

import (
	"time"

	"minigfs/internal/gfs"
)

// leaseResult carries what getOrGrantLease decided, so the caller can
// decide which WAL records (if any) to append outside this pure function.
type leaseResult struct {
	PrimaryID string
	Granted   bool // true if a new lease/version bump happened this call
}

// getOrGrantLease reuses a still-valid lease whose primary
// is alive and currently reporting the handle, otherwise picks a new
// primary from the live replicas, bumps the chunk's version, and grants a
// fresh lease. Returns ok=false if no replica is eligible to be primary.
func (s *state) getOrGrantLease(h gfs.ChunkHandle, leaseDuration time.Duration, now time.Time) (leaseResult, bool) {
	meta, ok := s.chunks[h]
	if !ok {
		return leaseResult{}, false
	}

	if lease, exists := s.leases[h]; exists && lease.Expiration.After(now) {
		cs, alive := s.chunkservers[lease.PrimaryID]
		if alive && cs.IsAlive && s.reportsHandle(lease.PrimaryID, h) {
			return leaseResult{PrimaryID: lease.PrimaryID}, true
		}
	}

	live := s.liveReplicas(meta)
	if len(live) == 0 {
		return leaseResult{}, false
	}

	primaryID := live[0].ChunkServerID
	meta.Version++
	meta.PrimaryID = primaryID
	s.leases[h] = &gfs.LeaseInfo{
		ChunkHandle: h,
		PrimaryID:   primaryID,
		Expiration:  now.Add(leaseDuration),
	}

	return leaseResult{PrimaryID: primaryID, Granted: true}, true
}
