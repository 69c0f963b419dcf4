package master

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// csLimiter tracks the rate limiter and last-seen time for a single
// chunkserver id.
type csLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter bounds how often a given chunkserver id may call
// register_chunkserver or heartbeat, so a misbehaving or flapping
// ChunkServer can neither flood the WAL with REGISTER_CHUNKSERVER
// records nor hog the metadata mutex with heartbeat reconciliation.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*csLimiter
	rate     rate.Limit
	burst    int
}

func newRateLimiter(r float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*csLimiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether id may proceed now, creating its limiter on first
// use.
func (rl *rateLimiter) Allow(id string) bool {
	rl.mu.Lock()
	entry, ok := rl.limiters[id]
	if !ok {
		entry = &csLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[id] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// cleanup removes limiters not used since staleAfter ago.
func (rl *rateLimiter) cleanup(staleAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	for id, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, id)
		}
	}
}
