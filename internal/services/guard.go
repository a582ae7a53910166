package services

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RecomputeGuard throttles recomputes per user: one token every interval,
// burst 1. It is process local and only saves provider round trips;
// correctness never depends on it.
type RecomputeGuard struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*guardEntry
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRecomputeGuard(interval time.Duration) *RecomputeGuard {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RecomputeGuard{
		interval: interval,
		limiters: make(map[string]*guardEntry),
	}
}

// Interval returns the minimum spacing between recomputes.
func (g *RecomputeGuard) Interval() time.Duration { return g.interval }

// Allow reports whether at least one interval has passed since the last
// recompute recorded for userID, consuming the token when it has.
func (g *RecomputeGuard) Allow(userID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.limiters[userID]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(rate.Every(g.interval), 1)}
		g.limiters[userID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Mark records a recompute at now regardless of the current budget.
func (g *RecomputeGuard) Mark(userID string, now time.Time) {
	l := rate.NewLimiter(rate.Every(g.interval), 1)
	l.AllowN(now, 1)
	g.mu.Lock()
	g.limiters[userID] = &guardEntry{limiter: l, lastSeen: now}
	g.mu.Unlock()
}

// Sweep drops users idle for longer than one interval; their next Allow
// starts from a full bucket, which is what they would have anyway.
func (g *RecomputeGuard) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, e := range g.limiters {
		if now.Sub(e.lastSeen) > g.interval {
			delete(g.limiters, id)
			n++
		}
	}
	return n
}
