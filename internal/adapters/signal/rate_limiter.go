package signal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dkeye/quizroom/internal/domain"
)

// UserRateLimiter is a token bucket per user, shared by all of that
// user's sockets.
type UserRateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.UserID]*limiterEntry
	rps      rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewUserRateLimiter(rps float64, burst int) *UserRateLimiter {
	if burst <= 0 {
		burst = int(rps) * 2
	}
	if burst <= 0 {
		burst = 1
	}
	return &UserRateLimiter{
		limiters: make(map[domain.UserID]*limiterEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *UserRateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	e, ok := rl.limiters[uid]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[uid] = e
	}
	e.lastSeen = time.Now()
	rl.mu.Unlock()

	return e.limiter.Allow()
}

// Sweep forgets users idle for longer than idle.
func (rl *UserRateLimiter) Sweep(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	n := 0
	for uid, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, uid)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx ends.
func (rl *UserRateLimiter) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep(idle)
		}
	}
}
