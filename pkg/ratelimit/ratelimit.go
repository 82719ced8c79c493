// Package ratelimit provides per-client request limiting for the HTTP
// surface: an in-process token bucket for single instances and a Redis fixed
// window shared by every instance.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy allows Max requests per Window for each client.
type Policy struct {
	Window time.Duration
	Max    int
}

// DefaultPolicy is 120 requests a minute.
func DefaultPolicy() Policy {
	return Policy{Window: time.Minute, Max: 120}
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed bool
	// RetryAfter is how long the client should wait when not allowed.
	RetryAfter time.Duration
}

// Store decides whether the client identified by key may make one more
// request.
type Store interface {
	Allow(ctx context.Context, key string, p Policy) (Result, error)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one token bucket per client. The bucket holds Max tokens
// and refills at Max per Window, so bursts up to Max are admitted.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), now: time.Now}
}

func (s *MemoryStore) Allow(_ context.Context, key string, p Policy) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(p.Window/time.Duration(max(p.Max, 1))), max(p.Max, 1))}
		s.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return Result{Allowed: true}, nil
	}
	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return Result{RetryAfter: delay}, nil
}

// Sweep drops buckets idle for longer than idle and returns how many went.
func (s *MemoryStore) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	n := 0
	for k, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(s.buckets, k)
			n++
		}
	}
	return n
}

// Run sweeps idle buckets every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(idle)
		}
	}
}

// Failover consults primary and falls back to a local store when primary
// cannot answer, so a limiter outage never blocks traffic outright.
type Failover struct {
	primary Store
	local   *MemoryStore
	logger  *slog.Logger
}

func NewFailover(primary Store, local *MemoryStore, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{primary: primary, local: local, logger: logger.With("component", "ratelimit")}
}

func (f *Failover) Allow(ctx context.Context, key string, p Policy) (Result, error) {
	res, err := f.primary.Allow(ctx, key, p)
	if err == nil {
		return res, nil
	}
	f.logger.WarnContext(ctx, "shared rate limiter unavailable, limiting locally", "error", err)
	return f.local.Allow(ctx, key, p)
}
