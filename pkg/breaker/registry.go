// Package breaker implements a per-protocol circuit breaker whose state can be
// shared between hub instances.
//
// Every read-modify-write goes through a version compare-and-swap on the
// backing Store, so two instances recording failures at the same moment both
// get counted. When the shared store is unreachable the registry keeps
// working on process-local state rather than failing the request.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

// maxCASAttempts bounds the optimistic retry loop under contention.
const maxCASAttempts = 100

var errContention = errors.New("breaker: too much contention")

// TransitionFunc observes state changes.
type TransitionFunc func(ctx context.Context, p protocol.Protocol, from, to State)

// Registry holds one breaker per protocol.
type Registry struct {
	cfg          Config
	shared       Store
	local        *MemoryStore
	now          func() time.Time
	logger       *slog.Logger
	onTransition TransitionFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore shares state through s. Without it the registry is process-local.
func WithStore(s Store) Option {
	return func(r *Registry) { r.shared = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTransitionHook registers fn to be called after every state change.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(r *Registry) { r.onTransition = fn }
}

// NewRegistry creates a registry. Zero-valued config fields take defaults.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.HalfOpenMaxTrials <= 0 {
		cfg.HalfOpenMaxTrials = def.HalfOpenMaxTrials
	}

	r := &Registry{
		cfg:    cfg,
		local:  NewMemoryStore(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "breaker")
	return r
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// CheckAllowed gates one attempt against p. While open it reports the seconds
// left in the cool-down; once the cool-down has passed it moves to half-open
// and admits up to the probe cap.
func (r *Registry) CheckAllowed(ctx context.Context, p protocol.Protocol) Decision {
	var d Decision
	r.update(ctx, p, func(e Entry, now time.Time) Entry {
		e, d = r.cfg.check(e, now)
		return e
	})
	return d
}

// RecordSuccess closes the breaker for p.
func (r *Registry) RecordSuccess(ctx context.Context, p protocol.Protocol) {
	r.update(ctx, p, func(e Entry, _ time.Time) Entry {
		return r.cfg.success(e)
	})
}

// RecordFailure counts a failure against p.
func (r *Registry) RecordFailure(ctx context.Context, p protocol.Protocol) {
	r.update(ctx, p, func(e Entry, now time.Time) Entry {
		return r.cfg.failure(e, now)
	})
}

// ReleaseProbe returns an admitted half-open probe that was abandoned before
// any attempt was made, for example when request preconditions failed after
// the gate. It is a no-op in any other state.
func (r *Registry) ReleaseProbe(ctx context.Context, p protocol.Protocol) {
	r.update(ctx, p, func(e Entry, _ time.Time) Entry {
		return r.cfg.release(e)
	})
}

// Entry returns the current record for p without changing it.
func (r *Registry) Entry(ctx context.Context, p protocol.Protocol) Entry {
	if r.shared != nil {
		e, _, err := r.shared.Load(ctx, p)
		if err == nil {
			return e
		}
		r.logger.WarnContext(ctx, "shared breaker store unavailable, using local state", "protocol", p, "error", err)
	}
	e, _, _ := r.local.Load(ctx, p)
	return e
}

// States returns the record of every supported protocol.
func (r *Registry) States(ctx context.Context) map[protocol.Protocol]Entry {
	out := make(map[protocol.Protocol]Entry, len(protocol.Supported()))
	for _, p := range protocol.Supported() {
		out[p] = r.Entry(ctx, p)
	}
	return out
}

// update applies fn atomically, on the shared store when possible and on
// local state otherwise. fn may run several times; it must be pure apart from
// capturing its last result.
func (r *Registry) update(ctx context.Context, p protocol.Protocol, fn func(Entry, time.Time) Entry) {
	if r.shared != nil {
		from, to, err := r.apply(ctx, r.shared, p, fn)
		if err == nil {
			r.transitioned(ctx, p, from, to)
			return
		}
		r.logger.WarnContext(ctx, "shared breaker store unavailable, using local state", "protocol", p, "error", err)
	}
	from, to, err := r.apply(ctx, r.local, p, fn)
	if err != nil {
		r.logger.ErrorContext(ctx, "local breaker update failed", "protocol", p, "error", err)
		return
	}
	r.transitioned(ctx, p, from, to)
}

func (r *Registry) apply(ctx context.Context, s Store, p protocol.Protocol, fn func(Entry, time.Time) Entry) (State, State, error) {
	for i := 0; i < maxCASAttempts; i++ {
		cur, version, err := s.Load(ctx, p)
		if err != nil {
			return "", "", err
		}
		next := fn(cur, r.now())
		if next == cur {
			return cur.State, cur.State, nil
		}
		ok, err := s.CompareAndSwap(ctx, p, version, next)
		if err != nil {
			return "", "", err
		}
		if ok {
			return cur.State, next.State, nil
		}
	}
	return "", "", errContention
}

func (r *Registry) transitioned(ctx context.Context, p protocol.Protocol, from, to State) {
	if from == to {
		return
	}
	if to == StateOpen {
		r.logger.WarnContext(ctx, "circuit opened", "protocol", p, "from", from)
	} else {
		r.logger.InfoContext(ctx, "circuit state changed", "protocol", p, "from", from, "to", to)
	}
	if r.onTransition != nil {
		r.onTransition(ctx, p, from, to)
	}
}
