// Package monitor maintains the per-protocol metrics snapshot that drives
// protocol selection. The snapshot is seeded with observed averages and
// refreshed periodically by probing the x402 facilitator.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

// Health is the coarse availability of a protocol or its facilitator.
type Health string

const (
	HealthOperational Health = "operational"
	HealthDegraded    Health = "degraded"
	HealthDown        Health = "down"
)

// DefaultRefreshInterval is how often Run probes dependencies.
const DefaultRefreshInterval = 30 * time.Second

// ProtocolMetrics are the rolling averages for one protocol.
type ProtocolMetrics struct {
	AvgTime           float64         `json:"avgTime" yaml:"avg_time"` // milliseconds
	AvgFee            decimal.Decimal `json:"avgFee" yaml:"avg_fee"`
	SuccessRate       float64         `json:"successRate" yaml:"success_rate"`
	FacilitatorHealth Health          `json:"facilitatorHealth,omitempty" yaml:"-"`
	Status            Health          `json:"status,omitempty" yaml:"-"`
	LastUpdate        time.Time       `json:"lastUpdate" yaml:"-"`
}

// Snapshot is a point-in-time copy of every protocol's metrics.
type Snapshot struct {
	Timestamp time.Time                             `json:"timestamp"`
	Protocols map[protocol.Protocol]ProtocolMetrics `json:"protocols"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Timestamp: s.Timestamp,
		Protocols: make(map[protocol.Protocol]ProtocolMetrics, len(s.Protocols)),
	}
	for k, v := range s.Protocols {
		out.Protocols[k] = v
	}
	return out
}

// DefaultSeed returns the observed averages the hub starts from.
func DefaultSeed() map[protocol.Protocol]ProtocolMetrics {
	return map[protocol.Protocol]ProtocolMetrics{
		protocol.X402: {AvgTime: 185, AvgFee: decimal.RequireFromString("0.00008"), SuccessRate: 0.992, FacilitatorHealth: HealthOperational},
		protocol.ATXP: {AvgTime: 320, AvgFee: decimal.RequireFromString("0.00001"), SuccessRate: 0.988, Status: HealthOperational},
		protocol.ACP:  {AvgTime: 2100, AvgFee: decimal.RequireFromString("0.001"), SuccessRate: 0.972, Status: HealthOperational},
		protocol.AP2:  {AvgTime: 600, AvgFee: decimal.RequireFromString("0.0002"), SuccessRate: 0.985, Status: HealthOperational},
	}
}

// Prober checks whether the x402 facilitator is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Feed owns the live snapshot.
type Feed struct {
	mu     sync.RWMutex
	state  Snapshot
	prober Prober
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Feed.
type Option func(*Feed)

// WithSeed overrides the seed metrics for the protocols present in seed.
func WithSeed(seed map[protocol.Protocol]ProtocolMetrics) Option {
	return func(f *Feed) {
		for p, m := range seed {
			cur := f.state.Protocols[p]
			cur.AvgTime = m.AvgTime
			cur.AvgFee = m.AvgFee
			cur.SuccessRate = m.SuccessRate
			f.state.Protocols[p] = cur
		}
	}
}

// WithProber sets the facilitator health probe.
func WithProber(p Prober) Option {
	return func(f *Feed) { f.prober = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) { f.logger = l }
}

// NewFeed creates a feed seeded with DefaultSeed, then applies opts.
func NewFeed(opts ...Option) *Feed {
	f := &Feed{
		state:  Snapshot{Protocols: DefaultSeed()},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "monitor")
	now := f.now().UTC()
	f.state.Timestamp = now
	for p, m := range f.state.Protocols {
		m.LastUpdate = now
		f.state.Protocols[p] = m
	}
	return f
}

// Snapshot returns a copy of the current metrics.
func (f *Feed) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Clone()
}

// Tick probes dependencies once and stamps the snapshot.
func (f *Feed) Tick(ctx context.Context) {
	var health Health
	if f.prober != nil {
		health = HealthOperational
		if err := f.prober.Probe(ctx); err != nil {
			health = classify(err)
			f.logger.WarnContext(ctx, "facilitator probe failed", "error", err, "health", health)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now().UTC()
	if health != "" {
		m := f.state.Protocols[protocol.X402]
		m.FacilitatorHealth = health
		m.LastUpdate = now
		f.state.Protocols[protocol.X402] = m
	}
	f.state.Timestamp = now
}

// Run ticks immediately and then every interval until ctx is done.
func (f *Feed) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	f.Tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

// DegradedError marks a probe that reached the facilitator but got a non-OK
// answer, as opposed to a transport failure.
type DegradedError struct {
	StatusCode int
}

func (e *DegradedError) Error() string {
	return "facilitator responded with status " + strconv.Itoa(e.StatusCode)
}

func classify(err error) Health {
	var degraded *DegradedError
	if errors.As(err, &degraded) {
		return HealthDegraded
	}
	return HealthDown
}
