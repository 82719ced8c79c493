package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/breaker"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

// Instruments records orchestrator and breaker measurements. It satisfies
// payments.Metrics, and Transition fits breaker.WithTransitionHook.
type Instruments struct {
	attempts    metric.Int64Counter
	outcomes    metric.Int64Counter
	duration    metric.Float64Histogram
	replays     metric.Int64Counter
	transitions metric.Int64Counter
}

// NewInstruments creates the hub instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)

	in.attempts, err = meter.Int64Counter("hub.execute.attempts",
		metric.WithDescription("Execution attempts by protocol and failure kind"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	in.outcomes, err = meter.Int64Counter("hub.execute.outcomes",
		metric.WithDescription("Terminal execute responses by protocol and status"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, err
	}

	in.duration, err = meter.Float64Histogram("hub.execute.attempt.duration",
		metric.WithDescription("Duration of one execution attempt"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	in.replays, err = meter.Int64Counter("hub.idempotency.replays",
		metric.WithDescription("Execute responses served from the idempotency cache"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, err
	}

	in.transitions, err = meter.Int64Counter("hub.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &in, nil
}

// ExecuteAttempt records one attempt. An empty kind is a success.
func (in *Instruments) ExecuteAttempt(ctx context.Context, p protocol.Protocol, kind string, d time.Duration) {
	if kind == "" {
		kind = "success"
	}
	attrs := metric.WithAttributes(
		attribute.String("hub.protocol", string(p)),
		attribute.String("hub.attempt.kind", kind),
	)
	in.attempts.Add(ctx, 1, attrs)
	in.duration.Record(ctx, d.Seconds(), attrs)
}

func (in *Instruments) ExecuteOutcome(ctx context.Context, p protocol.Protocol, status int) {
	in.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hub.protocol", string(p)),
		attribute.Int("http.status_code", status),
	))
}

func (in *Instruments) IdempotencyReplay(ctx context.Context) {
	in.replays.Add(ctx, 1)
}

// Transition records a breaker state change.
func (in *Instruments) Transition(ctx context.Context, p protocol.Protocol, from, to breaker.State) {
	in.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hub.protocol", string(p)),
		attribute.String("hub.breaker.from", string(from)),
		attribute.String("hub.breaker.to", string(to)),
	))
}
