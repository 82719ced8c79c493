// Package payments is the execution orchestrator: it deduplicates requests by
// idempotency key, picks a protocol, gates it through the circuit breaker and
// runs a bounded, individually timed series of attempts against the
// protocol's adapter.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/apierror"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/breaker"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/idempotency"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/monitor"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/selector"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/txlog"
)

// lockSlack is added to the worst-case execution time when sizing the
// in-flight lock.
const lockSlack = 5 * time.Second

// Attempt kinds.
const (
	KindTimeout        = "timeout"
	KindAdapterFailure = "adapter_failure"
	KindError          = "error"
)

// MetricsSource supplies the snapshot the selector scores against.
type MetricsSource interface {
	Snapshot() monitor.Snapshot
}

// Metrics receives orchestrator measurements. kind is empty for a
// successful attempt.
type Metrics interface {
	ExecuteAttempt(ctx context.Context, p protocol.Protocol, kind string, d time.Duration)
	ExecuteOutcome(ctx context.Context, p protocol.Protocol, status int)
	IdempotencyReplay(ctx context.Context)
}

type nopMetrics struct{}

func (nopMetrics) ExecuteAttempt(context.Context, protocol.Protocol, string, time.Duration) {}
func (nopMetrics) ExecuteOutcome(context.Context, protocol.Protocol, int) {}
func (nopMetrics) IdempotencyReplay(context.Context) {}

// Attempt is one failed try in the attempts log.
type Attempt struct {
	Try   int    `json:"try"`
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// ExecutionResult is the 200 body of a settled payment.
type ExecutionResult struct {
	TransactionID string            `json:"transactionId"`
	Protocol      protocol.Protocol `json:"protocol"`
	Recipient     string            `json:"recipient"`
	Amount        string            `json:"amount"`
	ActualFee     string            `json:"actualFee"`
	EstimatedTime int               `json:"estimatedTime"`
	Status        txlog.Status      `json:"status"`
	Hash          *string           `json:"hash"`
	URL           *string           `json:"url"`
	CorrelationID *string           `json:"correlationId"`
	Attempts      []Attempt         `json:"attempts,omitempty"`
}

// Command is one execute call as received from the transport.
type Command struct {
	Body           []byte
	IdempotencyKey string
	A2AID          string
	RequestID      string
}

// Response is a fully rendered reply. Body is written verbatim.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Replayed bool
}

type Orchestrator struct {
	feed     MetricsSource
	breakers *breaker.Registry
	idem     *idempotency.Cache
	adapters *provider.Registry
	journal  txlog.Log
	metrics  Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithJournal(l txlog.Log) Option {
	return func(o *Orchestrator) { o.journal = l }
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(feed MetricsSource, breakers *breaker.Registry, idem *idempotency.Cache, adapters *provider.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		feed:     feed,
		breakers: breakers,
		idem:     idem,
		adapters: adapters,
		metrics:  nopMetrics{},
		tracer:   otel.Tracer("github.com/ayushsrivastava55/agent-hub-x402/pkg/payments"),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.journal == nil {
		o.journal = txlog.NewMemoryLog(txlog.DefaultMax)
	}
	o.logger = o.logger.With("component", "payments")
	return o
}

// Execute runs one execute request to a terminal response. Terminal outcomes
// (settled, exhausted, circuit open) are cached under the idempotency key and
// replayed byte for byte; validation and precondition failures are not.
func (o *Orchestrator) Execute(ctx context.Context, cmd Command) Response {
	ctx, span := o.tracer.Start(ctx, "payments.execute")
	defer span.End()

	key := cmd.IdempotencyKey
	var fingerprint string
	if key != "" {
		fp, err := idempotency.Fingerprint(cmd.Body)
		if err == nil {
			fingerprint = fp
		}
		if rec, ok := o.idem.Lookup(ctx, key); ok {
			return o.replay(ctx, span, cmd, fingerprint, rec)
		}
	}

	req, err := ParseRequest(cmd.Body, cmd.A2AID)
	if err != nil {
		var verr *ValidationError
		details := map[string]any(nil)
		if errors.As(err, &verr) {
			details = verr.Details()
		}
		return errorResponse(cmd.RequestID, apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, "Invalid execute payload").WithDetails(details))
	}

	if key != "" {
		if !o.idem.AcquireLockFor(ctx, key, o.lockTTL(req)) {
			resp := errorResponse(cmd.RequestID, apierror.New(http.StatusConflict, apierror.CodeInflight, "Request with same Idempotency-Key is in progress"))
			resp.Header.Set("Retry-After", "1")
			return resp
		}
		defer o.idem.ReleaseLock(context.WithoutCancel(ctx), key)

		// A holder that finished between the first lookup and our lock
		// acquisition has already stored its outcome.
		if rec, ok := o.idem.Lookup(ctx, key); ok {
			return o.replay(ctx, span, cmd, fingerprint, rec)
		}
	}

	decision := selector.Select(req.Priority, req.Override, o.feed.Snapshot())
	proto := decision.Protocol
	span.SetAttributes(attribute.String("hub.protocol", string(proto)))

	adapter, ok := o.adapters.Get(proto)
	if !ok {
		o.logger.ErrorContext(ctx, "no adapter registered", "request_id", cmd.RequestID, "protocol", proto)
		return errorResponse(cmd.RequestID, apierror.New(http.StatusInternalServerError, apierror.CodeInternal, "An unexpected error occurred"))
	}

	x := &execution{
		o:           o,
		cmd:         cmd,
		req:         req,
		proto:       proto,
		adapter:     adapter,
		fingerprint: fingerprint,
	}
	resp := x.run(ctx)
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	if resp.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
	}
	return resp
}

// replay answers with a stored outcome.
func (o *Orchestrator) replay(ctx context.Context, span trace.Span, cmd Command, fingerprint string, rec *idempotency.Record) Response {
	if rec.RequestHash != "" && fingerprint != "" && rec.RequestHash != fingerprint {
		o.logger.WarnContext(ctx, "idempotency key reused with a different body",
			"request_id", cmd.RequestID, "idempotency_key", cmd.IdempotencyKey)
	}
	o.metrics.IdempotencyReplay(ctx)
	span.SetAttributes(attribute.Bool("hub.replayed", true), attribute.Int("http.status_code", rec.Status))
	return Response{Status: rec.Status, Header: jsonHeader(), Body: rec.Body, Replayed: true}
}

// lockTTL covers every attempt the request may make, so a slow legitimate
// execution never outlives its own lock.
func (o *Orchestrator) lockTTL(req *Request) time.Duration {
	worst := time.Duration(req.MaxRetries)*req.Timeout + lockSlack
	if ttl := o.idem.LockTTL(); ttl > worst {
		return ttl
	}
	return worst
}

// execution is the state of one request past lock acquisition.
type execution struct {
	o           *Orchestrator
	cmd         Command
	req         *Request
	proto       protocol.Protocol
	adapter     provider.Adapter
	fingerprint string
	attempts    []Attempt
}

func (x *execution) run(ctx context.Context) Response {
	o := x.o
	gate := o.breakers.CheckAllowed(ctx, x.proto)
	if !gate.Allowed {
		return x.circuitOpen(ctx, gate)
	}

	payload := x.req.Payload()
	if pc, ok := x.adapter.(provider.Preconditioner); ok {
		if err := pc.Precheck(ctx, payload); err != nil {
			// The admitted probe never reached the protocol.
			o.breakers.ReleaseProbe(context.WithoutCancel(ctx), x.proto)
			return x.preconditionFailed(ctx, err)
		}
	}

	for try := 1; try <= x.req.MaxRetries; try++ {
		if try > 1 {
			if gate = o.breakers.CheckAllowed(ctx, x.proto); !gate.Allowed {
				o.logger.WarnContext(ctx, "circuit opened during retries", "request_id", x.cmd.RequestID, "protocol", x.proto, "attempt", try)
				return x.exhausted(ctx, gate.RetryAfter)
			}
		}

		o.logger.InfoContext(ctx, "execute_attempt_start",
			"request_id", x.cmd.RequestID, "protocol", x.proto, "attempt", try,
			"timeout_ms", x.req.Timeout.Milliseconds(), "a2a_id", deref(x.req.CorrelationID))

		start := o.now()
		out, err := x.attempt(ctx, payload)
		elapsed := o.now().Sub(start)

		if err == nil && out.Success {
			o.breakers.RecordSuccess(context.WithoutCancel(ctx), x.proto)
			o.metrics.ExecuteAttempt(ctx, x.proto, "", elapsed)
			o.logger.InfoContext(ctx, "execute_success",
				"request_id", x.cmd.RequestID, "protocol", x.proto, "attempt", try, "a2a_id", deref(x.req.CorrelationID))
			return x.settled(ctx, out)
		}

		if ctx.Err() != nil {
			// The caller went away; that says nothing about the protocol. A
			// half-open probe slot held by this request is handed back.
			o.breakers.ReleaseProbe(context.WithoutCancel(ctx), x.proto)
			x.attempts = append(x.attempts, Attempt{Try: try, Error: ctx.Err().Error(), Kind: KindError})
			o.logger.WarnContext(ctx, "execution abandoned by caller", "request_id", x.cmd.RequestID, "protocol", x.proto, "attempt", try)
			return x.abandoned(ctx)
		}

		a := classify(x.proto, try, out, err)
		x.attempts = append(x.attempts, a)
		o.breakers.RecordFailure(context.WithoutCancel(ctx), x.proto)
		o.metrics.ExecuteAttempt(ctx, x.proto, a.Kind, elapsed)
		o.logger.WarnContext(ctx, "execute_attempt_error",
			"request_id", x.cmd.RequestID, "protocol", x.proto, "attempt", try,
			"kind", a.Kind, "error", a.Error, "a2a_id", deref(x.req.CorrelationID))
	}
	return x.exhausted(ctx, 0)
}

type attemptResult struct {
	out provider.Outcome
	err error
}

// attempt calls the adapter under the per-attempt deadline. The call runs on
// its own goroutine so a deadline ends the wait even when the adapter ignores
// its context; the result channel is buffered so that goroutine never blocks.
func (x *execution) attempt(ctx context.Context, payload provider.Payload) (provider.Outcome, error) {
	actx, cancel := context.WithTimeout(ctx, x.req.Timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		out, err := x.adapter.Execute(actx, payload)
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-actx.Done():
		return provider.Outcome{}, actx.Err()
	}
}

func classify(p protocol.Protocol, try int, out provider.Outcome, err error) Attempt {
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return Attempt{Try: try, Error: string(p) + "_timeout", Kind: KindTimeout}
	case err != nil:
		return Attempt{Try: try, Error: err.Error(), Kind: KindError}
	}
	reason := out.Reason
	if reason == "" {
		reason = string(p) + "_failed"
	}
	return Attempt{Try: try, Error: reason, Kind: KindAdapterFailure}
}

func (x *execution) settled(ctx context.Context, out provider.Outcome) Response {
	o := x.o
	book := provider.Book(x.proto)
	result := ExecutionResult{
		TransactionID: "txn_" + ulid.Make().String(),
		Protocol:      x.proto,
		Recipient:     x.req.Recipient,
		Amount:        x.req.AmountText,
		ActualFee:     book.Fee.String(),
		EstimatedTime: book.TimeMs,
		Status:        txlog.StatusSettled,
		Hash:          out.TxHash,
		CorrelationID: x.req.CorrelationID,
		Attempts:      x.attempts,
	}
	body, err := json.Marshal(result)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to encode execution result", "request_id", x.cmd.RequestID, "error", err)
		return errorResponse(x.cmd.RequestID, apierror.New(http.StatusInternalServerError, apierror.CodeInternal, "An unexpected error occurred"))
	}
	resp := Response{Status: http.StatusOK, Header: jsonHeader(), Body: body}
	x.remember(ctx, resp)
	x.journal(ctx, result.TransactionID, txlog.StatusSettled, out.TxHash)
	o.metrics.ExecuteOutcome(ctx, x.proto, resp.Status)
	return resp
}

func (x *execution) circuitOpen(ctx context.Context, gate breaker.Decision) Response {
	o := x.o
	o.logger.WarnContext(ctx, "protocol gated by circuit breaker",
		"request_id", x.cmd.RequestID, "protocol", x.proto, "retry_after", gate.RetryAfter)

	var retryAfter any
	if gate.RetryAfter > 0 {
		retryAfter = gate.RetryAfter
	}
	resp := errorResponse(x.cmd.RequestID, apierror.New(http.StatusServiceUnavailable, apierror.CodeCircuitOpen,
		fmt.Sprintf("Protocol %s temporarily unavailable", x.proto)).
		WithDetails(map[string]any{"retryAfter": retryAfter}))
	if gate.RetryAfter > 0 {
		resp.Header.Set("Retry-After", strconv.Itoa(gate.RetryAfter))
	}
	x.remember(ctx, resp)
	o.metrics.ExecuteOutcome(ctx, x.proto, resp.Status)
	return resp
}

func (x *execution) preconditionFailed(ctx context.Context, err error) Response {
	o := x.o
	var (
		pre *provider.PreconditionError
		dep *provider.DependencyError
	)
	switch {
	case errors.As(err, &pre):
		o.logger.InfoContext(ctx, "precondition failed", "request_id", x.cmd.RequestID, "protocol", x.proto, "error", err)
		return errorResponse(x.cmd.RequestID, apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, pre.Message))
	case errors.As(err, &dep):
		o.logger.WarnContext(ctx, "precondition dependency unavailable", "request_id", x.cmd.RequestID, "protocol", x.proto, "error", err)
		return errorResponse(x.cmd.RequestID, apierror.New(http.StatusBadGateway, apierror.CodeFacilitatorUnavailable, dep.Message))
	}
	o.logger.ErrorContext(ctx, "precheck failed", "request_id", x.cmd.RequestID, "protocol", x.proto, "error", err)
	return errorResponse(x.cmd.RequestID, apierror.New(http.StatusInternalServerError, apierror.CodeInternal, "An unexpected error occurred"))
}

// exhausted renders the terminal failure. retryAfter is set when the breaker
// cut the retries short.
func (x *execution) exhausted(ctx context.Context, retryAfter int) Response {
	o := x.o
	details := map[string]any{"attempts": x.attemptsOrEmpty()}
	if retryAfter > 0 {
		details["retryAfter"] = retryAfter
	}
	resp := errorResponse(x.cmd.RequestID, apierror.New(http.StatusBadGateway, apierror.CodeExecutionFailed,
		fmt.Sprintf("Execution failed for protocol %s", x.proto)).WithDetails(details))
	x.remember(ctx, resp)
	x.journal(ctx, "txn_"+ulid.Make().String(), txlog.StatusFailed, nil)
	o.metrics.ExecuteOutcome(ctx, x.proto, resp.Status)
	return resp
}

// abandoned renders a failure that is not cached: the caller cancelled, so
// a retry under the same key deserves a real execution.
func (x *execution) abandoned(ctx context.Context) Response {
	resp := errorResponse(x.cmd.RequestID, apierror.New(http.StatusBadGateway, apierror.CodeExecutionFailed,
		fmt.Sprintf("Execution failed for protocol %s", x.proto)).
		WithDetails(map[string]any{"attempts": x.attemptsOrEmpty()}))
	x.o.metrics.ExecuteOutcome(ctx, x.proto, resp.Status)
	return resp
}

func (x *execution) attemptsOrEmpty() []Attempt {
	if x.attempts == nil {
		return []Attempt{}
	}
	return x.attempts
}

func (x *execution) remember(ctx context.Context, resp Response) {
	if x.cmd.IdempotencyKey == "" {
		return
	}
	x.o.idem.StoreRecord(context.WithoutCancel(ctx), idempotency.Record{
		Key:         x.cmd.IdempotencyKey,
		Status:      resp.Status,
		Body:        resp.Body,
		RequestHash: x.fingerprint,
	}, 0)
}

func (x *execution) journal(ctx context.Context, id string, status txlog.Status, hash *string) {
	tx := txlog.Tx{
		ID:        id,
		Protocol:  x.proto,
		Status:    status,
		Recipient: x.req.Recipient,
		Amount:    x.req.AmountText,
		Hash:      hash,
		RequestID: x.cmd.RequestID,
		At:        x.o.now().UTC(),
	}
	if err := x.o.journal.Append(context.WithoutCancel(ctx), tx); err != nil {
		x.o.logger.WarnContext(ctx, "failed to journal transaction", "request_id", x.cmd.RequestID, "error", err)
	}
}

func errorResponse(requestID string, e *apierror.APIError) Response {
	return Response{Status: e.Status, Header: jsonHeader(), Body: e.Marshal(requestID)}
}

func jsonHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}
