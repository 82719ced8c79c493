// Package api is the hub's HTTP surface. It decodes transport concerns
// (headers, query strings, body limits) and hands everything else to the
// payments orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/apierror"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/auth"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/payments"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/ratelimit"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/txlog"
)

// MaxBodyBytes bounds execute request bodies.
const MaxBodyBytes = 1 << 20

// Payments is the orchestrator as seen by the HTTP layer.
type Payments interface {
	Execute(ctx context.Context, cmd payments.Command) payments.Response
	Estimate(ctx context.Context, amount, recipient string) (payments.EstimateReport, error)
	Status(ctx context.Context) payments.StatusReport
	Recent(ctx context.Context, limit int) ([]txlog.Tx, error)
}

type Server struct {
	payments  Payments
	validator *auth.JWTValidator
	limiter   ratelimit.Store
	policy    ratelimit.Policy
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Server)

// WithAuth protects /payments/* with v. A nil v leaves them open.
func WithAuth(v *auth.JWTValidator) Option {
	return func(s *Server) { s.validator = v }
}

// WithRateLimit limits every route per client.
func WithRateLimit(store ratelimit.Store, p ratelimit.Policy) Option {
	return func(s *Server) {
		s.limiter = store
		s.policy = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func NewServer(p Payments, opts ...Option) *Server {
	s := &Server{
		payments: p,
		policy:   ratelimit.DefaultPolicy(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Handler returns the routed handler wrapped in the middleware chain:
// recovery, request id, rate limit, then JWT on the payments routes.
func (s *Server) Handler() http.Handler {
	protect := auth.NewMiddleware(s.validator)

	mux := http.NewServeMux()
	mux.Handle("/payments/execute", protect(http.HandlerFunc(s.handleExecute)))
	mux.Handle("/payments/estimate", protect(http.HandlerFunc(s.handleEstimate)))
	mux.Handle("/payments/recent", protect(http.HandlerFunc(s.handleRecent)))
	mux.HandleFunc("/protocols/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteNotFound(w, auth.GetRequestID(r.Context()))
	})

	var h http.Handler = mux
	h = auth.RateLimitMiddleware(s.limiter, s.policy)(h)
	h = auth.RequestIDMiddleware(h)
	return s.recoverer(h)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	requestID := auth.GetRequestID(r.Context())
	if r.Method != http.MethodPost {
		apierror.WriteMethodNotAllowed(w, requestID, http.MethodPost)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierror.WritePayloadTooLarge(w, requestID, tooLarge.Limit)
			return
		}
		apierror.WriteBadRequest(w, requestID, "Unable to read request body", nil)
		return
	}

	resp := s.payments.Execute(r.Context(), payments.Command{
		Body:           body,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		A2AID:          r.Header.Get("X-A2A-ID"),
		RequestID:      requestID,
	})
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if resp.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	requestID := auth.GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w, requestID, http.MethodGet)
		return
	}

	q := r.URL.Query()
	report, err := s.payments.Estimate(r.Context(), q.Get("amount"), q.Get("recipient"))
	if err != nil {
		apierror.WriteBadRequest(w, requestID, "Invalid estimate query", map[string]any{
			"fieldErrors": map[string][]string{"amount": {"amount must be a decimal number"}},
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	requestID := auth.GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w, requestID, http.MethodGet)
		return
	}

	limit := txlog.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			apierror.WriteBadRequest(w, requestID, "Invalid recent query", map[string]any{
				"fieldErrors": map[string][]string{"limit": {"limit must be an integer"}},
			})
			return
		}
		limit = n
	}

	txs, err := s.payments.Recent(r.Context(), limit)
	if err != nil {
		apierror.WriteInternal(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w, auth.GetRequestID(r.Context()), http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.payments.Status(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w, auth.GetRequestID(r.Context()), http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": s.now().UTC().Format(time.RFC3339Nano),
	})
}

// recoverer turns a panic into a 500. The request id is read back from the
// response header because it is assigned further down the chain.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := w.Header().Get("X-Request-ID")
				s.logger.ErrorContext(r.Context(), "handler panic", "panic", rec, "path", r.URL.Path, "request_id", requestID)
				apierror.Write(w, requestID, apierror.New(http.StatusInternalServerError, apierror.CodeInternal, "An unexpected error occurred"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
