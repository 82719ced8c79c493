package auth

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/apierror"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/ratelimit"
)

// RateLimitMiddleware enforces per-client rate limiting at the HTTP layer.
// Clients are keyed by the first X-Forwarded-For hop, else the remote IP.
// On rate limit exceeded, it returns 429 with a Retry-After header.
func RateLimitMiddleware(store ratelimit.Store, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			res, err := store.Allow(r.Context(), ClientKey(r), policy)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic
				slog.WarnContext(r.Context(), "rate limiter failed", "error", err, "request_id", GetRequestID(r.Context()))
				next.ServeHTTP(w, r)
				return
			}

			if !res.Allowed {
				retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				apierror.WriteTooManyRequests(w, GetRequestID(r.Context()), retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller for rate limiting.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
