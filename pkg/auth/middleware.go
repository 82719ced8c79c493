// Package auth carries the hub's request-scoped HTTP middleware: request ids,
// bearer-token authentication and per-client rate limiting.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/apierror"
)

// JWTValidator validates bearer tokens signed either with a shared HS256
// secret or with an RS256 key pair.
type JWTValidator struct {
	secret    []byte
	publicKey *rsa.PublicKey
}

// NewJWTValidator returns a validator for the configured key material. The
// secret takes precedence when both are set. It returns nil, nil when neither
// is set, meaning authentication is disabled.
func NewJWTValidator(secret []byte, publicKeyPEM string) (*JWTValidator, error) {
	switch {
	case len(secret) > 0:
		return &JWTValidator{secret: secret}, nil
	case publicKeyPEM != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("invalid JWT public key: %w", err)
		}
		return &JWTValidator{publicKey: key}, nil
	}
	return nil, nil
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*jwt.RegisteredClaims, error) {
	method := jwt.SigningMethodHS256.Alg()
	if v.secret == nil {
		method = jwt.SigningMethodRS256.Alg()
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		if v.secret != nil {
			return v.secret, nil
		}
		return v.publicKey, nil
	}, jwt.WithValidMethods([]string{method}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type subjectKey struct{}

// GetSubject returns the authenticated token subject, if any.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey{}).(string); ok {
		return s
	}
	return ""
}

// NewMiddleware creates JWT auth middleware. A nil validator lets every
// request through.
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierror.WriteUnauthorized(w, requestID, "Missing bearer token")
				return
			}
			tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || tokenStr == "" {
				apierror.WriteUnauthorized(w, requestID, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				apierror.WriteUnauthorized(w, requestID, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
