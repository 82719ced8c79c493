package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/apierror"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/auth"
)

var testSecret = []byte("hub-test-secret")

func createTestToken(t *testing.T, method jwt.SigningMethod, key any, sub string, expiry time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(expiry),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func protected(t *testing.T, v *auth.JWTValidator, captured *string) http.Handler {
	t.Helper()
	return auth.RequestIDMiddleware(auth.NewMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured = auth.GetSubject(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})))
}

func TestMiddleware_ValidHS256(t *testing.T) {
	v, err := auth.NewJWTValidator(testSecret, "")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	var subject string
	handler := protected(t, v, &subject)

	req := httptest.NewRequest("POST", "/payments/execute", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, jwt.SigningMethodHS256, testSecret, "agent-a", time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if subject != "agent-a" {
		t.Errorf("expected subject agent-a, got %q", subject)
	}
}

func TestMiddleware_ValidRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	v, err := auth.NewJWTValidator(nil, pemKey)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	handler := protected(t, v, nil)

	req := httptest.NewRequest("POST", "/payments/execute", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, jwt.SigningMethodRS256, key, "agent-b", time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	// An HS256 token must not pass an RS256 validator.
	req = httptest.NewRequest("POST", "/payments/execute", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, jwt.SigningMethodHS256, testSecret, "agent-b", time.Now().Add(time.Hour)))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong algorithm, got %d", w.Code)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	v, _ := auth.NewJWTValidator(testSecret, "")
	handler := protected(t, v, nil)

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"missing header", "", "Missing bearer token"},
		{"basic scheme", "Basic dXNlcjpwYXNz", "Invalid Authorization header format (expected 'Bearer <token>')"},
		{"garbage token", "Bearer not-a-jwt", "Invalid or expired token"},
		{"expired", "Bearer " + createTestToken(t, jwt.SigningMethodHS256, testSecret, "a", time.Now().Add(-time.Hour)), "Invalid or expired token"},
		{"wrong secret", "Bearer " + createTestToken(t, jwt.SigningMethodHS256, []byte("other"), "a", time.Now().Add(time.Hour)), "Invalid or expired token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/payments/execute", nil)
			req.Header.Set("X-Request-ID", "req-auth")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			var body apierror.Body
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != "unauthorized" {
				t.Errorf("expected code unauthorized, got %q", body.Error.Code)
			}
			if body.Error.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, body.Error.Message)
			}
			if body.Error.RequestID != "req-auth" {
				t.Errorf("expected request id to be echoed, got %q", body.Error.RequestID)
			}
		})
	}
}

func TestMiddleware_DisabledWithoutKeys(t *testing.T) {
	v, err := auth.NewJWTValidator(nil, "")
	if err != nil || v != nil {
		t.Fatalf("expected nil validator, got %v, %v", v, err)
	}
	handler := protected(t, v, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/payments/execute", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when auth is disabled, got %d", w.Code)
	}
}

func TestNewJWTValidator_BadPEM(t *testing.T) {
	if _, err := auth.NewJWTValidator(nil, "not a pem"); err == nil {
		t.Error("expected error for malformed public key")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if seen == "" || w.Header().Get("X-Request-ID") != seen {
		t.Errorf("expected generated id in context and header, got %q / %q", seen, w.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "client-id")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "client-id" {
		t.Errorf("expected client id to be reused, got %q", seen)
	}
}
