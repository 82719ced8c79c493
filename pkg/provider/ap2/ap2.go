// Package ap2 handles mandate-authorised agent payments. A mandate is a
// signed statement of what an agent may pay for; it is validated before any
// attempt is made.
package ap2

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
)

const DefaultStubLatency = 250 * time.Millisecond

const baseSchema = `{
	"type": "object",
	"required": ["mandateId", "scope"],
	"properties": {
		"mandateId": {"type": "string", "minLength": 1},
		"scope": {
			"oneOf": [
				{"type": "string", "minLength": 1},
				{"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
			]
		},
		"expiresAt": {"oneOf": [{"type": "string", "minLength": 1}, {"type": "number"}]}
	}
}`

const strictSchema = `{
	"allOf": [{"$ref": "mandate.schema.json"}],
	"required": ["issuer", "issuedAt"],
	"properties": {
		"issuer": {"type": "string", "minLength": 1},
		"issuedAt": {"oneOf": [{"type": "string", "minLength": 1}, {"type": "number"}]}
	}
}`

const (
	schemaBaseURL   = "https://hub.schemas.local/ap2/mandate.schema.json"
	schemaStrictURL = "https://hub.schemas.local/ap2/mandate-strict.schema.json"
)

var (
	errMissingMandate = errors.New("ap2_missing_mandate")
	errExpired        = errors.New("mandate expired")
)

type Config struct {
	// Strict additionally requires issuer and issuedAt.
	Strict bool
	// HMACSecret verifies HS256-signed mandate JWTs.
	HMACSecret []byte
	// PublicKeyPEM verifies RS256-signed mandate JWTs.
	PublicKeyPEM string
	// Issuer, when set, must match the JWT iss claim.
	Issuer      string
	StubLatency time.Duration
}

type Adapter struct {
	schema      *jsonschema.Schema
	strict      bool
	hmacSecret  []byte
	publicKey   *rsa.PublicKey
	issuer      string
	stubLatency time.Duration
	now         func() time.Time
}

func NewAdapter(cfg Config) (*Adapter, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaBaseURL, strings.NewReader(baseSchema)); err != nil {
		return nil, fmt.Errorf("ap2 schema load failed: %w", err)
	}
	if err := c.AddResource(schemaStrictURL, strings.NewReader(strictSchema)); err != nil {
		return nil, fmt.Errorf("ap2 schema load failed: %w", err)
	}
	url := schemaBaseURL
	if cfg.Strict {
		url = schemaStrictURL
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("ap2 schema compile failed: %w", err)
	}

	a := &Adapter{
		schema:      compiled,
		strict:      cfg.Strict,
		hmacSecret:  cfg.HMACSecret,
		issuer:      cfg.Issuer,
		stubLatency: cfg.StubLatency,
		now:         time.Now,
	}
	if cfg.PublicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("ap2 mandate public key: %w", err)
		}
		a.publicKey = key
	}
	if a.stubLatency <= 0 {
		a.stubLatency = DefaultStubLatency
	}
	return a, nil
}

func (a *Adapter) Protocol() protocol.Protocol { return protocol.AP2 }

func (a *Adapter) Estimate(context.Context, decimal.Decimal, string) (provider.Estimate, error) {
	return provider.Book(protocol.AP2), nil
}

// Precheck requires a mandate that passes ValidateMandate.
func (a *Adapter) Precheck(_ context.Context, p provider.Payload) error {
	if p.Mandate == nil {
		return &provider.PreconditionError{Message: "AP2 requires ap2Mandate"}
	}
	if err := a.ValidateMandate(p.Mandate); err != nil {
		return &provider.PreconditionError{Message: "AP2 mandate invalid", Err: err}
	}
	return nil
}

// ValidateMandate checks the mandate shape, its expiry when expiresAt is
// present, and a signed copy in the jwt field when a verification key is
// configured.
func (a *Adapter) ValidateMandate(m map[string]any) error {
	if err := a.schema.Validate(m); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if raw, ok := m["expiresAt"]; ok && raw != nil {
		exp, err := parseInstant(raw)
		if err != nil {
			return err
		}
		if a.now().After(exp) {
			return fmt.Errorf("%w at %s", errExpired, exp.UTC().Format(time.RFC3339))
		}
	}

	token, _ := m["jwt"].(string)
	if token == "" || (a.hmacSecret == nil && a.publicKey == nil) {
		return nil
	}
	return a.verifyJWT(token, m)
}

func (a *Adapter) verifyJWT(token string, m map[string]any) error {
	opts := []jwt.ParserOption{jwt.WithValidMethods(a.methods())}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return a.hmacSecret, nil
		case *jwt.SigningMethodRSA:
			return a.publicKey, nil
		}
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}, opts...)
	if err != nil {
		return fmt.Errorf("mandate jwt: %w", err)
	}

	if id, ok := claims["mandateId"]; ok && id != m["mandateId"] {
		return errors.New("mandate jwt: mandateId does not match")
	}
	if raw, ok := claims["scope"]; ok {
		allowed := scopes(m["scope"])
		for s := range scopes(raw) {
			if !allowed[s] {
				return fmt.Errorf("mandate jwt: scope %q not in mandate", s)
			}
		}
	}
	return nil
}

func (a *Adapter) methods() []string {
	var out []string
	if a.hmacSecret != nil {
		out = append(out, jwt.SigningMethodHS256.Alg())
	}
	if a.publicKey != nil {
		out = append(out, jwt.SigningMethodRS256.Alg())
	}
	return out
}

// Execute settles against the mandate. Settlement is simulated.
func (a *Adapter) Execute(ctx context.Context, p provider.Payload) (provider.Outcome, error) {
	if p.Mandate == nil {
		return provider.Outcome{}, errMissingMandate
	}
	select {
	case <-ctx.Done():
		return provider.Outcome{}, ctx.Err()
	case <-time.After(a.stubLatency):
	}
	hash := "ap2_tx_dummy_" + strconv.FormatInt(a.now().UnixMilli(), 36)
	return provider.Outcome{Success: true, TxHash: &hash}, nil
}

// parseInstant reads a timestamp given as RFC 3339 text or epoch milliseconds.
func parseInstant(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid expiresAt %q: %w", t, err)
		}
		return ts, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, fmt.Errorf("invalid expiresAt %v", t)
		}
		return time.UnixMilli(int64(t)), nil
	default:
		return time.Time{}, fmt.Errorf("invalid expiresAt %v", v)
	}
}

func scopes(v any) map[string]bool {
	out := map[string]bool{}
	switch s := v.(type) {
	case string:
		out[s] = true
	case []any:
		for _, e := range s {
			if str, ok := e.(string); ok {
				out[str] = true
			}
		}
	case []string:
		for _, e := range s {
			out[e] = true
		}
	}
	return out
}
