// Package idempotency stores execution outcomes under client-supplied keys
// and provides the short-lived lock that makes at most one execution per key
// run at a time.
//
// Records live under "idem:<key>", locks under "idemlk:<key>". An empty key
// disables every operation.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

const (
	DefaultRecordTTL = 10 * time.Minute
	DefaultLockTTL   = 30 * time.Second

	recordPrefix = "idem:"
	lockPrefix   = "idemlk:"
)

// Record is a stored outcome. Body is replayed byte for byte.
type Record struct {
	Key         string    `json:"key"`
	Status      int       `json:"status"`
	Body        []byte    `json:"body"`
	RequestHash string    `json:"requestHash,omitempty"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Cache is the idempotency facade used by the orchestrator.
type Cache struct {
	shared    Backend
	local     *MemoryBackend
	recordTTL time.Duration
	lockTTL   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

func WithRecordTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.recordTTL = d
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache over shared. A nil shared backend keeps everything in
// process memory, which is only correct for a single instance.
func New(shared Backend, opts ...Option) *Cache {
	c := &Cache{
		shared:    shared,
		local:     NewMemoryBackend(),
		recordTTL: DefaultRecordTTL,
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.local.now = c.now
	c.logger = c.logger.With("component", "idempotency")
	return c
}

// LockTTL returns the default lock lifetime.
func (c *Cache) LockTTL() time.Duration {
	return c.lockTTL
}

// Local exposes the in-process fallback backend so the caller can sweep it.
func (c *Cache) Local() *MemoryBackend {
	return c.local
}

// Lookup returns the stored record for key.
func (c *Cache) Lookup(ctx context.Context, key string) (*Record, bool) {
	if key == "" {
		return nil, false
	}
	raw, ok := c.get(ctx, recordPrefix+key)
	if !ok {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.WarnContext(ctx, "discarding unreadable idempotency record", "key", key, "error", err)
		return nil, false
	}
	return &rec, true
}

// AcquireLock takes the execution lock for key with the default TTL.
func (c *Cache) AcquireLock(ctx context.Context, key string) bool {
	return c.AcquireLockFor(ctx, key, c.lockTTL)
}

// AcquireLockFor takes the execution lock for key, expiring after ttl so a
// crashed holder cannot block the key forever.
func (c *Cache) AcquireLockFor(ctx context.Context, key string, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	if ttl <= 0 {
		ttl = c.lockTTL
	}
	token := []byte(uuid.NewString())
	lk := lockPrefix + key
	if c.shared != nil {
		ok, err := c.shared.SetNX(ctx, lk, token, ttl)
		if err == nil {
			return ok
		}
		c.logger.WarnContext(ctx, "shared idempotency backend unavailable, locking locally", "key", key, "error", err)
	}
	ok, _ := c.local.SetNX(ctx, lk, token, ttl)
	return ok
}

// ReleaseLock drops the lock for key. Releasing an unheld lock is a no-op.
func (c *Cache) ReleaseLock(ctx context.Context, key string) {
	if key == "" {
		return
	}
	lk := lockPrefix + key
	if c.shared != nil {
		if err := c.shared.Delete(ctx, lk); err != nil {
			c.logger.WarnContext(ctx, "shared idempotency backend unavailable, releasing locally", "key", key, "error", err)
		}
	}
	_ = c.local.Delete(ctx, lk)
}

// Store records an outcome under key. A non-positive ttl uses the default.
func (c *Cache) Store(ctx context.Context, key string, status int, body []byte, ttl time.Duration) {
	c.StoreRecord(ctx, Record{Key: key, Status: status, Body: body}, ttl)
}

// StoreRecord records rec under rec.Key, stamping its times.
func (c *Cache) StoreRecord(ctx context.Context, rec Record, ttl time.Duration) {
	if rec.Key == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.recordTTL
	}
	rec.StoredAt = c.now().UTC()
	rec.ExpiresAt = rec.StoredAt.Add(ttl)

	raw, err := json.Marshal(rec)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to encode idempotency record", "key", rec.Key, "error", err)
		return
	}
	k := recordPrefix + rec.Key
	if c.shared != nil {
		err := c.shared.Set(ctx, k, raw, ttl)
		if err == nil {
			return
		}
		c.logger.WarnContext(ctx, "shared idempotency backend unavailable, storing locally", "key", rec.Key, "error", err)
	}
	_ = c.local.Set(ctx, k, raw, ttl)
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	if c.shared != nil {
		raw, ok, err := c.shared.Get(ctx, key)
		if err == nil {
			return raw, ok
		}
		c.logger.WarnContext(ctx, "shared idempotency backend unavailable, reading locally", "key", key, "error", err)
	}
	raw, ok, _ := c.local.Get(ctx, key)
	return raw, ok
}

// Fingerprint hashes the canonical (RFC 8785) form of a JSON request body, so
// semantically equal bodies with different key order or spacing match.
func Fingerprint(body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
