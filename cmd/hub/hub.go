package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/api"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/auth"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/breaker"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/config"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/idempotency"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/monitor"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/observability"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/payments"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider/acp"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider/ap2"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider/atxp"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider/x402"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/ratelimit"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/txlog"
)

const (
	sweepInterval  = time.Minute
	rateLimitIdle  = 10 * time.Minute
	shutdownBudget = 10 * time.Second
)

// hub is the assembled process: the HTTP handler plus the loops and
// resources that live as long as it does.
type hub struct {
	handler    http.Handler
	payments   *payments.Orchestrator
	background []func(ctx context.Context)
	closers    []func(ctx context.Context) error
}

// run starts every background loop. They stop when ctx is done.
func (h *hub) run(ctx context.Context) {
	for _, fn := range h.background {
		go fn(ctx)
	}
}

// close releases resources in reverse order of acquisition.
func (h *hub) close(ctx context.Context) error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stores are the shared state backends selected by configuration.
type stores struct {
	idempotency idempotency.Backend
	breaker     breaker.Store
	journal     txlog.Log
	limiter     ratelimit.Store
}

// buildHub wires the hub from cfg. Shared state goes to Redis when REDIS_URL
// is set, else to Postgres when DATABASE_URL is set, else stays in process.
// Rate-limit counters are shared only through Redis.
// TXLOG_SQLITE_PATH moves the journal to a local SQLite file.
func buildHub(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*hub, error) {
	h := &hub{}
	fail := func(err error) (*hub, error) {
		_ = h.close(context.WithoutCancel(ctx))
		return nil, err
	}

	local := ratelimit.NewMemoryStore()
	h.background = append(h.background, func(ctx context.Context) {
		local.Run(ctx, sweepInterval, rateLimitIdle)
	})

	st, err := openStores(ctx, cfg, logger, h, local)
	if err != nil {
		return fail(err)
	}

	if cfg.TxlogSQLitePath != "" {
		lite, err := txlog.OpenSQLite(ctx, cfg.TxlogSQLitePath)
		if err != nil {
			return fail(err)
		}
		logger.InfoContext(ctx, "journal: sqlite", "path", cfg.TxlogSQLitePath)
		h.closers = append(h.closers, func(context.Context) error { return lite.Close() })
		st.journal = lite
	}
	if st.journal == nil {
		st.journal = txlog.NewMemoryLog(cfg.TxlogMax)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "agent-payment-hub",
		ServiceVersion: observability.DefaultConfig().ServiceVersion,
		Environment:    observability.DefaultConfig().Environment,
		OTLPEndpoint:   orDefault(cfg.OTelEndpoint, observability.DefaultConfig().OTLPEndpoint),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fail(err)
	}
	h.closers = append(h.closers, obs.Shutdown)
	instruments, err := observability.NewInstruments(obs.Meter())
	if err != nil {
		return fail(fmt.Errorf("failed to create instruments: %w", err))
	}

	facilitator := x402.NewClient(x402.Config{
		URL:              cfg.Facilitator.URL,
		SupportedTimeout: cfg.Facilitator.SupportedTimeout,
		VerifyTimeout:    cfg.Facilitator.VerifyTimeout,
		SettleTimeout:    cfg.Facilitator.SettleTimeout,
	})
	mandates, err := ap2.NewAdapter(ap2.Config{
		Strict:       cfg.AP2.StrictMandate,
		HMACSecret:   secretBytes(cfg.AP2.Secret),
		PublicKeyPEM: cfg.AP2.PublicKey,
		Issuer:       cfg.AP2.Issuer,
	})
	if err != nil {
		return fail(err)
	}
	adapters := provider.NewRegistry(
		x402.NewAdapter(facilitator),
		atxp.NewAdapter(atxp.Config{URL: cfg.ATXP.URL, Token: cfg.ATXP.Token, Logger: logger}),
		mandates,
		acp.NewAdapter(acp.DefaultStubLatency),
	)

	feedOpts := []monitor.Option{monitor.WithProber(facilitator), monitor.WithLogger(logger)}
	if len(cfg.Seed) > 0 {
		feedOpts = append(feedOpts, monitor.WithSeed(cfg.Seed))
	}
	feed := monitor.NewFeed(feedOpts...)
	h.background = append(h.background, func(ctx context.Context) {
		feed.Run(ctx, cfg.MetricsRefresh)
	})

	breakerOpts := []breaker.Option{breaker.WithLogger(logger), breaker.WithTransitionHook(instruments.Transition)}
	if st.breaker != nil {
		breakerOpts = append(breakerOpts, breaker.WithStore(st.breaker))
	}
	breakers := breaker.NewRegistry(cfg.Breaker, breakerOpts...)

	cache := idempotency.New(st.idempotency,
		idempotency.WithRecordTTL(cfg.IdempotencyTTL),
		idempotency.WithLockTTL(cfg.IdempotencyLockTTL),
		idempotency.WithLogger(logger),
	)
	h.background = append(h.background, func(ctx context.Context) {
		cache.Local().Run(ctx, sweepInterval)
	})

	h.payments = payments.New(feed, breakers, cache, adapters,
		payments.WithJournal(st.journal),
		payments.WithMetrics(instruments),
		payments.WithTracer(obs.Tracer()),
		payments.WithLogger(logger),
	)

	validator, err := auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTPublicKey)
	if err != nil {
		return fail(err)
	}
	limiter := st.limiter
	if limiter == nil {
		limiter = local
	}
	h.handler = api.NewServer(h.payments,
		api.WithAuth(validator),
		api.WithRateLimit(limiter, cfg.RateLimit),
		api.WithLogger(logger),
	).Handler()

	return h, nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger, h *hub, local *ratelimit.MemoryStore) (stores, error) {
	switch {
	case cfg.RedisURL != "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return stores{}, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		h.closers = append(h.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			// Backends fall back to process memory per call.
			logger.WarnContext(ctx, "redis unreachable at startup", "error", err)
		} else {
			logger.InfoContext(ctx, "redis: connected", "addr", opts.Addr)
		}
		return stores{
			idempotency: idempotency.NewRedisBackend(client),
			breaker:     breaker.NewRedisStore(client),
			journal:     txlog.NewRedisLog(client, cfg.TxlogMax),
			limiter:     ratelimit.NewFailover(ratelimit.NewRedisStore(client), local, logger),
		}, nil

	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return stores{}, fmt.Errorf("failed to open postgres: %w", err)
		}
		h.closers = append(h.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return stores{}, fmt.Errorf("postgres ping failed: %w", err)
		}
		logger.InfoContext(ctx, "postgres: connected")

		backend := idempotency.NewPostgresBackend(db)
		if err := backend.EnsureSchema(ctx); err != nil {
			return stores{}, err
		}
		journal := txlog.NewSQLLog(db)
		if err := journal.EnsureSchema(ctx); err != nil {
			return stores{}, err
		}
		breakers := breaker.NewPostgresStore(db)
		if err := breakers.EnsureSchema(ctx); err != nil {
			return stores{}, err
		}
		h.background = append(h.background, func(ctx context.Context) {
			cleanupLoop(ctx, backend, logger)
		})
		return stores{idempotency: backend, breaker: breakers, journal: journal}, nil
	}

	logger.InfoContext(ctx, "no shared store configured, state is process-local")
	return stores{}, nil
}

// cleanupLoop deletes expired idempotency rows every sweep interval.
func cleanupLoop(ctx context.Context, b *idempotency.PostgresBackend, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.Cleanup(ctx)
			if err != nil {
				logger.WarnContext(ctx, "idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.DebugContext(ctx, "idempotency cleanup", "deleted", n)
			}
		}
	}
}

// secretBytes keeps an unset secret nil so adapters treat it as absent.
func secretBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
