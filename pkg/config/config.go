// Package config loads hub configuration from 12-factor environment variables,
// optionally layered over a YAML file named by HUB_CONFIG_FILE.
//
// Precedence is defaults, then the file, then the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/breaker"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/idempotency"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/monitor"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/payments"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider/x402"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/ratelimit"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/txlog"
)

// Facilitator configures the x402 facilitator client.
type Facilitator struct {
	URL              string
	SupportedTimeout time.Duration
	VerifyTimeout    time.Duration
	SettleTimeout    time.Duration
}

// ATXP configures the ATXP provider. An empty URL selects the stub.
type ATXP struct {
	URL   string
	Token string
}

// AP2 configures mandate validation.
type AP2 struct {
	StrictMandate bool
	Secret        string
	PublicKey     string
	Issuer        string
}

// Config holds hub configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	RedisURL        string
	DatabaseURL     string
	TxlogSQLitePath string
	TxlogMax        int

	Facilitator Facilitator
	ATXP        ATXP
	AP2         AP2

	JWTSecret    string
	JWTPublicKey string

	Breaker            breaker.Config
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration
	RateLimit          ratelimit.Policy
	MetricsRefresh     time.Duration

	// Seed overrides the monitor's starting metrics per protocol.
	Seed map[protocol.Protocol]monitor.ProtocolMetrics

	OTelEnabled  bool
	OTelEndpoint string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:      "8787",
		LogLevel:  "INFO",
		LogFormat: "json",
		TxlogMax:  txlog.DefaultMax,
		Facilitator: Facilitator{
			URL:              x402.DefaultFacilitatorURL,
			SupportedTimeout: 5 * time.Second,
			VerifyTimeout:    8 * time.Second,
			SettleTimeout:    12 * time.Second,
		},
		Breaker:            breaker.DefaultConfig(),
		IdempotencyTTL:     idempotency.DefaultRecordTTL,
		IdempotencyLockTTL: idempotency.DefaultLockTTL,
		RateLimit:          ratelimit.DefaultPolicy(),
		MetricsRefresh:     monitor.DefaultRefreshInterval,
	}
}

// Load reads HUB_CONFIG_FILE (if set) from the OS filesystem, then the
// environment.
func Load() (*Config, error) {
	return LoadFrom(afero.NewOsFs())
}

// LoadFrom is Load with the config file read through fsys.
func LoadFrom(fsys afero.Fs) (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("HUB_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(fsys, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the hub cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("CB_ERROR_THRESHOLD must be positive"))
	}
	if c.Breaker.OpenDuration <= 0 {
		errs = append(errs, errors.New("CB_OPEN_MS must be positive"))
	}
	if c.Breaker.HalfOpenMaxTrials <= 0 {
		errs = append(errs, errors.New("CB_HALF_OPEN_MAX must be positive"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL_MS must be positive"))
	}
	if c.IdempotencyLockTTL <= payments.DefaultAttemptTimeout {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_LOCK_TTL_MS must exceed the %s attempt timeout", payments.DefaultAttemptTimeout))
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW_MS and RATE_LIMIT_MAX must be positive"))
	}
	if c.MetricsRefresh <= 0 {
		errs = append(errs, errors.New("METRICS_REFRESH_MS must be positive"))
	}
	if c.TxlogMax <= 0 {
		errs = append(errs, errors.New("TXLOG_MAX must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// fileConfig is the YAML overlay. Every field is optional.
type fileConfig struct {
	Breaker *struct {
		ErrorThreshold *int   `yaml:"error_threshold"`
		OpenMs         *int64 `yaml:"open_ms"`
		HalfOpenMax    *int   `yaml:"half_open_max"`
	} `yaml:"breaker"`
	RateLimit *struct {
		WindowMs *int64 `yaml:"window_ms"`
		Max      *int   `yaml:"max"`
	} `yaml:"rate_limit"`
	Metrics map[string]struct {
		AvgTimeMs   float64 `yaml:"avg_time_ms"`
		AvgFee      string  `yaml:"avg_fee"`
		SuccessRate float64 `yaml:"success_rate"`
	} `yaml:"metrics"`
}

func (c *Config) applyFile(fsys afero.Fs, path string) error {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if b := fc.Breaker; b != nil {
		if b.ErrorThreshold != nil {
			c.Breaker.FailureThreshold = *b.ErrorThreshold
		}
		if b.OpenMs != nil {
			c.Breaker.OpenDuration = time.Duration(*b.OpenMs) * time.Millisecond
		}
		if b.HalfOpenMax != nil {
			c.Breaker.HalfOpenMaxTrials = *b.HalfOpenMax
		}
	}
	if rl := fc.RateLimit; rl != nil {
		if rl.WindowMs != nil {
			c.RateLimit.Window = time.Duration(*rl.WindowMs) * time.Millisecond
		}
		if rl.Max != nil {
			c.RateLimit.Max = *rl.Max
		}
	}
	if len(fc.Metrics) > 0 {
		c.Seed = make(map[protocol.Protocol]monitor.ProtocolMetrics, len(fc.Metrics))
		for name, m := range fc.Metrics {
			p, err := protocol.ParseProtocol(name)
			if err != nil {
				return fmt.Errorf("config file %s: metrics: %w", path, err)
			}
			fee, err := decimal.NewFromString(m.AvgFee)
			if err != nil {
				return fmt.Errorf("config file %s: metrics.%s.avg_fee: %w", path, name, err)
			}
			c.Seed[p] = monitor.ProtocolMetrics{AvgTime: m.AvgTimeMs, AvgFee: fee, SuccessRate: m.SuccessRate}
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}

	e.str("PORT", &c.Port)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOG_FORMAT", &c.LogFormat)
	e.str("REDIS_URL", &c.RedisURL)
	e.str("DATABASE_URL", &c.DatabaseURL)
	e.str("TXLOG_SQLITE_PATH", &c.TxlogSQLitePath)
	e.integer("TXLOG_MAX", &c.TxlogMax)

	e.str("FACILITATOR_URL", &c.Facilitator.URL)
	e.millis("X402_TIMEOUT_SUPPORTED_MS", &c.Facilitator.SupportedTimeout)
	e.millis("X402_TIMEOUT_VERIFY_MS", &c.Facilitator.VerifyTimeout)
	e.millis("X402_TIMEOUT_SETTLE_MS", &c.Facilitator.SettleTimeout)

	e.str("ATXP_PROVIDER_URL", &c.ATXP.URL)
	e.str("ATXP_PROVIDER_TOKEN", &c.ATXP.Token)

	e.flag("AP2_STRICT_MANDATE", &c.AP2.StrictMandate)
	e.str("AP2_MANDATE_SECRET", &c.AP2.Secret)
	e.str("AP2_MANDATE_PUBLIC_KEY", &c.AP2.PublicKey)
	e.str("AP2_MANDATE_ISSUER", &c.AP2.Issuer)

	e.str("HUB_JWT_SECRET", &c.JWTSecret)
	e.str("HUB_JWT_PUBLIC_KEY", &c.JWTPublicKey)

	e.integer("CB_ERROR_THRESHOLD", &c.Breaker.FailureThreshold)
	e.millis("CB_OPEN_MS", &c.Breaker.OpenDuration)
	e.integer("CB_HALF_OPEN_MAX", &c.Breaker.HalfOpenMaxTrials)
	e.millis("IDEMPOTENCY_TTL_MS", &c.IdempotencyTTL)
	e.millis("IDEMPOTENCY_LOCK_TTL_MS", &c.IdempotencyLockTTL)
	e.millis("RATE_LIMIT_WINDOW_MS", &c.RateLimit.Window)
	e.integer("RATE_LIMIT_MAX", &c.RateLimit.Max)
	e.millis("METRICS_REFRESH_MS", &c.MetricsRefresh)

	e.flag("OTEL_ENABLED", &c.OTelEnabled)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)

	return errors.Join(e.errs...)
}

// envReader overlays set, non-empty variables and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) millis(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

func (e *envReader) flag(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}
