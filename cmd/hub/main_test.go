package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig is an in-memory hub whose facilitator is a local stub.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kinds":[{"scheme":"exact","network":"base-sepolia"}]}`))
	}))
	t.Cleanup(facilitator.Close)

	cfg := config.Defaults()
	cfg.Facilitator.URL = facilitator.URL
	return cfg
}

func startHub(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	h, err := buildHub(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(h.handler)
	t.Cleanup(func() {
		srv.Close()
		_ = h.close(context.Background())
	})
	return srv
}

func execute(t *testing.T, base, body, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, base+"/payments/execute", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

const atxpBody = `{"amount":"1.25","currency":"USDC","recipient":"agent-b","primaryProtocol":"atxp"}`

func TestRun_Status(t *testing.T) {
	srv := startHub(t, testConfig(t))

	var out, errb bytes.Buffer
	code := Run([]string{"status", "--addr", srv.URL}, &out, &errb)
	require.Equal(t, 0, code, errb.String())

	text := out.String()
	assert.Contains(t, text, "PROTOCOL")
	for _, p := range []string{"x402", "atxp", "ap2", "acp"} {
		assert.Contains(t, text, p)
	}
	assert.Contains(t, text, "closed")
}

func TestRun_StatusJSON(t *testing.T) {
	srv := startHub(t, testConfig(t))

	var out, errb bytes.Buffer
	require.Equal(t, 0, Run([]string{"status", "--addr", srv.URL, "--format", "json"}, &out, &errb), errb.String())

	var m map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &m))
	assert.Contains(t, m, "circuit")
}

func TestRun_Estimate(t *testing.T) {
	srv := startHub(t, testConfig(t))

	var out, errb bytes.Buffer
	require.Equal(t, 0, Run([]string{"estimate", "--addr", srv.URL, "--amount", "2.5"}, &out, &errb), errb.String())
	assert.Contains(t, out.String(), "Amount: 2.5")
	assert.Contains(t, out.String(), "atxp")

	out.Reset()
	errb.Reset()
	require.Equal(t, 1, Run([]string{"estimate", "--addr", srv.URL, "--amount", "lots"}, &out, &errb))
	assert.Contains(t, errb.String(), "invalid_request")
}

func TestRun_Errors(t *testing.T) {
	var out, errb bytes.Buffer
	assert.Equal(t, 1, Run([]string{"status", "--format", "yaml"}, &out, &errb))
	assert.Contains(t, errb.String(), "invalid format")

	errb.Reset()
	assert.Equal(t, 1, Run([]string{"status", "--addr", "http://127.0.0.1:1"}, &out, &errb))
	assert.Contains(t, errb.String(), "hub unreachable")

	errb.Reset()
	assert.Equal(t, 1, Run([]string{"bogus"}, &out, &errb))
}

func TestBuildHub_SQLiteJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.TxlogSQLitePath = filepath.Join(t.TempDir(), "journal.db")
	srv := startHub(t, cfg)

	resp := execute(t, srv.URL, atxpBody, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	recent, err := http.Get(srv.URL + "/payments/recent")
	require.NoError(t, err)
	defer func() { _ = recent.Body.Close() }()
	var out struct {
		Transactions []map[string]any `json:"transactions"`
	}
	require.NoError(t, json.NewDecoder(recent.Body).Decode(&out))
	require.Len(t, out.Transactions, 1)
	assert.Equal(t, "atxp", out.Transactions[0]["protocol"])
	assert.Equal(t, "1.25", out.Transactions[0]["amount"])
}

func TestBuildHub_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()
	srv := startHub(t, cfg)

	first := execute(t, srv.URL, atxpBody, "order-1")
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstBody, err := io.ReadAll(first.Body)
	require.NoError(t, err)

	// A second hub on the same Redis replays the stored outcome.
	other := startHub(t, cfg)
	second := execute(t, other.URL, atxpBody, "order-1")
	require.Equal(t, http.StatusOK, second.StatusCode)
	secondBody, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	assert.Equal(t, string(firstBody), string(secondBody))
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))

	entries, err := mr.List("txlog:list")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBuildHub_BadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWTPublicKey = "not a pem"
	_, err := buildHub(context.Background(), cfg, discardLogger())
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.RedisURL = "://nope"
	_, err = buildHub(context.Background(), cfg, discardLogger())
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.DatabaseURL = "postgres://hub@127.0.0.1:1/hub?sslmode=disable&connect_timeout=1"
	_, err = buildHub(context.Background(), cfg, discardLogger())
	require.ErrorContains(t, err, "postgres ping failed")
}

func TestServe_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, discardLogger(), ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(shutdownBudget + time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestNewLogger(t *testing.T) {
	cfg := config.Defaults()
	var buf bytes.Buffer

	newLogger(cfg, &buf).Info("hello", "component", "test")
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), buf.String())

	buf.Reset()
	cfg.LogFormat = "text"
	cfg.LogLevel = "WARN"
	l := newLogger(cfg, &buf)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "level=WARN msg=shown")
}
