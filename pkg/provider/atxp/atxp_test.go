package atxp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
)

func TestStub(t *testing.T) {
	a := NewAdapter(Config{StubLatency: time.Millisecond})
	ctx := context.Background()

	est, err := a.Estimate(ctx, decimal.RequireFromString("1"), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 350, est.TimeMs)
	assert.True(t, decimal.RequireFromString("0.00001").Equal(est.Fee))

	out, err := a.Execute(ctx, provider.Payload{Amount: decimal.RequireFromString("1")})
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.NotNil(t, out.TxHash)
	assert.True(t, strings.HasPrefix(*out.TxHash, "atxp_tx_dummy_"))
}

func TestStub_RespectsCancellation(t *testing.T) {
	a := NewAdapter(Config{StubLatency: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Execute(ctx, provider.Payload{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProvider(t *testing.T) {
	var (
		mu      sync.Mutex
		gotAuth string
		gotExec executeRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/estimate":
			_, _ = w.Write([]byte(`{"estimatedFee":"0.00002","estimatedTime":410}`))
		case "/execute":
			_ = json.NewDecoder(r.Body).Decode(&gotExec)
			_, _ = w.Write([]byte(`{"success":true,"txHash":"0xfeed"}`))
		}
	}))
	defer srv.Close()

	a := NewAdapter(Config{URL: srv.URL + "/", Token: "secret"})
	ctx := context.Background()

	est, err := a.Estimate(ctx, decimal.RequireFromString("2.5"), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 410, est.TimeMs)
	assert.True(t, decimal.RequireFromString("0.00002").Equal(est.Fee))
	mu.Lock()
	assert.Equal(t, "Bearer secret", gotAuth)
	mu.Unlock()

	out, err := a.Execute(ctx, provider.Payload{Amount: decimal.RequireFromString("2.5"), Currency: "USDC", Recipient: "0xabc"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "0xfeed", *out.TxHash)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, executeRequest{Amount: "2.5", Currency: "USDC", Recipient: "0xabc", Priority: "speed"}, gotExec)
}

func TestProvider_Failures(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusInternalServerError
	body := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	a := NewAdapter(Config{URL: srv.URL})
	ctx := context.Background()

	est, err := a.Estimate(ctx, decimal.RequireFromString("1"), "")
	require.NoError(t, err, "estimate falls back to book values")
	assert.Equal(t, 350, est.TimeMs)

	out, err := a.Execute(ctx, provider.Payload{})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "atxp_failed", out.Reason)

	mu.Lock()
	status, body = http.StatusOK, `{"success":false}`
	mu.Unlock()
	out, err = a.Execute(ctx, provider.Payload{})
	require.NoError(t, err)
	assert.False(t, out.Success)
}
