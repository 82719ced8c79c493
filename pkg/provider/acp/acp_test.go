package acp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
)

func TestExecuteSettles(t *testing.T) {
	a := NewAdapter(time.Millisecond)
	a.now = func() time.Time { return time.UnixMilli(36) }

	out, err := a.Execute(context.Background(), provider.Payload{})
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.NotNil(t, out.TxHash)
	assert.Equal(t, "acp_tx_dummy_10", *out.TxHash)
}

func TestExecuteHonoursCancellation(t *testing.T) {
	a := NewAdapter(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Execute(ctx, provider.Payload{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEstimateIsBook(t *testing.T) {
	a := NewAdapter(0)
	assert.Equal(t, DefaultStubLatency, a.latency)
	assert.Equal(t, protocol.ACP, a.Protocol())

	est, err := a.Estimate(context.Background(), decimal.NewFromInt(5), "agent-b")
	require.NoError(t, err)
	assert.True(t, est.Fee.Equal(decimal.RequireFromString("0.001")), est.Fee.String())
	assert.Equal(t, 2100, est.TimeMs)
}
