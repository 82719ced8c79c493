// Package acp is the card-network protocol adapter. Settlement is simulated.
package acp

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
)

const DefaultStubLatency = 400 * time.Millisecond

type Adapter struct {
	latency time.Duration
	now     func() time.Time
}

// NewAdapter returns a stub that settles after latency.
func NewAdapter(latency time.Duration) *Adapter {
	if latency <= 0 {
		latency = DefaultStubLatency
	}
	return &Adapter{latency: latency, now: time.Now}
}

func (a *Adapter) Protocol() protocol.Protocol { return protocol.ACP }

func (a *Adapter) Estimate(context.Context, decimal.Decimal, string) (provider.Estimate, error) {
	return provider.Book(protocol.ACP), nil
}

func (a *Adapter) Execute(ctx context.Context, _ provider.Payload) (provider.Outcome, error) {
	select {
	case <-ctx.Done():
		return provider.Outcome{}, ctx.Err()
	case <-time.After(a.latency):
	}
	hash := "acp_tx_dummy_" + strconv.FormatInt(a.now().UnixMilli(), 36)
	return provider.Outcome{Success: true, TxHash: &hash}, nil
}
