package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/breaker"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/monitor"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/txlog"
)

// DefaultEstimateAmount is quoted when the caller names no amount.
const DefaultEstimateAmount = "0.01"

// defaultSuccessRate applies when the feed has no rate for a protocol.
var defaultSuccessRate = map[protocol.Protocol]float64{
	protocol.X402: 0.99,
	protocol.ATXP: 0.98,
	protocol.AP2:  0.985,
	protocol.ACP:  0.97,
}

type ProtocolEstimate struct {
	Protocol      protocol.Protocol `json:"protocol"`
	EstimatedFee  string            `json:"estimatedFee"`
	EstimatedTime float64           `json:"estimatedTime"`
	SuccessRate   float64           `json:"success_rate"`
}

type EstimateReport struct {
	Amount    string             `json:"amount"`
	Estimates []ProtocolEstimate `json:"estimates"`
}

// Estimate quotes every protocol for amount. x402 is quoted from the live
// metrics feed; the others ask their adapter and fall back to book values.
func (o *Orchestrator) Estimate(ctx context.Context, amount, recipient string) (EstimateReport, error) {
	if amount == "" {
		amount = DefaultEstimateAmount
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return EstimateReport{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	snap := o.feed.Snapshot()
	report := EstimateReport{Amount: amount}
	for _, p := range protocol.Supported() {
		m, observed := snap.Protocols[p]
		rate := defaultSuccessRate[p]
		if observed && m.SuccessRate > 0 {
			rate = m.SuccessRate
		}

		if p == protocol.X402 && observed {
			report.Estimates = append(report.Estimates, ProtocolEstimate{
				Protocol:      p,
				EstimatedFee:  m.AvgFee.String(),
				EstimatedTime: m.AvgTime,
				SuccessRate:   rate,
			})
			continue
		}
		est := o.adapterEstimate(ctx, p, amt, recipient)
		report.Estimates = append(report.Estimates, ProtocolEstimate{
			Protocol:      p,
			EstimatedFee:  est.Fee.String(),
			EstimatedTime: float64(est.TimeMs),
			SuccessRate:   rate,
		})
	}
	return report, nil
}

func (o *Orchestrator) adapterEstimate(ctx context.Context, p protocol.Protocol, amt decimal.Decimal, recipient string) provider.Estimate {
	a, ok := o.adapters.Get(p)
	if !ok {
		return provider.Book(p)
	}
	est, err := a.Estimate(ctx, amt, recipient)
	if err != nil {
		o.logger.WarnContext(ctx, "adapter estimate failed, quoting book values", "protocol", p, "error", err)
		return provider.Book(p)
	}
	return est
}

type StatusReport struct {
	Timestamp time.Time                                     `json:"timestamp"`
	Protocols map[protocol.Protocol]monitor.ProtocolMetrics `json:"protocols"`
	Circuit   map[protocol.Protocol]breaker.State           `json:"circuit"`
	Breakers  map[protocol.Protocol]breaker.Entry           `json:"breakers"`
}

// Status reports the metrics snapshot with each protocol's breaker state.
func (o *Orchestrator) Status(ctx context.Context) StatusReport {
	snap := o.feed.Snapshot()
	entries := o.breakers.States(ctx)
	circuit := make(map[protocol.Protocol]breaker.State, len(entries))
	for p, e := range entries {
		circuit[p] = e.State
	}
	return StatusReport{
		Timestamp: snap.Timestamp,
		Protocols: snap.Protocols,
		Circuit:   circuit,
		Breakers:  entries,
	}
}

// Recent lists the newest journaled transactions.
func (o *Orchestrator) Recent(ctx context.Context, limit int) ([]txlog.Tx, error) {
	txs, err := o.journal.Recent(ctx, txlog.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if txs == nil {
		txs = []txlog.Tx{}
	}
	return txs, nil
}
