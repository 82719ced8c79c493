// Package selector chooses the protocol a payment is routed to.
//
// Select is a pure function of its inputs: it performs no I/O and does not
// mutate the snapshot, so the same priority, override and metrics always
// produce the same decision.
package selector

import (
	"math"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/monitor"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

// Weights are the relative importance of each metric for a priority.
type Weights struct {
	Time    float64
	Fee     float64
	Success float64
}

// WeightsFor returns the scoring weights for a priority.
func WeightsFor(p protocol.Priority) Weights {
	switch p {
	case protocol.Speed:
		return Weights{Time: 0.6, Fee: 0.2, Success: 0.2}
	case protocol.Cost:
		return Weights{Time: 0.2, Fee: 0.6, Success: 0.2}
	default:
		return Weights{Time: 0.2, Fee: 0.2, Success: 0.6}
	}
}

// Decision is the selector output.
type Decision struct {
	Protocol protocol.Protocol
	// Tried is the ordered chain the decision was drawn from. Only the head is
	// ever executed; the hub does not fail over across protocols.
	Tried []protocol.Protocol
	// Scores is nil when an explicit override bypassed scoring.
	Scores map[protocol.Protocol]float64
}

// Select picks a protocol. A concrete override always wins. Otherwise every
// supported protocol is scored against the snapshot and the strictly highest
// score wins, earliest protocol on ties. Privacy forces the privacy protocol.
func Select(priority protocol.Priority, override protocol.Protocol, snap monitor.Snapshot) Decision {
	if override != "" {
		return Decision{Protocol: override, Tried: []protocol.Protocol{override}}
	}

	supported := protocol.Supported()
	scores := Score(priority, supported, snap)

	best := supported[0]
	bestScore := math.Inf(-1)
	for _, p := range supported {
		if s := scores[p]; s > bestScore {
			best, bestScore = p, s
		}
	}

	if priority == protocol.Privacy {
		best = protocol.PrivacyProtocol
	}

	return Decision{Protocol: best, Tried: []protocol.Protocol{best}, Scores: scores}
}

// Score computes the weighted score of each protocol. Time and fee are
// normalised against the largest observed value, success rate against the
// largest observed rate (never less than 1). A protocol without metrics is
// scored as if it had the largest observed time and fee and zero success.
func Score(priority protocol.Priority, protocols []protocol.Protocol, snap monitor.Snapshot) map[protocol.Protocol]float64 {
	w := WeightsFor(priority)

	maxTime, maxFee, maxSucc := 0.0, 0.0, 1.0
	for _, p := range protocols {
		m, ok := snap.Protocols[p]
		if !ok {
			continue
		}
		maxTime = math.Max(maxTime, m.AvgTime)
		maxFee = math.Max(maxFee, m.AvgFee.InexactFloat64())
		maxSucc = math.Max(maxSucc, m.SuccessRate)
	}

	scores := make(map[protocol.Protocol]float64, len(protocols))
	for _, p := range protocols {
		t, f, s := maxTime, maxFee, 0.0
		if m, ok := snap.Protocols[p]; ok {
			t, f, s = m.AvgTime, m.AvgFee.InexactFloat64(), m.SuccessRate
		}
		nt, nf := 1.0, 1.0
		if maxTime > 0 {
			nt = t / maxTime
		}
		if maxFee > 0 {
			nf = f / maxFee
		}
		scores[p] = w.Success*(s/maxSucc) - w.Time*nt - w.Fee*nf
	}
	return scores
}
