// Package provider defines the adapter boundary between the hub and each
// payment protocol.
package provider

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

// PaymentRequirements describes what an x402 resource server asked to be
// paid.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             *string        `json:"asset"`
	Extra             map[string]any `json:"extra"`
}

// Payload is everything an adapter may need to settle one payment.
type Payload struct {
	Amount              decimal.Decimal
	Currency            string
	Recipient           string
	Priority            protocol.Priority
	XPaymentHeader      string
	PaymentRequirements *PaymentRequirements
	Mandate             map[string]any
	Metadata            map[string]any
}

// Outcome is the adapter's verdict on one attempt. An unsuccessful outcome
// is a failure the provider reported, as opposed to an error reaching it.
type Outcome struct {
	Success bool
	TxHash  *string
	// Reason describes an unsuccessful outcome.
	Reason string
}

// Estimate is a quoted fee and settlement time.
type Estimate struct {
	Fee    decimal.Decimal
	TimeMs int
}

// Adapter executes payments over one protocol.
type Adapter interface {
	Protocol() protocol.Protocol
	Estimate(ctx context.Context, amount decimal.Decimal, recipient string) (Estimate, error)
	Execute(ctx context.Context, p Payload) (Outcome, error)
}

// Preconditioner is implemented by adapters that validate protocol-specific
// inputs before any attempt is made. Precheck returns a *PreconditionError
// for bad client input and a *DependencyError when a dependency needed to
// decide is unreachable.
type Preconditioner interface {
	Precheck(ctx context.Context, p Payload) error
}

// PreconditionError is a client error found before execution.
type PreconditionError struct {
	Message string
	Err     error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// DependencyError reports an upstream service the precheck could not reach.
type DependencyError struct {
	Message string
	Err     error
}

func (e *DependencyError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Book returns the published fee and time for p. These are what a settled
// result reports.
func Book(p protocol.Protocol) Estimate {
	switch p {
	case protocol.X402:
		return Estimate{Fee: decimal.RequireFromString("0.00008"), TimeMs: 200}
	case protocol.ATXP:
		return Estimate{Fee: decimal.RequireFromString("0.00001"), TimeMs: 350}
	case protocol.AP2:
		return Estimate{Fee: decimal.RequireFromString("0.0002"), TimeMs: 600}
	case protocol.ACP:
		return Estimate{Fee: decimal.RequireFromString("0.001"), TimeMs: 2100}
	default:
		return Estimate{}
	}
}

// Registry maps each protocol to its adapter.
type Registry struct {
	adapters map[protocol.Protocol]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[protocol.Protocol]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Protocol()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p protocol.Protocol) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}
