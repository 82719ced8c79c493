// Package x402 settles payments through an x402 facilitator: the client's
// signed payment header is verified and then settled on chain by the
// facilitator.
package x402

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
)

var errMissingPayment = errors.New("x402_missing_payment_header")

// Adapter implements provider.Adapter and provider.Preconditioner.
type Adapter struct {
	client *Client
}

func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Protocol() protocol.Protocol { return protocol.X402 }

func (a *Adapter) Estimate(context.Context, decimal.Decimal, string) (provider.Estimate, error) {
	return provider.Book(protocol.X402), nil
}

// Precheck requires a payment header and requirements, and that the
// facilitator lists the requested scheme/network pair.
func (a *Adapter) Precheck(ctx context.Context, p provider.Payload) error {
	if p.XPaymentHeader == "" || p.PaymentRequirements == nil {
		return &provider.PreconditionError{Message: "x402 requires xPaymentHeader and paymentRequirements"}
	}
	supported, err := a.client.Supported(ctx)
	if err != nil {
		return &provider.DependencyError{Message: "failed to query facilitator /supported", Err: err}
	}
	if !supported.Supports(p.PaymentRequirements.Scheme, p.PaymentRequirements.Network) {
		return &provider.PreconditionError{Message: "x402 network or scheme unsupported by facilitator"}
	}
	return nil
}

// Execute verifies then settles. A rejected verification or settlement is an
// unsuccessful outcome carrying the facilitator's reason.
func (a *Adapter) Execute(ctx context.Context, p provider.Payload) (provider.Outcome, error) {
	if p.XPaymentHeader == "" || p.PaymentRequirements == nil {
		return provider.Outcome{}, errMissingPayment
	}
	req := VerifyRequest{
		X402Version:         Version,
		PaymentHeader:       p.XPaymentHeader,
		PaymentRequirements: *p.PaymentRequirements,
	}

	verified, err := a.client.Verify(ctx, req)
	if err != nil {
		return provider.Outcome{}, err
	}
	if !verified.IsValid {
		return provider.Outcome{Reason: orDefault(verified.InvalidReason, "x402_invalid")}, nil
	}

	settled, err := a.client.Settle(ctx, req)
	if err != nil {
		return provider.Outcome{}, err
	}
	if !settled.Success {
		return provider.Outcome{Reason: orDefault(settled.Error, "x402_settlement_failed")}, nil
	}
	return provider.Outcome{Success: true, TxHash: settled.TxHash}, nil
}

func orDefault(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}
