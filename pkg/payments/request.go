package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
)

const (
	DefaultMaxRetries = 1
	MaxMaxRetries     = 3

	DefaultAttemptTimeout = 5 * time.Second
	MinAttemptTimeout     = 100 * time.Millisecond
	MaxAttemptTimeout     = 30 * time.Second
)

// wireRequest is the JSON body of POST /payments/execute.
type wireRequest struct {
	Amount              *string         `json:"amount"`
	Currency            *string         `json:"currency"`
	Recipient           *string         `json:"recipient"`
	Priority            *string         `json:"priority"`
	PrimaryProtocol     *string         `json:"primaryProtocol"`
	Metadata            map[string]any  `json:"metadata"`
	A2ACorrelationID    *string         `json:"a2aCorrelationId"`
	AP2Mandate          map[string]any  `json:"ap2Mandate"`
	XPaymentHeader      *string         `json:"xPaymentHeader"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements"`
	MaxRetries          *int            `json:"maxRetries"`
	Timeout             *int            `json:"timeout"`
}

// Request is a parsed and validated execute request.
type Request struct {
	Amount decimal.Decimal
	// AmountText is the amount exactly as the client sent it; results echo it.
	AmountText    string
	Currency      string
	Recipient     string
	Priority      protocol.Priority
	Override      protocol.Protocol
	Metadata      map[string]any
	Mandate       map[string]any
	XPayment      string
	Requirements  *provider.PaymentRequirements
	MaxRetries    int
	Timeout       time.Duration
	CorrelationID *string
}

// Payload converts r into what an adapter receives.
func (r *Request) Payload() provider.Payload {
	return provider.Payload{
		Amount:              r.Amount,
		Currency:            r.Currency,
		Recipient:           r.Recipient,
		Priority:            r.Priority,
		XPaymentHeader:      r.XPayment,
		PaymentRequirements: r.Requirements,
		Mandate:             r.Mandate,
		Metadata:            r.Metadata,
	}
}

// ValidationError lists what is wrong with a request body.
type ValidationError struct {
	FormErrors  []string            `json:"formErrors"`
	FieldErrors map[string][]string `json:"fieldErrors"`
}

func (e *ValidationError) Error() string {
	parts := append([]string(nil), e.FormErrors...)
	for field, msgs := range e.FieldErrors {
		parts = append(parts, field+": "+strings.Join(msgs, ", "))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Details renders e for the error envelope.
func (e *ValidationError) Details() map[string]any {
	form := e.FormErrors
	if form == nil {
		form = []string{}
	}
	fields := e.FieldErrors
	if fields == nil {
		fields = map[string][]string{}
	}
	return map[string]any{"formErrors": form, "fieldErrors": fields}
}

func (e *ValidationError) field(name, msg string) {
	if e.FieldErrors == nil {
		e.FieldErrors = make(map[string][]string)
	}
	e.FieldErrors[name] = append(e.FieldErrors[name], msg)
}

func (e *ValidationError) empty() bool {
	return len(e.FormErrors) == 0 && len(e.FieldErrors) == 0
}

var upper = cases.Upper(language.Und)

// ParseRequest decodes and validates an execute body. Unknown top-level
// fields are rejected. a2aHeader, when set, overrides a2aCorrelationId.
func ParseRequest(body []byte, a2aHeader string) (*Request, error) {
	var w wireRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, &ValidationError{FormErrors: []string{decodeMessage(err)}}
	}
	if dec.More() {
		return nil, &ValidationError{FormErrors: []string{"body must contain a single JSON object"}}
	}

	verr := &ValidationError{}
	r := &Request{
		Metadata:   w.Metadata,
		Mandate:    w.AP2Mandate,
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultAttemptTimeout,
	}

	if s, ok := required(verr, "amount", w.Amount); ok {
		amt, err := decimal.NewFromString(s)
		switch {
		case err != nil:
			verr.field("amount", "must be a decimal string")
		case !amt.IsPositive():
			verr.field("amount", "must be greater than zero")
		default:
			r.Amount, r.AmountText = amt, s
		}
	}
	if s, ok := required(verr, "currency", w.Currency); ok {
		r.Currency = upper.String(strings.TrimSpace(s))
	}
	if s, ok := required(verr, "recipient", w.Recipient); ok {
		r.Recipient = s
	}

	var err error
	if r.Priority, err = protocol.ParsePriority(deref(w.Priority)); err != nil {
		verr.field("priority", "must be one of speed, cost, privacy")
	}
	if r.Override, err = protocol.ParseOverride(deref(w.PrimaryProtocol)); err != nil {
		verr.field("primaryProtocol", "must be one of auto, x402, atxp, ap2, acp")
	}
	if w.XPaymentHeader != nil {
		r.XPayment = *w.XPaymentHeader
	}
	if len(w.PaymentRequirements) > 0 && !bytes.Equal(w.PaymentRequirements, []byte("null")) {
		var pr provider.PaymentRequirements
		if err := json.Unmarshal(w.PaymentRequirements, &pr); err != nil {
			verr.field("paymentRequirements", "must be a payment requirements object")
		} else {
			r.Requirements = &pr
		}
	}
	if w.MaxRetries != nil {
		switch n := *w.MaxRetries; {
		case n < 0 || n > MaxMaxRetries:
			verr.field("maxRetries", fmt.Sprintf("must be between 0 and %d", MaxMaxRetries))
		case n > 0:
			r.MaxRetries = n
		}
	}
	if w.Timeout != nil {
		d := time.Duration(*w.Timeout) * time.Millisecond
		if d < MinAttemptTimeout || d > MaxAttemptTimeout {
			verr.field("timeout", fmt.Sprintf("must be between %d and %d milliseconds", MinAttemptTimeout.Milliseconds(), MaxAttemptTimeout.Milliseconds()))
		} else {
			r.Timeout = d
		}
	}

	if !verr.empty() {
		return nil, verr
	}

	switch {
	case a2aHeader != "":
		r.CorrelationID = &a2aHeader
	case w.A2ACorrelationID != nil:
		id := *w.A2ACorrelationID
		r.CorrelationID = &id
	}
	return r, nil
}

func required(verr *ValidationError, name string, v *string) (string, bool) {
	if v == nil || *v == "" {
		verr.field(name, "required")
		return "", false
	}
	return *v, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func decodeMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, io.EOF):
		return "request body is empty"
	case errors.As(err, &typeErr):
		return fmt.Sprintf("%s has the wrong type", typeErr.Field)
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return strings.TrimPrefix(err.Error(), "json: ")
	}
	return "request body is not valid JSON"
}
