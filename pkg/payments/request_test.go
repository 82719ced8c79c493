package payments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

func TestParseRequest_Defaults(t *testing.T) {
	r, err := ParseRequest([]byte(`{"amount":"1.25","currency":"usdc","recipient":"agent-b"}`), "")
	require.NoError(t, err)

	assert.Equal(t, "1.25", r.AmountText)
	assert.Equal(t, "1.25", r.Amount.String())
	assert.Equal(t, "USDC", r.Currency)
	assert.Equal(t, protocol.Speed, r.Priority)
	assert.Equal(t, protocol.Protocol(""), r.Override)
	assert.Equal(t, DefaultMaxRetries, r.MaxRetries)
	assert.Equal(t, DefaultAttemptTimeout, r.Timeout)
	assert.Nil(t, r.CorrelationID)
	assert.Nil(t, r.Requirements)
}

func TestParseRequest_AllFields(t *testing.T) {
	body := `{
		"amount": "0.10",
		"currency": "USD",
		"recipient": "merchant",
		"priority": "cost",
		"primaryProtocol": "x402",
		"metadata": {"order": "42"},
		"a2aCorrelationId": "corr-1",
		"ap2Mandate": {"mandateId": "m1", "scope": "payments"},
		"xPaymentHeader": "eyJ4In0=",
		"paymentRequirements": {
			"scheme": "exact", "network": "base-sepolia", "maxAmountRequired": "100",
			"resource": "https://api.example/r", "description": "", "mimeType": "application/json",
			"payTo": "0xabc", "maxTimeoutSeconds": 60, "asset": null, "extra": null, "future": 1
		},
		"maxRetries": 3,
		"timeout": 30000
	}`
	r, err := ParseRequest([]byte(body), "")
	require.NoError(t, err)

	assert.Equal(t, protocol.Cost, r.Priority)
	assert.Equal(t, protocol.X402, r.Override)
	assert.Equal(t, "42", r.Metadata["order"])
	assert.Equal(t, "m1", r.Mandate["mandateId"])
	assert.Equal(t, "eyJ4In0=", r.XPayment)
	require.NotNil(t, r.Requirements)
	assert.Equal(t, "base-sepolia", r.Requirements.Network)
	assert.Equal(t, 60, r.Requirements.MaxTimeoutSeconds)
	assert.Equal(t, 3, r.MaxRetries)
	assert.Equal(t, 30*time.Second, r.Timeout)
	require.NotNil(t, r.CorrelationID)
	assert.Equal(t, "corr-1", *r.CorrelationID)

	p := r.Payload()
	assert.Equal(t, r.Requirements, p.PaymentRequirements)
	assert.Equal(t, "USD", p.Currency)
}

func TestParseRequest_HeaderCorrelationWins(t *testing.T) {
	r, err := ParseRequest([]byte(`{"amount":"1","currency":"usd","recipient":"x","a2aCorrelationId":"body"}`), "header")
	require.NoError(t, err)
	assert.Equal(t, "header", *r.CorrelationID)
}

func TestParseRequest_AutoOverride(t *testing.T) {
	r, err := ParseRequest([]byte(`{"amount":"1","currency":"usd","recipient":"x","primaryProtocol":"auto"}`), "")
	require.NoError(t, err)
	assert.Equal(t, protocol.Protocol(""), r.Override)
}

func TestParseRequest_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
		form  bool
	}{
		{"empty body", ``, "", true},
		{"not json", `{`, "", true},
		{"trailing data", `{"amount":"1","currency":"usd","recipient":"x"} {}`, "", true},
		{"unknown field", `{"amount":"1","currency":"usd","recipient":"x","tip":1}`, "", true},
		{"wrong type", `{"amount":1,"currency":"usd","recipient":"x"}`, "", true},
		{"fractional retries", `{"amount":"1","currency":"usd","recipient":"x","maxRetries":1.5}`, "", true},
		{"missing amount", `{"currency":"usd","recipient":"x"}`, "amount", false},
		{"empty recipient", `{"amount":"1","currency":"usd","recipient":""}`, "recipient", false},
		{"missing currency", `{"amount":"1","recipient":"x"}`, "currency", false},
		{"non-decimal amount", `{"amount":"ten","currency":"usd","recipient":"x"}`, "amount", false},
		{"zero amount", `{"amount":"0","currency":"usd","recipient":"x"}`, "amount", false},
		{"negative amount", `{"amount":"-1","currency":"usd","recipient":"x"}`, "amount", false},
		{"bad priority", `{"amount":"1","currency":"usd","recipient":"x","priority":"cheap"}`, "priority", false},
		{"bad protocol", `{"amount":"1","currency":"usd","recipient":"x","primaryProtocol":"swift"}`, "primaryProtocol", false},
		{"too many retries", `{"amount":"1","currency":"usd","recipient":"x","maxRetries":4}`, "maxRetries", false},
		{"negative retries", `{"amount":"1","currency":"usd","recipient":"x","maxRetries":-1}`, "maxRetries", false},
		{"timeout too short", `{"amount":"1","currency":"usd","recipient":"x","timeout":99}`, "timeout", false},
		{"timeout too long", `{"amount":"1","currency":"usd","recipient":"x","timeout":30001}`, "timeout", false},
		{"requirements not object", `{"amount":"1","currency":"usd","recipient":"x","paymentRequirements":"exact"}`, "paymentRequirements", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.body), "")
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			if tt.form {
				assert.NotEmpty(t, verr.FormErrors)
				return
			}
			assert.Contains(t, verr.FieldErrors, tt.field)
		})
	}
}

func TestValidationError_Details(t *testing.T) {
	_, err := ParseRequest([]byte(`{"currency":"usd"}`), "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	d := verr.Details()
	assert.Equal(t, []string{}, d["formErrors"])
	fields := d["fieldErrors"].(map[string][]string)
	assert.Equal(t, []string{"required"}, fields["amount"])
	assert.Equal(t, []string{"required"}, fields["recipient"])
	assert.Contains(t, verr.Error(), "amount: required")
}
