// Package atxp settles payments through an ATXP provider service. Without a
// configured provider URL the adapter runs as a local stub.
package atxp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
)

// DefaultStubLatency is how long the stub takes to "settle".
const DefaultStubLatency = 250 * time.Millisecond

type Config struct {
	// URL of the provider service. Empty selects the stub.
	URL         string
	Token       string
	HTTPClient  *http.Client
	StubLatency time.Duration
	Logger      *slog.Logger
}

type Adapter struct {
	url         string
	token       string
	httpClient  *http.Client
	stubLatency time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewAdapter(cfg Config) *Adapter {
	a := &Adapter{
		url:         strings.TrimRight(cfg.URL, "/"),
		token:       cfg.Token,
		httpClient:  cfg.HTTPClient,
		stubLatency: cfg.StubLatency,
		now:         time.Now,
		logger:      cfg.Logger,
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if a.stubLatency <= 0 {
		a.stubLatency = DefaultStubLatency
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "atxp")
	return a
}

func (a *Adapter) Protocol() protocol.Protocol { return protocol.ATXP }

type estimateResponse struct {
	EstimatedFee  *string `json:"estimatedFee"`
	EstimatedTime *int    `json:"estimatedTime"`
}

// Estimate asks the provider for a quote, falling back to book values when no
// provider is configured or it cannot answer.
func (a *Adapter) Estimate(ctx context.Context, amount decimal.Decimal, recipient string) (provider.Estimate, error) {
	book := provider.Book(protocol.ATXP)
	if a.url == "" {
		return book, nil
	}

	var resp estimateResponse
	err := a.post(ctx, "/estimate", map[string]string{"amount": amount.String(), "recipient": recipient}, &resp)
	if err != nil {
		a.logger.WarnContext(ctx, "provider estimate failed, using book values", "error", err)
		return book, nil
	}

	est := book
	if resp.EstimatedFee != nil {
		if fee, err := decimal.NewFromString(*resp.EstimatedFee); err == nil {
			est.Fee = fee
		}
	}
	if resp.EstimatedTime != nil {
		est.TimeMs = *resp.EstimatedTime
	}
	return est, nil
}

type executeRequest struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
	Priority  string `json:"priority"`
}

type executeResponse struct {
	Success *bool   `json:"success"`
	TxHash  *string `json:"txHash"`
}

// Execute forwards the payment to the provider, or simulates settlement when
// none is configured.
func (a *Adapter) Execute(ctx context.Context, p provider.Payload) (provider.Outcome, error) {
	if a.url == "" {
		return a.stub(ctx)
	}

	priority := p.Priority
	if priority == "" {
		priority = protocol.DefaultPriority
	}
	var resp executeResponse
	err := a.post(ctx, "/execute", executeRequest{
		Amount:    p.Amount.String(),
		Currency:  p.Currency,
		Recipient: p.Recipient,
		Priority:  string(priority),
	}, &resp)
	if err != nil {
		var status *statusError
		if errors.As(err, &status) {
			return provider.Outcome{Reason: "atxp_failed"}, nil
		}
		return provider.Outcome{}, err
	}

	if resp.Success != nil && !*resp.Success {
		return provider.Outcome{Reason: "atxp_failed"}, nil
	}
	var hash *string
	if resp.TxHash != nil && *resp.TxHash != "" {
		hash = resp.TxHash
	}
	return provider.Outcome{Success: true, TxHash: hash}, nil
}

func (a *Adapter) stub(ctx context.Context) (provider.Outcome, error) {
	select {
	case <-ctx.Done():
		return provider.Outcome{}, ctx.Err()
	case <-time.After(a.stubLatency):
	}
	hash := "atxp_tx_dummy_" + strconv.FormatInt(a.now().UnixMilli(), 36)
	return provider.Outcome{Success: true, TxHash: &hash}, nil
}

type statusError struct {
	path   string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("atxp provider %s returned %d", e.path, e.status)
}

func (a *Adapter) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("atxp provider %s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &statusError{path: path, status: resp.StatusCode}
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
