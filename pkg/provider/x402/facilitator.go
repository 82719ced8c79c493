package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/monitor"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/provider"
)

// DefaultFacilitatorURL is the public facilitator.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// Version is the x402 protocol version sent to the facilitator.
const Version = 1

// Config configures the facilitator client. Zero timeouts take defaults.
type Config struct {
	URL              string
	HTTPClient       *http.Client
	SupportedTimeout time.Duration
	VerifyTimeout    time.Duration
	SettleTimeout    time.Duration
}

// Kind is one scheme/network pair a facilitator can settle.
type Kind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

type SupportedResponse struct {
	Kinds []Kind `json:"kinds"`
}

// Supports reports whether the scheme/network pair is listed.
func (s SupportedResponse) Supports(scheme, network string) bool {
	for _, k := range s.Kinds {
		if k.Scheme == scheme && k.Network == network {
			return true
		}
	}
	return false
}

type VerifyRequest struct {
	X402Version         int                          `json:"x402Version"`
	PaymentHeader       string                       `json:"paymentHeader"`
	PaymentRequirements provider.PaymentRequirements `json:"paymentRequirements"`
}

type VerifyResponse struct {
	IsValid       bool    `json:"isValid"`
	InvalidReason *string `json:"invalidReason"`
}

type SettleResponse struct {
	Success   bool    `json:"success"`
	Error     *string `json:"error"`
	TxHash    *string `json:"txHash"`
	NetworkID *string `json:"networkId"`
}

// StatusError is a non-200 answer from the facilitator.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("facilitator %s failed: %d", e.Path, e.StatusCode)
}

// Client talks to an x402 facilitator over HTTP.
type Client struct {
	url              string
	httpClient       *http.Client
	supportedTimeout time.Duration
	verifyTimeout    time.Duration
	settleTimeout    time.Duration
}

func NewClient(cfg Config) *Client {
	c := &Client{
		url:              strings.TrimRight(cfg.URL, "/"),
		httpClient:       cfg.HTTPClient,
		supportedTimeout: cfg.SupportedTimeout,
		verifyTimeout:    cfg.VerifyTimeout,
		settleTimeout:    cfg.SettleTimeout,
	}
	if c.url == "" {
		c.url = DefaultFacilitatorURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.supportedTimeout <= 0 {
		c.supportedTimeout = 5 * time.Second
	}
	if c.verifyTimeout <= 0 {
		c.verifyTimeout = 8 * time.Second
	}
	if c.settleTimeout <= 0 {
		c.settleTimeout = 12 * time.Second
	}
	return c
}

// URL returns the facilitator base URL.
func (c *Client) URL() string {
	return c.url
}

// Supported lists the scheme/network pairs the facilitator settles.
func (c *Client) Supported(ctx context.Context) (SupportedResponse, error) {
	var out SupportedResponse
	if err := c.do(ctx, http.MethodGet, "/supported", nil, c.supportedTimeout, &out); err != nil {
		return SupportedResponse{}, err
	}
	return out, nil
}

// Verify asks the facilitator whether the payment header satisfies the
// requirements.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/verify", req, c.verifyTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle submits the payment for settlement.
func (c *Client) Settle(ctx context.Context, req VerifyRequest) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.do(ctx, http.MethodPost, "/settle", req, c.settleTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Probe checks facilitator health for the metrics feed. A non-200 answer is
// reported as degraded, anything else as down.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Supported(ctx)
	var status *StatusError
	if errors.As(err, &status) {
		return &monitor.DegradedError{StatusCode: status.StatusCode}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Path: path, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
