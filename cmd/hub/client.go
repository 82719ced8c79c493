package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/apierror"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/payments"
	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

const clientTimeout = 10 * time.Second

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show protocol metrics and circuit state of a running hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report payments.StatusReport
			raw, err := getJSON(cmd.Context(), opts, "/protocols/status", nil, &report)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeRaw(cmd.OutOrStdout(), raw)
			}
			return printStatus(cmd.OutOrStdout(), report)
		},
	}
}

func newEstimateCommand(opts *rootOptions) *cobra.Command {
	var amount, recipient string
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Quote fee and settlement time for every protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if amount != "" {
				q.Set("amount", amount)
			}
			if recipient != "" {
				q.Set("recipient", recipient)
			}
			var report payments.EstimateReport
			raw, err := getJSON(cmd.Context(), opts, "/payments/estimate", q, &report)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeRaw(cmd.OutOrStdout(), raw)
			}
			return printEstimate(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to quote (default "+payments.DefaultEstimateAmount+")")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient to quote for")
	return cmd
}

// getJSON fetches path from the hub and decodes a 200 body into out. Error
// envelopes become Go errors carrying the hub's code and message.
func getJSON(ctx context.Context, opts *rootOptions, path string, q url.Values, out any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	target := strings.TrimRight(opts.Addr, "/") + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub unreachable at %s: %w", opts.Addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var body apierror.Body
		if json.Unmarshal(raw, &body) == nil && body.Error.Code != "" {
			return nil, fmt.Errorf("hub returned %d %s: %s", resp.StatusCode, body.Error.Code, body.Error.Message)
		}
		return nil, fmt.Errorf("hub returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

func writeRaw(w io.Writer, raw []byte) error {
	_, err := fmt.Fprintln(w, strings.TrimSpace(string(raw)))
	return err
}

func printStatus(w io.Writer, report payments.StatusReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROTOCOL\tCIRCUIT\tAVG TIME (ms)\tAVG FEE\tSUCCESS")
	for _, p := range sortedProtocols(report) {
		m := report.Protocols[p]
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%.0f\t%s\t%.1f%%\n", p, report.Circuit[p], m.AvgTime, m.AvgFee.String(), m.SuccessRate*100)
	}
	return tw.Flush()
}

func printEstimate(w io.Writer, report payments.EstimateReport) error {
	_, _ = fmt.Fprintf(w, "Amount: %s\n", report.Amount)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROTOCOL\tFEE\tTIME (ms)\tSUCCESS")
	for _, e := range report.Estimates {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%.0f\t%.1f%%\n", e.Protocol, e.EstimatedFee, e.EstimatedTime, e.SuccessRate*100)
	}
	return tw.Flush()
}

// sortedProtocols lists supported protocols first, in routing order, then
// anything else the hub reported.
func sortedProtocols(report payments.StatusReport) []protocol.Protocol {
	seen := map[protocol.Protocol]bool{}
	var out []protocol.Protocol
	for _, p := range protocol.Supported() {
		_, inMetrics := report.Protocols[p]
		_, inCircuit := report.Circuit[p]
		if inMetrics || inCircuit {
			out = append(out, p)
			seen[p] = true
		}
	}
	var extra []protocol.Protocol
	for p := range report.Circuit {
		if !seen[p] {
			extra = append(extra, p)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}
