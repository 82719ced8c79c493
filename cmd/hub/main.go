package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/config"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. It returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// rootOptions holds flags shared by the client commands.
type rootOptions struct {
	Addr   string
	Token  string
	Format string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Agent payment hub",
		Long: `Routes agent payments across x402, ATXP, AP2 and ACP with circuit breaking,
idempotent retries and per-attempt timeouts.

Running hub with no subcommand starts the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "json" && opts.Format != "text" {
				return fmt.Errorf("invalid format %q: must be json or text", opts.Format)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	defaultAddr := os.Getenv("HUB_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8787"
	}
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", defaultAddr, "hub base URL for client commands")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("HUB_TOKEN"), "bearer token for client commands")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the hub HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), stderr)
		},
	})
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newEstimateCommand(opts))

	return cmd
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
