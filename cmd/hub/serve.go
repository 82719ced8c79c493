package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/config"
)

// runServe loads configuration and serves until SIGINT or SIGTERM.
func runServe(ctx context.Context, logOut io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := newLogger(cfg, logOut)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on :%s: %w", cfg.Port, err)
	}
	return serve(ctx, cfg, logger, ln)
}

// serve runs the hub on ln until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	h, err := buildHub(ctx, cfg, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}

	loops, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	h.run(loops)

	server := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "hub listening", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		cancelLoops()
		_ = h.close(context.WithoutCancel(ctx))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownBudget)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	cancelLoops()
	closeErr := h.close(shutdownCtx)
	return errors.Join(shutdownErr, closeErr)
}
