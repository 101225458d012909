// Package main is the entrypoint for the GymVision API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/gymvision/internal/app"
	"github.com/kiranshivaraju/gymvision/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Fail fast on invalid config.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "worker_mode", cfg.Worker.Mode, "blob_backend", cfg.Blob.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("close backends", "error", err)
		}
	}()

	srv := newServer(cfg.Server.Port, a.Handler)

	errCh := make(chan error, 2)
	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	loopDone := make(chan struct{})
	if shouldRunLoop(cfg.Worker.Mode) {
		go func() {
			defer close(loopDone)
			if err := a.Worker.Run(ctx, cfg.Worker.PollInterval); err != nil {
				errCh <- fmt.Errorf("worker loop: %w", err)
			}
		}()
	} else {
		close(loopDone)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		slog.Warn("worker loop did not stop before shutdown timeout")
	}

	slog.Info("server stopped gracefully")
	return nil
}

func newServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// shouldRunLoop reports whether the server drains the queue continuously.
// In burst mode work only starts when an upload or /worker/kick asks for it.
func shouldRunLoop(mode string) bool {
	return mode == "loop"
}
