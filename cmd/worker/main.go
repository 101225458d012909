// Package main runs one burst of the image pipeline and exits. It is meant
// for cron or scale-to-zero schedulers; only one burst runs at a time across
// all processes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/gymvision/internal/app"
	"github.com/kiranshivaraju/gymvision/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Worker.KickBurstRunner(ctx, a.Worker.DefaultBurst())
	if err != nil {
		return fmt.Errorf("burst: %w", err)
	}
	if !res.Acquired {
		slog.Info("another burst holds the lease, exiting")
		return nil
	}
	slog.Info("burst complete", "processed", res.Processed, "batches", res.Batches, "elapsed", res.Elapsed)
	return nil
}
