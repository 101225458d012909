package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/queue"
)

// BurstOptions bound a single burst run.
type BurstOptions struct {
	BatchSize    int
	IdleExit     time.Duration
	LeaseTTL     time.Duration
	MaxRuntime   time.Duration
	PollInterval time.Duration
}

func (o BurstOptions) withDefaults(batchSize int) BurstOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = batchSize
	}
	if o.IdleExit <= 0 {
		o.IdleExit = 5 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 60 * time.Second
	}
	if o.MaxRuntime <= 0 {
		o.MaxRuntime = 4 * time.Minute
	}
	if o.PollInterval <= 0 || o.PollInterval > o.IdleExit {
		o.PollInterval = o.IdleExit / 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Millisecond
	}
	return o
}

// BurstResult describes what a burst run did.
type BurstResult struct {
	Acquired  bool
	Processed int
	Batches   int
	Elapsed   time.Duration
}

// KickBurstRunner drains the queue under the global lease. When another
// process holds the lease it returns immediately with Acquired false. The
// lease is renewed after every batch and released on every exit path.
func (w *Worker) KickBurstRunner(ctx context.Context, opts BurstOptions) (BurstResult, error) {
	opts = opts.withDefaults(w.cfg.BatchSize)
	owner := w.cfg.Owner + ":" + uuid.NewString()[:8]
	log := slog.With("lease", w.cfg.LeaseName, "owner", owner)

	ok, err := w.deps.Leaser.TryAcquireLease(ctx, w.cfg.LeaseName, owner, opts.LeaseTTL)
	if err != nil {
		return BurstResult{}, err
	}
	if !ok {
		log.Debug("lease held elsewhere, skipping burst")
		return BurstResult{}, nil
	}

	start := w.now()
	res := BurstResult{Acquired: true}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := w.deps.Leaser.ReleaseLease(relCtx, w.cfg.LeaseName, owner); err != nil {
			log.Error("failed to release lease", "error", err)
		}
	}()

	if _, err := w.SweepStale(ctx); err != nil {
		log.Error("stale job sweep failed", "error", err)
	}

	lastWork := start
	for {
		now := w.now()
		if now.Sub(start) >= opts.MaxRuntime {
			log.Info("burst reached max runtime", "processed", res.Processed)
			break
		}
		if err := ctx.Err(); err != nil {
			res.Elapsed = now.Sub(start)
			return res, err
		}

		n, err := w.processBatch(ctx, opts.BatchSize)
		res.Processed += n
		res.Batches++
		if err != nil {
			res.Elapsed = w.now().Sub(start)
			return res, err
		}

		if err := w.deps.Leaser.RenewLease(ctx, w.cfg.LeaseName, owner, opts.LeaseTTL); err != nil {
			if errors.Is(err, queue.ErrLeaseNotHeld) {
				log.Warn("lease lost, stopping burst")
				break
			}
			res.Elapsed = w.now().Sub(start)
			return res, err
		}

		if n > 0 {
			lastWork = w.now()
			continue
		}
		if w.now().Sub(lastWork) >= opts.IdleExit {
			break
		}
		if !sleep(ctx, opts.PollInterval) {
			break
		}
	}

	res.Elapsed = w.now().Sub(start)
	level := slog.LevelInfo
	if res.Processed == 0 {
		level = slog.LevelDebug
	}
	log.Log(ctx, level, "burst finished", "processed", res.Processed, "batches", res.Batches, "elapsed", res.Elapsed)
	return res, nil
}

// Kick starts a burst run in the background and returns at once. Kicks beyond
// the configured rate, or after Stop, are dropped; it reports whether a run
// was started.
func (w *Worker) Kick(opts BurstOptions) bool {
	if w.base.Err() != nil || !w.kicks.Allow() {
		return false
	}
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		if _, err := w.KickBurstRunner(w.base, opts); err != nil && w.base.Err() == nil {
			slog.Error("background burst failed", "error", err)
		}
	}()
	return true
}

// Wait blocks until every background run started by Kick has returned.
func (w *Worker) Wait() {
	w.bg.Wait()
}

// Stop cancels background runs started by Kick and waits for them to return.
// A job cut off mid-flight may stay claimed until the stale sweep requeues it.
func (w *Worker) Stop() {
	w.stop()
	w.bg.Wait()
}

// DefaultBurst returns the burst options from the worker's configuration.
func (w *Worker) DefaultBurst() BurstOptions {
	return w.cfg.Burst
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
