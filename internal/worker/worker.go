// Package worker drains the job queue through the HASH, SAFETY and EMBED
// stages of the image pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/blob"
	"github.com/kiranshivaraju/gymvision/internal/cache"
	"github.com/kiranshivaraju/gymvision/internal/config"
	"github.com/kiranshivaraju/gymvision/internal/events"
	"github.com/kiranshivaraju/gymvision/internal/promotion"
	"github.com/kiranshivaraju/gymvision/internal/queue"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"golang.org/x/time/rate"
)

// ErrAlreadyRunning is returned by RunOnce while another call is draining.
var ErrAlreadyRunning = errors.New("worker already running")

const jobStatusTTL = 30 * time.Minute

// Store is the subset of store.Store the stage handlers use.
type Store interface {
	store.ImageStore
	store.GymPolicyStore
}

// Suggester is notified when an image is auto-approved by EMBED.
type Suggester interface {
	MaybeSuggest(ctx context.Context, gymImageID uuid.UUID) (promotion.Outcome, error)
}

// Deps are the collaborators a Worker drives. Cache, Events and Suggester
// are optional.
type Deps struct {
	Queue     queue.Queue
	Leaser    queue.Leaser
	Store     Store
	Blobs     blob.Store
	Embedder  models.Embedder
	Safety    models.SafetyChecker
	Cache     cache.Cache
	Events    events.Publisher
	Suggester Suggester
}

// Config tunes claiming, retries and the burst runner.
type Config struct {
	Owner          string
	BatchSize      int
	JobLeaseTTL    time.Duration
	Policy         queue.Policy
	StaleAfter     time.Duration
	BlockThreshold float64
	LeaseName      string
	Burst          BurstOptions
	KicksPerSecond float64
}

// ConfigFrom builds a worker Config from application settings.
func ConfigFrom(w config.WorkerConfig, s config.SafetyConfig) Config {
	host, _ := os.Hostname()
	return Config{
		Owner:       fmt.Sprintf("%s-%d", host, os.Getpid()),
		BatchSize:   w.BatchSize,
		JobLeaseTTL: w.JobLeaseTTL,
		Policy: queue.Policy{
			MaxAttempts: w.MaxAttempts,
			BackoffBase: w.BackoffBase,
			BackoffMax:  w.BackoffMax,
		},
		StaleAfter:     w.StaleJobTimeout,
		BlockThreshold: s.BlockThreshold,
		LeaseName:      w.LeaseName,
		Burst: BurstOptions{
			BatchSize:    w.BatchSize,
			IdleExit:     w.IdleExit,
			LeaseTTL:     w.LeaseTTL,
			MaxRuntime:   w.MaxRuntime,
			PollInterval: w.PollInterval,
		},
		KicksPerSecond: w.KicksPerSecond,
	}
}

type Worker struct {
	deps Deps
	cfg  Config

	running atomic.Bool
	kicks   *rate.Limiter
	bg      sync.WaitGroup
	now     func() time.Time

	// base parents background runs started by Kick; Stop cancels it.
	base context.Context
	stop context.CancelFunc
}

func New(deps Deps, cfg Config) *Worker {
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if cfg.Owner == "" {
		cfg.Owner = "worker-" + uuid.NewString()[:8]
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.JobLeaseTTL <= 0 {
		cfg.JobLeaseTTL = 5 * time.Minute
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = 5
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = "image-pipeline"
	}
	limit := rate.Inf
	if cfg.KicksPerSecond > 0 {
		limit = rate.Limit(cfg.KicksPerSecond)
	}
	base, stop := context.WithCancel(context.Background())
	return &Worker{
		deps:  deps,
		cfg:   cfg,
		kicks: rate.NewLimiter(limit, 1),
		now:   func() time.Time { return time.Now().UTC() },
		base:  base,
		stop:  stop,
	}
}

// ProcessOnce claims a single batch and processes every job in it. It returns
// the number of jobs claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	return w.processBatch(ctx, w.cfg.BatchSize)
}

// RunOnce drains the queue, claiming batches of batchSize until one comes back
// empty. Only one RunOnce runs at a time per Worker; a concurrent call returns
// ErrAlreadyRunning without claiming anything.
func (w *Worker) RunOnce(ctx context.Context, batchSize int) (int, error) {
	if !w.running.CompareAndSwap(false, true) {
		return 0, ErrAlreadyRunning
	}
	defer w.running.Store(false)

	if batchSize <= 0 {
		batchSize = w.cfg.BatchSize
	}
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := w.processBatch(ctx, batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// SweepStale returns jobs whose worker died mid-job to pending.
func (w *Worker) SweepStale(ctx context.Context) (int64, error) {
	if w.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	n, err := w.deps.Queue.RequeueStale(ctx, w.cfg.StaleAfter, w.cfg.Policy.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("requeued stale jobs", "count", n, "older_than", w.cfg.StaleAfter)
	}
	return n, nil
}

// Run drains the queue every pollInterval until ctx is cancelled. Each tick
// is a burst run under the global lease, so a tick that finds the lease held
// by another process does nothing.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	opts := w.cfg.Burst
	opts.IdleExit = pollInterval

	slog.Info("worker loop started", "owner", w.cfg.Owner, "poll_interval", pollInterval)
	for {
		res, err := w.KickBurstRunner(ctx, opts)
		if err != nil && ctx.Err() == nil {
			slog.Error("worker drain failed", "error", err)
		} else if res.Processed > 0 {
			slog.Info("worker drained jobs", "count", res.Processed)
		}

		select {
		case <-ctx.Done():
			slog.Info("worker loop stopped", "owner", w.cfg.Owner)
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, limit int) (int, error) {
	jobs, err := w.deps.Queue.ClaimBatch(ctx, w.cfg.Owner, limit, w.cfg.JobLeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs), nil
}

// process runs one claimed job and records its outcome. It never returns an
// error or lets a handler panic escape; every failure becomes a queue
// transition.
func (w *Worker) process(ctx context.Context, job *models.Job) {
	log := slog.With("job_id", job.ID, "job_type", job.RawKind)
	w.mirror(ctx, job.ID, models.JobStatusProcessing)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in job handler", "error", r)
			w.fail(ctx, job, fmt.Errorf("panic: %v", r))
		}
	}()

	var err error
	switch job.Kind {
	case models.JobKindHash:
		err = w.handleHash(ctx, job)
	case models.JobKindSafety:
		err = w.handleSafety(ctx, job)
	case models.JobKindEmbed:
		err = w.handleEmbed(ctx, job)
	case models.JobKindPromote, models.JobKindUnknown:
		// No handler exists; exhaust on the first attempt instead of retrying.
		err = permanent(fmt.Errorf("unsupported job type %s", job.RawKind))
	default:
		err = permanent(fmt.Errorf("unsupported job type %s", job.RawKind))
	}

	if err != nil {
		w.fail(ctx, job, err)
		return
	}
	if err := w.deps.Queue.MarkDone(ctx, job.ID); err != nil {
		log.Error("failed to mark job done", "error", err)
		return
	}
	w.mirror(ctx, job.ID, models.JobStatusDone)
	log.Info("job done")
}

func (w *Worker) fail(ctx context.Context, job *models.Job, cause error) {
	log := slog.With("job_id", job.ID, "job_type", job.RawKind)

	if isPermanent(cause) {
		if err := w.deps.Queue.MarkExhausted(ctx, job.ID, cause.Error()); err != nil {
			log.Error("failed to mark job exhausted", "error", err, "cause", cause)
			return
		}
		w.mirror(ctx, job.ID, models.JobStatusFailed)
		log.Warn("job exhausted", "error", cause)
		return
	}

	tr, err := w.deps.Queue.MarkFailed(ctx, job.ID, cause, w.cfg.Policy)
	if err != nil {
		log.Error("failed to mark job failed", "error", err, "cause", cause)
		return
	}
	w.mirror(ctx, job.ID, tr.Status)
	if tr.Terminal() {
		log.Error("job failed permanently", "error", cause, "attempts", tr.Attempts)
	} else {
		log.Warn("job failed, will retry", "error", cause, "attempts", tr.Attempts, "delay", tr.Delay)
	}
}

// mirror copies a job's status into the cache for cheap polling.
func (w *Worker) mirror(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	if w.deps.Cache == nil {
		return
	}
	_ = w.deps.Cache.SetJobStatus(ctx, id, string(status), jobStatusTTL)
}

func (w *Worker) enqueueNext(ctx context.Context, job *models.Job, kind models.JobKind, key string) error {
	k := key
	_, err := w.deps.Queue.Enqueue(ctx, queue.EnqueueParams{
		Kind:       kind,
		ImageID:    job.ImageID,
		ImageScope: job.ImageScope,
		StorageKey: &k,
		Priority:   job.Priority,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
