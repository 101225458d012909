// Package queue is the durable job table driving the image pipeline.
//
// Jobs are claimed with a single UPDATE ... FOR UPDATE SKIP LOCKED statement
// so concurrent workers never receive the same row. Retry state lives on the
// row itself; Next computes each failure transition as a pure function.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrInvalidJob    = errors.New("invalid job")
	ErrLeaseNotHeld  = errors.New("lease not held by owner")
	ErrJobNotClaimed = errors.New("job is not processing")
)

// Queue is the job store consumed by the worker and by enqueueing callers.
type Queue interface {
	Enqueue(ctx context.Context, p EnqueueParams) (*models.Job, error)
	ClaimBatch(ctx context.Context, owner string, limit int, leaseTTL time.Duration) ([]*models.Job, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error, policy Policy) (Transition, error)
	MarkExhausted(ctx context.Context, id uuid.UUID, reason string) error
	RequeueStale(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Stats(ctx context.Context) (map[models.JobStatus]int, error)
}

// Leaser guards a named, time-bounded, single-holder lease. Acquisition never
// blocks; a held lease is reported as false, not as an error.
type Leaser interface {
	TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, name, owner string) error
}

// EnqueueParams describes a new pending job. At least one of ImageID and
// StorageKey must be set.
type EnqueueParams struct {
	Kind        models.JobKind
	ImageID     *uuid.UUID
	ImageScope  models.ImageScope
	StorageKey  *string
	Priority    int
	ScheduledAt *time.Time
}

func (p EnqueueParams) validate() error {
	if models.ParseJobKind(string(p.Kind)) == models.JobKindUnknown {
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidJob, p.Kind)
	}
	if p.ImageID == nil && (p.StorageKey == nil || *p.StorageKey == "") {
		return fmt.Errorf("%w: image id or storage key is required", ErrInvalidJob)
	}
	switch p.ImageScope {
	case models.ImageScopeGym, models.ImageScopeGlobal:
	default:
		return fmt.Errorf("%w: unknown image scope %q", ErrInvalidJob, p.ImageScope)
	}
	return nil
}

func (p EnqueueParams) newJob(now time.Time) *models.Job {
	scheduled := now
	if p.ScheduledAt != nil {
		scheduled = p.ScheduledAt.UTC()
	}
	return &models.Job{
		ID:          uuid.New(),
		Kind:        p.Kind,
		RawKind:     string(p.Kind),
		ImageID:     p.ImageID,
		ImageScope:  p.ImageScope,
		StorageKey:  p.StorageKey,
		Status:      models.JobStatusPending,
		Priority:    p.Priority,
		ScheduledAt: scheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// errorText renders a failure cause for the last_error column.
func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	const max = 2000
	if len(msg) > max {
		msg = msg[:max]
	}
	return msg
}
