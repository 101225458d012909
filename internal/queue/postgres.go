package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// PostgresQueue implements Queue and Leaser on the jobs and worker_leases tables.
type PostgresQueue struct {
	pool *pgxpool.Pool
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

var (
	_ Queue  = (*PostgresQueue)(nil)
	_ Leaser = (*PostgresQueue)(nil)
)

const jobColumns = `id, job_type, image_id, image_scope, storage_key, status, priority, scheduled_at, attempts,
	last_error, lease_owner, lease_expires_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.RawKind, &j.ImageID, &j.ImageScope, &j.StorageKey, &j.Status, &j.Priority,
		&j.ScheduledAt, &j.Attempts, &j.LastError, &j.LeaseOwner, &j.LeaseExpiresAt, &j.FinishedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = models.ParseJobKind(j.RawKind)
	return &j, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, p EnqueueParams) (*models.Job, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	job := p.newJob(time.Now().UTC())

	_, err := q.pool.Exec(ctx,
		`INSERT INTO jobs (id, job_type, image_id, image_scope, storage_key, status, priority, scheduled_at,
		   attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)`,
		job.ID, job.RawKind, job.ImageID, job.ImageScope, job.StorageKey, job.Status, job.Priority,
		job.ScheduledAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// ClaimBatch leases up to limit due pending jobs to owner in one statement.
func (q *PostgresQueue) ClaimBatch(ctx context.Context, owner string, limit int, leaseTTL time.Duration) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.pool.Query(ctx,
		`UPDATE jobs SET status = 'processing',
		   lease_owner = $1,
		   lease_expires_at = NOW() + make_interval(secs => $2),
		   updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM jobs
		    WHERE status = 'pending' AND finished_at IS NULL AND scheduled_at <= NOW()
		    ORDER BY priority DESC, scheduled_at ASC, created_at ASC
		    LIMIT $3
		    FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns,
		owner, leaseTTL.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	sortClaimed(jobs)
	return jobs, nil
}

func sortClaimed(jobs []*models.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		x, y := jobs[a], jobs[b]
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		if !x.ScheduledAt.Equal(y.ScheduledAt) {
			return x.ScheduledAt.Before(y.ScheduledAt)
		}
		return x.CreatedAt.Before(y.CreatedAt)
	})
}

func (q *PostgresQueue) MarkDone(ctx context.Context, id uuid.UUID) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'done', finished_at = NOW(), lease_owner = NULL, lease_expires_at = NULL,
		   updated_at = NOW()
		 WHERE id = $1 AND finished_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records cause and applies Next to the stored attempt count.
func (q *PostgresQueue) MarkFailed(ctx context.Context, id uuid.UUID, cause error, policy Policy) (Transition, error) {
	var t Transition
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		var attempts int
		err := tx.QueryRow(ctx,
			`SELECT attempts FROM jobs WHERE id = $1 AND finished_at IS NULL FOR UPDATE`, id).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read attempts: %w", err)
		}

		t = Next(attempts, policy)
		if t.Terminal() {
			_, err = tx.Exec(ctx,
				`UPDATE jobs SET status = 'failed', attempts = $2, last_error = $3, finished_at = NOW(),
				   lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
				 WHERE id = $1`, id, t.Attempts, errorText(cause))
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE jobs SET status = 'pending', attempts = $2, last_error = $3,
				   scheduled_at = NOW() + make_interval(secs => $4),
				   lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
				 WHERE id = $1`, id, t.Attempts, errorText(cause), t.Delay.Seconds())
		}
		if err != nil {
			return fmt.Errorf("update failed job: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transition{}, err
		}
		return Transition{}, fmt.Errorf("mark job failed: %w", err)
	}
	return t, nil
}

// MarkExhausted fails a job permanently without consulting the retry budget.
func (q *PostgresQueue) MarkExhausted(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = $2, finished_at = NOW(),
		   lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND finished_at IS NULL`, id, reason)
	if err != nil {
		return fmt.Errorf("mark job exhausted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStale returns processing jobs claimed more than olderThan ago, whose
// lease has also lapsed, to pending. Each sweep counts as an attempt so a job
// that keeps killing its worker eventually fails.
func (q *PostgresQueue) RequeueStale(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET
		   status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		   finished_at = CASE WHEN attempts + 1 >= $2 THEN NOW() ELSE NULL END,
		   attempts = attempts + 1,
		   last_error = 'stale processing lease reclaimed',
		   lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE status = 'processing' AND finished_at IS NULL
		   AND updated_at < NOW() - make_interval(secs => $1)
		   AND (lease_expires_at IS NULL OR lease_expires_at < NOW())`,
		olderThan.Seconds(), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *PostgresQueue) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (q *PostgresQueue) Stats(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := map[models.JobStatus]int{
		models.JobStatusPending:    0,
		models.JobStatusProcessing: 0,
		models.JobStatusDone:       0,
		models.JobStatusFailed:     0,
	}
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// --- Global lease ---

// TryAcquireLease takes the named lease if it is free, expired, or already
// held by owner.
func (q *PostgresQueue) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	var holder string
	err := q.pool.QueryRow(ctx,
		`INSERT INTO worker_leases (name, owner, expires_at, updated_at)
		 VALUES ($1, $2, NOW() + make_interval(secs => $3), NOW())
		 ON CONFLICT (name) DO UPDATE SET
		   owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at, updated_at = NOW()
		 WHERE worker_leases.expires_at < NOW() OR worker_leases.owner = EXCLUDED.owner
		 RETURNING owner`,
		name, owner, ttl.Seconds(),
	).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return holder == owner, nil
}

func (q *PostgresQueue) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE worker_leases SET expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		 WHERE name = $1 AND owner = $2`, name, owner, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (q *PostgresQueue) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM worker_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
