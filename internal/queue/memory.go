package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// Memory is an in-process Queue and Leaser with the same claim ordering and
// retry transitions as PostgresQueue. Now may be replaced to control time.
type Memory struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.Job
	leases map[string]memLease

	Now func() time.Time
}

type memLease struct {
	owner   string
	expires time.Time
}

var (
	_ Queue  = (*Memory)(nil)
	_ Leaser = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[uuid.UUID]*models.Job),
		leases: make(map[string]memLease),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Jobs returns a snapshot of every job, in claim order.
func (m *Memory) Jobs() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sortClaimed(out)
	return out
}

// Put inserts a job row as-is, bypassing validation. Tests use it to seed
// rows a newer deployment could have written.
func (m *Memory) Put(j *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	if cp.RawKind == "" {
		cp.RawKind = string(cp.Kind)
	}
	cp.Kind = models.ParseJobKind(cp.RawKind)
	m.jobs[cp.ID] = &cp
}

func (m *Memory) Enqueue(_ context.Context, p EnqueueParams) (*models.Job, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job := p.newJob(m.Now())
	cp := *job
	m.jobs[job.ID] = &cp
	return job, nil
}

func (m *Memory) ClaimBatch(_ context.Context, owner string, limit int, leaseTTL time.Duration) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()

	var due []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.JobStatusPending && j.FinishedAt == nil && !j.ScheduledAt.After(now) {
			due = append(due, j)
		}
	}
	sortClaimed(due)
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.Job, 0, len(due))
	expires := now.Add(leaseTTL)
	for _, j := range due {
		o := owner
		e := expires
		j.Status = models.JobStatusProcessing
		j.LeaseOwner = &o
		j.LeaseExpiresAt = &e
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) MarkDone(_ context.Context, id uuid.UUID) error {
	return m.finish(id, func(j *models.Job, now time.Time) {
		j.Status = models.JobStatusDone
		j.FinishedAt = &now
	})
}

func (m *Memory) MarkFailed(_ context.Context, id uuid.UUID, cause error, policy Policy) (Transition, error) {
	var t Transition
	err := m.finish(id, func(j *models.Job, now time.Time) {
		t = Next(j.Attempts, policy)
		msg := errorText(cause)
		j.Attempts = t.Attempts
		j.LastError = &msg
		j.Status = t.Status
		if t.Terminal() {
			j.FinishedAt = &now
		} else {
			j.ScheduledAt = now.Add(t.Delay)
		}
	})
	return t, err
}

func (m *Memory) MarkExhausted(_ context.Context, id uuid.UUID, reason string) error {
	return m.finish(id, func(j *models.Job, now time.Time) {
		r := reason
		j.Attempts++
		j.LastError = &r
		j.Status = models.JobStatusFailed
		j.FinishedAt = &now
	})
}

func (m *Memory) RequeueStale(_ context.Context, olderThan time.Duration, maxAttempts int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var n int64
	for _, j := range m.jobs {
		if j.Status != models.JobStatusProcessing || j.FinishedAt != nil {
			continue
		}
		if !j.UpdatedAt.Before(now.Add(-olderThan)) {
			continue
		}
		if j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.Before(now) {
			continue
		}
		msg := "stale processing lease reclaimed"
		j.Attempts++
		j.LastError = &msg
		j.LeaseOwner, j.LeaseExpiresAt = nil, nil
		j.UpdatedAt = now
		if j.Attempts >= maxAttempts {
			t := now
			j.Status = models.JobStatusFailed
			j.FinishedAt = &t
		} else {
			j.Status = models.JobStatusPending
		}
		n++
	}
	return n, nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) Stats(context.Context) (map[models.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[models.JobStatus]int{
		models.JobStatusPending:    0,
		models.JobStatusProcessing: 0,
		models.JobStatusDone:       0,
		models.JobStatusFailed:     0,
	}
	for _, j := range m.jobs {
		stats[j.Status]++
	}
	return stats, nil
}

func (m *Memory) TryAcquireLease(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if l, ok := m.leases[name]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	m.leases[name] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) RenewLease(_ context.Context, name, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[name]
	if !ok || l.owner != owner {
		return ErrLeaseNotHeld
	}
	l.expires = m.Now().Add(ttl)
	m.leases[name] = l
	return nil
}

func (m *Memory) ReleaseLease(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[name]; ok && l.owner == owner {
		delete(m.leases, name)
	}
	return nil
}

// LeaseHolder returns the current owner of name, or "" when free.
func (m *Memory) LeaseHolder(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[name]
	if !ok || !m.Now().Before(l.expires) {
		return ""
	}
	return l.owner
}

func (m *Memory) finish(id uuid.UUID, fn func(*models.Job, time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.FinishedAt != nil {
		return ErrNotFound
	}
	now := m.Now()
	fn(j, now)
	j.LeaseOwner, j.LeaseExpiresAt = nil, nil
	j.UpdatedAt = now
	return nil
}
