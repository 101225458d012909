package queue

import (
	"time"

	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// Policy bounds retries for failed jobs.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Delay returns min(base * 2^attempts, max) without overflowing.
func (p Policy) Delay(attempts int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	d := p.BackoffBase
	for i := 0; i < attempts; i++ {
		if d >= p.BackoffMax/2 {
			return p.BackoffMax
		}
		d *= 2
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Transition is the outcome of a failed attempt.
type Transition struct {
	Status   models.JobStatus
	Attempts int
	Delay    time.Duration
}

// Terminal reports whether the job will not run again.
func (t Transition) Terminal() bool {
	return t.Status == models.JobStatusFailed
}

// Next computes the state after one more failure of a job that has already
// failed attempts times. The job returns to pending while the incremented
// count stays below MaxAttempts; otherwise it fails for good.
func Next(attempts int, p Policy) Transition {
	n := attempts + 1
	if n < p.MaxAttempts {
		return Transition{Status: models.JobStatusPending, Attempts: n, Delay: p.Delay(attempts)}
	}
	return Transition{Status: models.JobStatusFailed, Attempts: n}
}
