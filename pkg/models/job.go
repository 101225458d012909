package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind is the closed set of pipeline stages a job row can request.
type JobKind string

const (
	JobKindHash    JobKind = "HASH"
	JobKindSafety  JobKind = "SAFETY"
	JobKindEmbed   JobKind = "EMBED"
	JobKindPromote JobKind = "PROMOTE"

	// JobKindUnknown is what ParseJobKind returns for values written by a
	// newer or older deployment that this binary does not know about.
	JobKindUnknown JobKind = "UNKNOWN"
)

// ParseJobKind maps a stored job_type value onto the closed enum.
func ParseJobKind(s string) JobKind {
	switch JobKind(s) {
	case JobKindHash, JobKindSafety, JobKindEmbed, JobKindPromote:
		return JobKind(s)
	default:
		return JobKindUnknown
	}
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Job is a durable work item. A job with FinishedAt set is terminal and is
// never claimed again.
type Job struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	Kind           JobKind    `db:"job_type"         json:"job_type"`
	RawKind        string     `db:"-"                json:"-"`
	ImageID        *uuid.UUID `db:"image_id"         json:"image_id,omitempty"`
	ImageScope     ImageScope `db:"image_scope"      json:"image_scope,omitempty"`
	StorageKey     *string    `db:"storage_key"      json:"storage_key,omitempty"`
	Status         JobStatus  `db:"status"           json:"status"`
	Priority       int        `db:"priority"         json:"priority"`
	ScheduledAt    time.Time  `db:"scheduled_at"     json:"scheduled_at"`
	Attempts       int        `db:"attempts"         json:"attempts"`
	LastError      *string    `db:"last_error"       json:"last_error,omitempty"`
	LeaseOwner     *string    `db:"lease_owner"      json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	FinishedAt     *time.Time `db:"finished_at"      json:"finished_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
}

// Terminal reports whether the job has reached done or failed for good.
func (j *Job) Terminal() bool {
	return j.FinishedAt != nil
}
