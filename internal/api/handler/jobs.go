package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/api/response"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// JobReader loads a job row.
type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// StatusCache holds the worker's mirrored job status.
type StatusCache interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
}

type jobResponse struct {
	*models.Job
	CachedStatus string `json:"cached_status,omitempty"`
}

// NewGetJobHandler returns GET /api/v1/jobs/{jobID}. The cache lookup is best
// effort; a cache failure still returns the row.
func NewGetJobHandler(jobs JobReader, statuses StatusCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		job, err := jobs.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		resp := jobResponse{Job: job}
		if statuses != nil {
			status, found, err := statuses.GetJobStatus(r.Context(), id)
			if err != nil {
				slog.Warn("job status cache lookup failed", "job_id", id, "error", err)
			} else if found {
				resp.CachedStatus = status
			}
		}
		response.JSON(w, resp)
	}
}
