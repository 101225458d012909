package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/gymvision/internal/api/response"
	"github.com/kiranshivaraju/gymvision/internal/worker"
)

// WorkerRunner is the subset of *worker.Worker exposed over HTTP.
type WorkerRunner interface {
	Kick(opts worker.BurstOptions) bool
	DefaultBurst() worker.BurstOptions
	RunOnce(ctx context.Context, batchSize int) (int, error)
}

type kickRequest struct {
	BatchSize         int `json:"batch_size"`
	MaxRuntimeSeconds int `json:"max_runtime_seconds"`
}

// NewKickHandler returns POST /api/v1/worker/kick. It starts a burst run in
// the background and answers 202 at once.
func NewKickHandler(wr WorkerRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req kickRequest
		if !response.Decode(w, r, &req) {
			return
		}
		if req.BatchSize < 0 || req.MaxRuntimeSeconds < 0 {
			response.BadRequest(w, "batch_size and max_runtime_seconds must not be negative")
			return
		}

		opts := wr.DefaultBurst()
		if req.BatchSize > 0 {
			opts.BatchSize = req.BatchSize
		}
		if req.MaxRuntimeSeconds > 0 {
			opts.MaxRuntime = time.Duration(req.MaxRuntimeSeconds) * time.Second
		}
		response.Accepted(w, map[string]bool{"started": wr.Kick(opts)})
	}
}

// NewRunOnceHandler returns POST /api/v1/worker/run-once. It drains the queue
// synchronously and reports how many jobs were processed.
func NewRunOnceHandler(wr WorkerRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BatchSize int `json:"batch_size"`
		}
		if !response.Decode(w, r, &req) {
			return
		}
		if req.BatchSize < 0 || req.BatchSize > 100 {
			response.BadRequest(w, "batch_size must be between 0 and 100")
			return
		}

		n, err := wr.RunOnce(r.Context(), req.BatchSize)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, map[string]int{"processed": n})
	}
}
