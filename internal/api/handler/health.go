package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/gymvision/internal/api/response"
)

// Pinger is any dependency that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// NewHealthHandler returns GET /api/v1/health. Any failing check turns the
// response into a 503.
func NewHealthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				resp.Checks[name] = "error: " + err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}

		if resp.Status != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "One or more dependencies are unavailable", resp.Checks)
			return
		}
		response.JSON(w, resp)
	}
}
