package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/gymvision/internal/api/middleware"
	"github.com/kiranshivaraju/gymvision/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	FinalizeUpload http.HandlerFunc
	KickWorker     http.HandlerFunc
	RunWorkerOnce  http.HandlerFunc
	GetJob         http.HandlerFunc
	KNNSearch      http.HandlerFunc

	Recognize         http.HandlerFunc
	ConfirmAttempt    http.HandlerFunc
	DiscardAttempt    http.HandlerFunc
	ApproveSuggestion http.HandlerFunc
	RejectSuggestion  http.HandlerFunc
	SuggestGymImage   http.HandlerFunc
	PromoteGymImage   http.HandlerFunc
	ModerateGymImage  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/uploads/finalize", orNotImplemented(deps.FinalizeUpload))

		r.Post("/api/v1/worker/kick", orNotImplemented(deps.KickWorker))
		r.Post("/api/v1/worker/run-once", orNotImplemented(deps.RunWorkerOnce))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))

		r.Post("/api/v1/knn/search", orNotImplemented(deps.KNNSearch))

		r.Post("/api/v1/recognize", orNotImplemented(deps.Recognize))
		r.Post("/api/v1/recognize/{attemptID}/confirm", orNotImplemented(deps.ConfirmAttempt))
		r.Post("/api/v1/recognize/{attemptID}/discard", orNotImplemented(deps.DiscardAttempt))

		r.Post("/api/v1/suggestions/{suggestionID}/approve", orNotImplemented(deps.ApproveSuggestion))
		r.Post("/api/v1/suggestions/{suggestionID}/reject", orNotImplemented(deps.RejectSuggestion))

		r.Post("/api/v1/gym-images/{imageID}/suggest", orNotImplemented(deps.SuggestGymImage))
		r.Post("/api/v1/gym-images/{imageID}/promote", orNotImplemented(deps.PromoteGymImage))
		r.Post("/api/v1/gym-images/{imageID}/{action}", orNotImplemented(deps.ModerateGymImage))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
