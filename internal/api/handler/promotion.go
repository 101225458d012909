package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/api/response"
	"github.com/kiranshivaraju/gymvision/internal/promotion"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// Moderator defines the promotion and moderation operations exposed over HTTP.
type Moderator interface {
	MaybeSuggest(ctx context.Context, gymImageID uuid.UUID) (promotion.Outcome, error)
	ApproveSuggestion(ctx context.Context, suggestionID uuid.UUID) (*models.Image, error)
	RejectSuggestion(ctx context.Context, suggestionID uuid.UUID) error
	PromoteGymImage(ctx context.Context, gymImageID uuid.UUID) (*models.Image, error)
	Approve(ctx context.Context, gymImageID uuid.UUID) error
	Reject(ctx context.Context, gymImageID uuid.UUID) error
	Quarantine(ctx context.Context, gymImageID uuid.UUID, reason string) error
}

type suggestResponse struct {
	Suggestion *models.GlobalImageSuggestion `json:"suggestion,omitempty"`
	Skipped    promotion.Skip                `json:"skipped,omitempty"`
}

// NewSuggestHandler returns POST /api/v1/gym-images/{imageID}/suggest.
func NewSuggestHandler(m Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "imageID")
		if !ok {
			return
		}
		out, err := m.MaybeSuggest(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, suggestResponse{Suggestion: out.Suggestion, Skipped: out.Skipped})
	}
}

// NewApproveSuggestionHandler returns POST /api/v1/suggestions/{suggestionID}/approve.
func NewApproveSuggestionHandler(m Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "suggestionID")
		if !ok {
			return
		}
		img, err := m.ApproveSuggestion(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, img)
	}
}

// NewRejectSuggestionHandler returns POST /api/v1/suggestions/{suggestionID}/reject.
func NewRejectSuggestionHandler(m Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "suggestionID")
		if !ok {
			return
		}
		if err := m.RejectSuggestion(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, map[string]string{"status": string(models.SuggestionStatusRejected)})
	}
}

// NewPromoteHandler returns POST /api/v1/gym-images/{imageID}/promote.
func NewPromoteHandler(m Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "imageID")
		if !ok {
			return
		}
		img, err := m.PromoteGymImage(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, img)
	}
}

// NewModerateHandler returns POST /api/v1/gym-images/{imageID}/{action} for
// approve, reject and quarantine.
func NewModerateHandler(m Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "imageID")
		if !ok {
			return
		}
		var req struct {
			Reason string `json:"reason"`
		}
		if !response.Decode(w, r, &req) {
			return
		}

		var (
			status models.ImageStatus
			err    error
		)
		switch action := chi.URLParam(r, "action"); action {
		case "approve":
			status, err = models.ImageStatusApproved, m.Approve(r.Context(), id)
		case "reject":
			status, err = models.ImageStatusRejected, m.Reject(r.Context(), id)
		case "quarantine":
			if req.Reason == "" {
				req.Reason = "MODERATOR"
			}
			status, err = models.ImageStatusQuarantined, m.Quarantine(r.Context(), id, req.Reason)
		default:
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "unknown moderation action "+action, nil)
			return
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, map[string]string{"id": id.String(), "status": string(status)})
	}
}
