package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/api/response"
	"github.com/kiranshivaraju/gymvision/internal/recognition"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// Recognizer defines the recognition operations the handlers depend on.
type Recognizer interface {
	Recognize(ctx context.Context, gymID uuid.UUID, storageKey string) (*recognition.Result, error)
	Confirm(ctx context.Context, attemptID, equipmentID uuid.UUID, consent models.Consent) (*models.RecognitionAttempt, error)
	Discard(ctx context.Context, attemptID uuid.UUID) (*models.RecognitionAttempt, error)
}

// NewRecognizeHandler returns POST /api/v1/recognize.
func NewRecognizeHandler(svc Recognizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			GymID      uuid.UUID `json:"gym_id"`
			StorageKey string    `json:"storage_key"`
		}
		if !response.Decode(w, r, &req) {
			return
		}
		if req.GymID == uuid.Nil || req.StorageKey == "" {
			response.BadRequest(w, "gym_id and storage_key are required")
			return
		}

		res, err := svc.Recognize(r.Context(), req.GymID, req.StorageKey)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Created(w, res)
	}
}

// NewConfirmHandler returns POST /api/v1/recognize/{attemptID}/confirm.
func NewConfirmHandler(svc Recognizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "attemptID")
		if !ok {
			return
		}
		var req struct {
			EquipmentID uuid.UUID      `json:"equipment_id"`
			Consent     models.Consent `json:"consent"`
		}
		if !response.Decode(w, r, &req) {
			return
		}

		attempt, err := svc.Confirm(r.Context(), id, req.EquipmentID, req.Consent)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, attempt)
	}
}

// NewDiscardHandler returns POST /api/v1/recognize/{attemptID}/discard.
func NewDiscardHandler(svc Recognizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "attemptID")
		if !ok {
			return
		}
		attempt, err := svc.Discard(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, attempt)
	}
}
