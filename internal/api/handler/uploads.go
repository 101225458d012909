package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/api/response"
	"github.com/kiranshivaraju/gymvision/internal/intake"
)

// Finalizer defines the intake operation the handler depends on.
type Finalizer interface {
	FinalizeUpload(ctx context.Context, p intake.UploadParams) (*intake.Result, error)
}

// NewFinalizeUploadHandler returns POST /api/v1/uploads/finalize.
func NewFinalizeUploadHandler(svc Finalizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req intake.UploadParams
		if !response.Decode(w, r, &req) {
			return
		}
		if req.StorageKey == "" {
			response.BadRequest(w, "storage_key is required")
			return
		}
		if req.GymID == uuid.Nil || req.EquipmentID == uuid.Nil {
			response.BadRequest(w, "gym_id and equipment_id are required")
			return
		}

		res, err := svc.FinalizeUpload(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Created(w, res)
	}
}
