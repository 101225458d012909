package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/api/response"
	"github.com/kiranshivaraju/gymvision/internal/intake"
	"github.com/kiranshivaraju/gymvision/internal/knn"
	"github.com/kiranshivaraju/gymvision/internal/promotion"
	"github.com/kiranshivaraju/gymvision/internal/queue"
	"github.com/kiranshivaraju/gymvision/internal/recognition"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/internal/vision"
	"github.com/kiranshivaraju/gymvision/internal/worker"
	"github.com/kiranshivaraju/gymvision/pkg/storagekey"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is checked in order; the first errors.Is match wins.
var errorMappings = []errorMapping{
	{store.ErrNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
	{queue.ErrNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
	{knn.ErrSourceNotFound, http.StatusNotFound, "SOURCE_NOT_FOUND"},
	{recognition.ErrAttemptNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
	{recognition.ErrImageMissing, http.StatusNotFound, "IMAGE_MISSING"},
	{intake.ErrUploadMissing, http.StatusNotFound, "UPLOAD_MISSING"},

	{storagekey.ErrInvalidKey, http.StatusBadRequest, "INVALID_STORAGE_KEY"},
	{knn.ErrInvalidQuery, http.StatusBadRequest, "INVALID_REQUEST"},
	{knn.ErrGymIDRequired, http.StatusBadRequest, "INVALID_REQUEST"},
	{recognition.ErrInvalidConsent, http.StatusBadRequest, "INVALID_REQUEST"},
	{recognition.ErrEquipmentMissing, http.StatusBadRequest, "INVALID_REQUEST"},
	{vision.ErrInvalidVector, http.StatusBadRequest, "INVALID_VECTOR"},

	{intake.ErrKeyNotOwned, http.StatusForbidden, "FORBIDDEN"},
	{intake.ErrUnsupportedContentType, http.StatusUnsupportedMediaType, "UNSUPPORTED_CONTENT_TYPE"},
	{intake.ErrEmptyUpload, http.StatusUnprocessableEntity, "EMPTY_UPLOAD"},
	{vision.ErrUnsupportedImage, http.StatusUnprocessableEntity, "UNSUPPORTED_IMAGE"},
	{promotion.ErrNotEligible, http.StatusUnprocessableEntity, "NOT_ELIGIBLE"},

	{promotion.ErrSuggestionResolved, http.StatusConflict, "ALREADY_RESOLVED"},
	{recognition.ErrAttemptClosed, http.StatusConflict, "ALREADY_RESOLVED"},
	{promotion.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{store.ErrDuplicateKey, http.StatusConflict, "DUPLICATE"},
	{worker.ErrAlreadyRunning, http.StatusConflict, "WORKER_BUSY"},
}

// writeServiceError maps a service error onto the response envelope. Unknown
// errors are logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			response.Error(w, m.status, m.code, err.Error(), nil)
			return
		}
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	response.Internal(w)
}

// uuidParam parses a chi path parameter, writing a 400 when it is malformed.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.BadRequest(w, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
