package handler

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/api/response"
	"github.com/kiranshivaraju/gymvision/internal/knn"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

type knnRequest struct {
	SourceID *uuid.UUID       `json:"source_id"`
	Vector   []float32        `json:"vector"`
	Model    *models.ModelRef `json:"model"`
	Scope    string           `json:"scope"`
	GymID    *uuid.UUID       `json:"gym_id"`
	Limit    int              `json:"limit"`
	MinScore *float64         `json:"min_score"`
}

// NewKNNSearchHandler returns POST /api/v1/knn/search. A zero limit uses
// defaultLimit; the engine clamps anything out of range.
func NewKNNSearchHandler(s knn.Searcher, defaultLimit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req knnRequest
		if !response.Decode(w, r, &req) {
			return
		}

		scope := knn.Scope(strings.ToUpper(req.Scope))
		if scope == "" {
			scope = knn.ScopeAuto
		}
		limit := req.Limit
		if limit == 0 {
			limit = defaultLimit
		}

		res, err := s.Search(r.Context(), knn.Query{
			SourceID: req.SourceID,
			Vector:   req.Vector,
			Model:    req.Model,
			Scope:    scope,
			GymID:    req.GymID,
			Limit:    limit,
			MinScore: req.MinScore,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, res)
	}
}
