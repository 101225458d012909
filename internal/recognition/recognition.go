// Package recognition answers "which equipment is this photo?" against the
// catalog and records every attempt for later confirmation.
package recognition

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/blob"
	"github.com/kiranshivaraju/gymvision/internal/config"
	"github.com/kiranshivaraju/gymvision/internal/events"
	"github.com/kiranshivaraju/gymvision/internal/knn"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/internal/vision"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

var (
	ErrImageMissing     = errors.New("recognition image not found")
	ErrAttemptNotFound  = errors.New("recognition attempt not found")
	ErrAttemptClosed    = errors.New("recognition attempt already resolved")
	ErrInvalidConsent   = errors.New("invalid consent value")
	ErrEquipmentMissing = errors.New("equipment id is required")
)

const candidateStatusPending = "PENDING"

// Result is a recorded attempt together with the neighbours that decided it.
type Result struct {
	Attempt    *models.RecognitionAttempt `json:"attempt"`
	Scope      knn.Scope                  `json:"scope"`
	Candidates []knn.Neighbor             `json:"candidates"`
}

type Service struct {
	blobs    blob.Store
	embedder models.Embedder
	searcher knn.Searcher
	store    store.RecognitionStore
	events   events.Publisher
	cfg      config.RecognitionConfig
	now      func() time.Time
}

func NewService(blobs blob.Store, embedder models.Embedder, searcher knn.Searcher, st store.RecognitionStore,
	pub events.Publisher, cfg config.RecognitionConfig) *Service {
	if pub == nil {
		pub = events.Noop{}
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = 5
	}
	return &Service{
		blobs:    blobs,
		embedder: embedder,
		searcher: searcher,
		store:    st,
		events:   pub,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Recognize embeds the photo at storageKey, searches the catalog with AUTO
// scope and records an OPEN attempt carrying the decision.
func (s *Service) Recognize(ctx context.Context, gymID uuid.UUID, storageKey string) (*Result, error) {
	data, err := s.blobs.GetObjectBytes(ctx, storageKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrImageMissing, storageKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}

	raw, err := s.embedder.Embed(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	vec, err := vision.L2Normalize(raw, s.embedder.Dimension())
	if err != nil {
		return nil, err
	}

	model := s.embedder.Model()
	res, err := s.searcher.Search(ctx, knn.Query{
		Vector: vec,
		Model:  &model,
		Scope:  knn.ScopeAuto,
		GymID:  &gymID,
		Limit:  s.cfg.Candidates,
	})
	if err != nil {
		return nil, fmt.Errorf("knn search: %w", err)
	}

	decision, best := Decide(res, s.cfg)
	now := s.now()
	attempt := &models.RecognitionAttempt{
		ID:         uuid.New(),
		GymID:      gymID,
		StorageKey: storageKey,
		VectorHash: VectorHash(vec),
		Decision:   decision,
		Consent:    models.ConsentUnknown,
		Status:     models.AttemptStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if best != nil {
		equip, score := best.EquipmentID, best.Score
		attempt.BestEquipmentID = &equip
		attempt.BestScore = &score
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	slog.Info("recognition recorded", "attempt_id", attempt.ID, "gym_id", gymID,
		"decision", decision, "scope", res.Scope, "candidates", len(res.Neighbors))
	attrs := map[string]string{"decision": string(decision), "scope": string(res.Scope)}
	if attempt.BestScore != nil {
		attrs["best_score"] = strconv.FormatFloat(*attempt.BestScore, 'f', 4, 64)
	}
	events.Emit(ctx, s.events, events.Event{
		Type:       events.RecognitionRecorded,
		StorageKey: storageKey,
		Attrs:      attrs,
	})

	return &Result{Attempt: attempt, Scope: res.Scope, Candidates: res.Neighbors}, nil
}

// Decide maps a search result to a decision. Accept thresholds apply to the
// catalog that produced the result; any neighbour above the select floor
// lets the user pick from the list.
func Decide(res *knn.Result, cfg config.RecognitionConfig) (models.RecognitionDecision, *knn.Neighbor) {
	top, ok := res.Top()
	if !ok {
		return models.DecisionRetake, nil
	}
	switch {
	case res.Scope == knn.ScopeGlobal && top.Score >= cfg.GlobalAccept:
		return models.DecisionGlobalAccept, &top
	case res.Scope == knn.ScopeGym && top.Score >= cfg.GymAccept:
		return models.DecisionGymAccept, &top
	case top.Score >= cfg.SelectFloor:
		return models.DecisionGymSelect, &top
	default:
		return models.DecisionRetake, &top
	}
}

// VectorHash is the hex SHA-256 of the vector's little-endian float32 bytes.
func VectorHash(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Confirm closes an attempt with the equipment the user chose. Granted
// consent also queues the photo as a training candidate.
func (s *Service) Confirm(ctx context.Context, attemptID, equipmentID uuid.UUID, consent models.Consent) (*models.RecognitionAttempt, error) {
	if equipmentID == uuid.Nil {
		return nil, ErrEquipmentMissing
	}
	switch consent {
	case models.ConsentGranted, models.ConsentDenied, models.ConsentUnknown:
	case "":
		consent = models.ConsentUnknown
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidConsent, consent)
	}

	attempt, err := s.openAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, attemptID, store.AttemptResolution{
		Status:               models.AttemptStatusConfirmed,
		Consent:              consent,
		ConfirmedEquipmentID: &equipmentID,
	}); err != nil {
		return nil, err
	}
	attempt.Status = models.AttemptStatusConfirmed
	attempt.Consent = consent
	attempt.ConfirmedEquipmentID = &equipmentID
	attempt.UpdatedAt = s.now()

	if consent == models.ConsentGranted {
		c := &models.TrainingCandidate{
			ID:          uuid.New(),
			AttemptID:   attemptID,
			GymID:       attempt.GymID,
			EquipmentID: equipmentID,
			StorageKey:  attempt.StorageKey,
			Status:      candidateStatusPending,
			CreatedAt:   s.now(),
		}
		if err := s.store.CreateTrainingCandidate(ctx, c); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("create training candidate: %w", err)
		}
		slog.Info("training candidate created", "attempt_id", attemptID, "equipment_id", equipmentID)
	}
	return attempt, nil
}

// Discard closes an attempt without a result.
func (s *Service) Discard(ctx context.Context, attemptID uuid.UUID) (*models.RecognitionAttempt, error) {
	attempt, err := s.openAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, attemptID, store.AttemptResolution{
		Status:  models.AttemptStatusDiscarded,
		Consent: attempt.Consent,
	}); err != nil {
		return nil, err
	}
	attempt.Status = models.AttemptStatusDiscarded
	attempt.UpdatedAt = s.now()
	return attempt, nil
}

func (s *Service) openAttempt(ctx context.Context, id uuid.UUID) (*models.RecognitionAttempt, error) {
	attempt, err := s.store.GetAttempt(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	if attempt.Status != models.AttemptStatusOpen {
		return nil, ErrAttemptClosed
	}
	return attempt, nil
}

// resolve treats a lost race with another resolver as a closed attempt.
func (s *Service) resolve(ctx context.Context, id uuid.UUID, r store.AttemptResolution) error {
	err := s.store.ResolveAttempt(ctx, id, r)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAttemptClosed
	}
	return err
}
