// Package promotion moves approved gym images into the global catalog, either
// directly or through scored suggestions, and applies moderation decisions to
// gym images.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/vecgo/distance"
	"github.com/kiranshivaraju/gymvision/internal/blob"
	"github.com/kiranshivaraju/gymvision/internal/events"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/kiranshivaraju/gymvision/pkg/storagekey"
)

var (
	ErrNotEligible        = errors.New("image is not eligible for promotion")
	ErrSuggestionResolved = errors.New("suggestion already resolved")
	ErrInvalidTransition  = errors.New("invalid moderation transition")
)

// Skip names why MaybeSuggest declined to create a suggestion.
type Skip string

const (
	SkipNone      Skip = ""
	SkipNoHash    Skip = "NO_HASH"
	SkipNoVector  Skip = "NO_VECTOR"
	SkipDuplicate Skip = "DUPLICATE"
	SkipCoverage  Skip = "AMPLE_COVERAGE"
)

// Outcome is the result of MaybeSuggest. Exactly one of Suggestion and
// Skipped is set.
type Outcome struct {
	Suggestion *models.GlobalImageSuggestion
	Skipped    Skip
}

// Store is the subset of store.Store the workflow needs.
type Store interface {
	store.ImageStore
	store.SuggestionStore
}

type Service struct {
	store  Store
	blobs  blob.Store
	events events.Publisher
	now    func() time.Time
}

func NewService(st Store, blobs blob.Store, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{
		store:  st,
		blobs:  blobs,
		events: pub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// MaybeSuggest scores an approved, safety-passed gym image as a candidate for
// the global catalog. Calling it again for the same content re-scores the
// existing suggestion instead of adding another.
func (s *Service) MaybeSuggest(ctx context.Context, gymImageID uuid.UUID) (Outcome, error) {
	img, err := s.store.GetImage(ctx, models.ImageScopeGym, gymImageID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get gym image: %w", err)
	}
	if err := checkPromotable(img); err != nil {
		return Outcome{}, err
	}
	if img.SHA256 == nil || *img.SHA256 == "" {
		return Outcome{Skipped: SkipNoHash}, nil
	}
	if !img.HasEmbedding() {
		return Outcome{Skipped: SkipNoVector}, nil
	}
	sha := *img.SHA256

	if _, err := s.store.GlobalImageBySHA(ctx, img.EquipmentID, sha); err == nil {
		return Outcome{Skipped: SkipDuplicate}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, fmt.Errorf("check global duplicate: %w", err)
	}

	count, err := s.store.CountGlobalImages(ctx, img.EquipmentID)
	if err != nil {
		return Outcome{}, err
	}
	if count >= AmpleCoverage {
		return Outcome{Skipped: SkipCoverage}, nil
	}

	key, err := storagekey.Parse(img.StorageKey)
	if err != nil {
		return Outcome{}, err
	}
	staging := storagekey.Staging(img.EquipmentID.String(), sha, key.Ext)
	if _, err := s.blobs.CopyObjectIfMissing(ctx, img.StorageKey, staging); err != nil {
		return Outcome{}, fmt.Errorf("stage candidate: %w", err)
	}

	nearID, nearScore, err := s.nearestDuplicate(ctx, img)
	if err != nil {
		return Outcome{}, err
	}
	hiRes, err := s.isHiRes(ctx, img)
	if err != nil {
		return Outcome{}, err
	}

	score, reasons := Usefulness(Signals{GlobalCount: count, HiRes: hiRes, NearDupScore: nearScore})
	now := s.now()
	sg, err := s.store.UpsertSuggestion(ctx, &models.GlobalImageSuggestion{
		ID:              uuid.New(),
		EquipmentID:     img.EquipmentID,
		GymImageID:      img.ID,
		StorageKey:      staging,
		SHA256:          sha,
		UsefulnessScore: score,
		ReasonCodes:     reasons,
		NearDupImageID:  nearID,
		NearDupScore:    nearScore,
		Status:          models.SuggestionStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return Outcome{}, err
	}

	slog.Info("global suggestion scored", "suggestion_id", sg.ID, "image_id", img.ID,
		"score", score, "reasons", reasons)
	events.Emit(ctx, s.events, events.Event{
		Type: events.SuggestionCreated, ImageID: &img.ID, Scope: models.ImageScopeGym, StorageKey: staging,
		Attrs: map[string]string{"suggestion_id": sg.ID.String()},
	})
	return Outcome{Suggestion: sg}, nil
}

// nearestDuplicate compares img against recent global embeddings of the same
// equipment and model. Vectors are unit length so the dot product is the
// cosine similarity.
func (s *Service) nearestDuplicate(ctx context.Context, img *models.Image) (*uuid.UUID, *float64, error) {
	rows, err := s.store.ListGlobalEmbeddings(ctx, img.EquipmentID, *img.Model, MaxCompared)
	if err != nil {
		return nil, nil, err
	}
	var (
		bestID    *uuid.UUID
		bestScore *float64
	)
	for _, r := range rows {
		if len(r.Vector) != len(img.Embedding) {
			continue
		}
		sim := float64(distance.Dot(img.Embedding, r.Vector))
		if bestScore == nil || sim > *bestScore {
			id := r.ID
			bestID, bestScore = &id, &sim
		}
	}
	return bestID, bestScore, nil
}

func (s *Service) isHiRes(ctx context.Context, img *models.Image) (bool, error) {
	if img.ByteSize != nil {
		return *img.ByteSize >= HiResBytes, nil
	}
	info, err := s.blobs.HeadObject(ctx, img.StorageKey)
	if err != nil {
		return false, fmt.Errorf("head candidate: %w", err)
	}
	return info.ContentLength >= HiResBytes, nil
}

// ApproveSuggestion promotes the suggested image. When the catalog already
// holds the same content the existing global image is returned.
func (s *Service) ApproveSuggestion(ctx context.Context, suggestionID uuid.UUID) (*models.Image, error) {
	sg, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	if sg.Status != models.SuggestionStatusPending {
		return nil, fmt.Errorf("%w: %s", ErrSuggestionResolved, sg.Status)
	}

	src, err := s.store.GetImage(ctx, models.ImageScopeGym, sg.GymImageID)
	if err != nil {
		return nil, fmt.Errorf("get suggested gym image: %w", err)
	}
	global, err := s.promote(ctx, src, sg.StorageKey)
	if err != nil {
		return nil, err
	}

	if err := s.store.SetSuggestionStatus(ctx, sg.ID, models.SuggestionStatusApproved); err != nil {
		return nil, err
	}
	if err := s.blobs.DeleteObjectIgnoreMissing(ctx, sg.StorageKey); err != nil {
		slog.Warn("failed to remove staged suggestion", "suggestion_id", sg.ID, "error", err)
	}
	events.Emit(ctx, s.events, events.Event{
		Type: events.SuggestionResolved, ImageID: &global.ID, Scope: models.ImageScopeGlobal,
		Attrs: map[string]string{"suggestion_id": sg.ID.String(), "status": string(models.SuggestionStatusApproved)},
	})
	return global, nil
}

// RejectSuggestion closes the suggestion and removes its staged copy.
func (s *Service) RejectSuggestion(ctx context.Context, suggestionID uuid.UUID) error {
	sg, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return err
	}
	if sg.Status != models.SuggestionStatusPending {
		return fmt.Errorf("%w: %s", ErrSuggestionResolved, sg.Status)
	}
	if err := s.store.SetSuggestionStatus(ctx, sg.ID, models.SuggestionStatusRejected); err != nil {
		return err
	}
	if err := s.blobs.DeleteObjectIgnoreMissing(ctx, sg.StorageKey); err != nil {
		return fmt.Errorf("remove staged suggestion: %w", err)
	}
	events.Emit(ctx, s.events, events.Event{
		Type:  events.SuggestionResolved,
		Attrs: map[string]string{"suggestion_id": sg.ID.String(), "status": string(models.SuggestionStatusRejected)},
	})
	return nil
}

// PromoteGymImage copies an approved gym image straight into the global
// catalog without a suggestion.
func (s *Service) PromoteGymImage(ctx context.Context, gymImageID uuid.UUID) (*models.Image, error) {
	img, err := s.store.GetImage(ctx, models.ImageScopeGym, gymImageID)
	if err != nil {
		return nil, fmt.Errorf("get gym image: %w", err)
	}
	return s.promote(ctx, img, img.StorageKey)
}

// promote writes src into the global catalog, copying the object from srcKey
// to its golden path. Content already in the catalog is not copied twice.
func (s *Service) promote(ctx context.Context, src *models.Image, srcKey string) (*models.Image, error) {
	if err := checkPromotable(src); err != nil {
		return nil, err
	}
	if src.SHA256 == nil || !src.HasEmbedding() {
		return nil, fmt.Errorf("%w: image %s has no hash or embedding", ErrNotEligible, src.ID)
	}
	sha := *src.SHA256

	existing, err := s.store.GlobalImageBySHA(ctx, src.EquipmentID, sha)
	if err == nil {
		slog.Info("promotion deduplicated by hash", "image_id", src.ID, "global_image_id", existing.ID)
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check global duplicate: %w", err)
	}

	key, err := storagekey.Parse(srcKey)
	if err != nil {
		return nil, err
	}
	golden := storagekey.Golden(src.EquipmentID.String(), sha, key.Ext)
	if _, err := s.blobs.CopyObjectIfMissing(ctx, srcKey, golden); err != nil {
		return nil, fmt.Errorf("copy to golden path: %w", err)
	}

	now := s.now()
	safe := true
	model := *src.Model
	global := &models.Image{
		ID:          uuid.New(),
		Scope:       models.ImageScopeGlobal,
		EquipmentID: src.EquipmentID,
		StorageKey:  golden,
		SHA256:      &sha,
		Status:      models.ImageStatusApproved,
		Embedding:   append([]float32(nil), src.Embedding...),
		Model:       &model,
		IsSafe:      &safe,
		NSFWScore:   src.NSFWScore,
		HasPerson:   src.HasPerson,
		ByteSize:    src.ByteSize,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateImage(ctx, global); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a race with a concurrent promotion of the same content.
			if existing, lookupErr := s.store.GlobalImageBySHA(ctx, src.EquipmentID, sha); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create global image: %w", err)
	}

	slog.Info("gym image promoted", "image_id", src.ID, "global_image_id", global.ID, "storage_key", golden)
	events.Emit(ctx, s.events, events.Event{
		Type: events.ImagePromoted, ImageID: &global.ID, Scope: models.ImageScopeGlobal, StorageKey: golden,
		Attrs: map[string]string{"gym_image_id": src.ID.String()},
	})
	return global, nil
}

func checkPromotable(img *models.Image) error {
	if img.Status != models.ImageStatusApproved {
		return fmt.Errorf("%w: status %s", ErrNotEligible, img.Status)
	}
	if img.IsSafe == nil || !*img.IsSafe {
		return fmt.Errorf("%w: image has not passed safety", ErrNotEligible)
	}
	return nil
}

// --- Moderation ---

// Approve marks a pending or quarantined gym image as approved.
func (s *Service) Approve(ctx context.Context, gymImageID uuid.UUID) error {
	img, err := s.store.GetImage(ctx, models.ImageScopeGym, gymImageID)
	if err != nil {
		return err
	}
	switch img.Status {
	case models.ImageStatusPending, models.ImageStatusQuarantined:
	case models.ImageStatusApproved:
		return nil
	default:
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, img.Status, models.ImageStatusApproved)
	}
	if err := s.store.SetImageStatus(ctx, models.ImageScopeGym, img.ID, models.ImageStatusApproved); err != nil {
		return err
	}
	events.Emit(ctx, s.events, events.Event{Type: events.ImageApproved, ImageID: &img.ID, Scope: models.ImageScopeGym})
	return nil
}

// Reject marks a gym image as rejected. Rejection is final.
func (s *Service) Reject(ctx context.Context, gymImageID uuid.UUID) error {
	img, err := s.store.GetImage(ctx, models.ImageScopeGym, gymImageID)
	if err != nil {
		return err
	}
	if img.Status == models.ImageStatusRejected {
		return nil
	}
	if err := s.store.SetImageStatus(ctx, models.ImageScopeGym, img.ID, models.ImageStatusRejected); err != nil {
		return err
	}
	events.Emit(ctx, s.events, events.Event{Type: events.ImageRejected, ImageID: &img.ID, Scope: models.ImageScopeGym})
	return nil
}

// Quarantine moves a gym image's object to its quarantine path and records
// the moderator's reason.
func (s *Service) Quarantine(ctx context.Context, gymImageID uuid.UUID, reason string) error {
	img, err := s.store.GetImage(ctx, models.ImageScopeGym, gymImageID)
	if err != nil {
		return err
	}
	if img.Status == models.ImageStatusQuarantined {
		return nil
	}
	key, err := storagekey.Parse(img.StorageKey)
	if err != nil {
		return err
	}
	dst, ok := storagekey.QuarantineFor(key)
	if !ok {
		return fmt.Errorf("%w: %s cannot be quarantined", ErrInvalidTransition, img.StorageKey)
	}
	if err := blob.Move(ctx, s.blobs, img.StorageKey, dst); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	update := store.SafetyUpdate{Reasons: []string{reason}, StorageKey: &dst}
	if img.NSFWScore != nil {
		update.NSFWScore = *img.NSFWScore
	}
	if img.HasPerson != nil {
		update.HasPerson = *img.HasPerson
	}
	update.PersonCount = img.PersonCount
	update.PersonBoxes = img.PersonBoxes
	if err := s.store.QuarantineImage(ctx, models.ImageScopeGym, img.ID, update); err != nil {
		return err
	}
	events.Emit(ctx, s.events, events.Event{
		Type: events.ImageQuarantined, ImageID: &img.ID, Scope: models.ImageScopeGym, StorageKey: dst,
		Attrs: map[string]string{"reason": reason},
	})
	return nil
}
