// Package memstore is an in-memory store.Store for tests and local runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

type imageKey struct {
	scope models.ImageScope
	id    uuid.UUID
}

// Store keeps every record in maps guarded by a single mutex. Hook fields let
// tests inject failures for individual operations.
type Store struct {
	mu          sync.Mutex
	images      map[imageKey]*models.Image
	suggestions map[uuid.UUID]*models.GlobalImageSuggestion
	attempts    map[uuid.UUID]*models.RecognitionAttempt
	candidates  map[uuid.UUID]*models.TrainingCandidate
	autoApprove map[uuid.UUID]bool
	trusted     map[uuid.UUID]map[uuid.UUID]bool

	QuarantineImageErr    func(id uuid.UUID) error
	QuarantineFallbackErr func(id uuid.UUID) error
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		images:      make(map[imageKey]*models.Image),
		suggestions: make(map[uuid.UUID]*models.GlobalImageSuggestion),
		attempts:    make(map[uuid.UUID]*models.RecognitionAttempt),
		candidates:  make(map[uuid.UUID]*models.TrainingCandidate),
		autoApprove: make(map[uuid.UUID]bool),
		trusted:     make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// SetGymPolicy configures auto-approval and the trusted uploader list for a gym.
func (s *Store) SetGymPolicy(gymID uuid.UUID, autoApprove bool, trusted ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoApprove[gymID] = autoApprove
	set := make(map[uuid.UUID]bool, len(trusted))
	for _, u := range trusted {
		set[u] = true
	}
	s.trusted[gymID] = set
}

// Suggestions returns a snapshot of all suggestion rows.
func (s *Store) Suggestions() []*models.GlobalImageSuggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.GlobalImageSuggestion, 0, len(s.suggestions))
	for _, sg := range s.suggestions {
		cp := *sg
		out = append(out, &cp)
	}
	return out
}

// TrainingCandidates returns a snapshot of all training candidate rows.
func (s *Store) TrainingCandidates() []*models.TrainingCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TrainingCandidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Images returns a snapshot of every image in scope.
func (s *Store) Images(scope models.ImageScope) []*models.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Image
	for k, img := range s.images {
		if k.scope == scope {
			out = append(out, copyImage(img))
		}
	}
	return out
}

func (s *Store) CreateImage(_ context.Context, img *models.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := imageKey{img.Scope, img.ID}
	if _, ok := s.images[k]; ok {
		return store.ErrDuplicateKey
	}
	if img.Scope == models.ImageScopeGlobal && img.SHA256 != nil {
		for ik, other := range s.images {
			if ik.scope == models.ImageScopeGlobal && other.EquipmentID == img.EquipmentID &&
				other.SHA256 != nil && *other.SHA256 == *img.SHA256 {
				return store.ErrDuplicateKey
			}
		}
	}
	cp := copyImage(img)
	if cp.Status == "" {
		cp.Status = models.ImageStatusPending
	}
	s.images[k] = cp
	return nil
}

func (s *Store) DeleteImage(_ context.Context, scope models.ImageScope, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := imageKey{scope, id}
	if _, ok := s.images[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.images, k)
	return nil
}

func (s *Store) GetImage(_ context.Context, scope models.ImageScope, id uuid.UUID) (*models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageKey{scope, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyImage(img), nil
}

func (s *Store) UpdateImageHash(_ context.Context, scope models.ImageScope, id uuid.UUID, u store.HashUpdate) error {
	return s.mutate(scope, id, func(img *models.Image) {
		sha := u.SHA256
		size := u.ByteSize
		img.SHA256 = &sha
		img.ByteSize = &size
		if u.StorageKey != nil {
			img.StorageKey = *u.StorageKey
		}
	})
}

func (s *Store) MarkImageSafe(_ context.Context, scope models.ImageScope, id uuid.UUID, u store.SafetyUpdate) error {
	return s.mutate(scope, id, func(img *models.Image) {
		applySafety(img, u, true)
	})
}

func (s *Store) QuarantineImage(_ context.Context, scope models.ImageScope, id uuid.UUID, u store.SafetyUpdate) error {
	if s.QuarantineImageErr != nil {
		if err := s.QuarantineImageErr(id); err != nil {
			return err
		}
	}
	return s.mutate(scope, id, func(img *models.Image) {
		applySafety(img, u, false)
		img.Status = models.ImageStatusQuarantined
		if u.StorageKey != nil {
			img.StorageKey = *u.StorageKey
		}
	})
}

func (s *Store) QuarantineFallback(_ context.Context, scope models.ImageScope, id uuid.UUID, storageKey string, hasPerson bool) error {
	if s.QuarantineFallbackErr != nil {
		if err := s.QuarantineFallbackErr(id); err != nil {
			return err
		}
	}
	return s.mutate(scope, id, func(img *models.Image) {
		safe := false
		person := hasPerson
		img.Status = models.ImageStatusQuarantined
		img.StorageKey = storageKey
		img.IsSafe = &safe
		img.HasPerson = &person
	})
}

func (s *Store) MarkImageDuplicate(_ context.Context, scope models.ImageScope, id uuid.UUID, u store.HashUpdate) error {
	return s.mutate(scope, id, func(img *models.Image) {
		sha := u.SHA256
		size := u.ByteSize
		img.SHA256 = &sha
		img.ByteSize = &size
		if u.StorageKey != nil {
			img.StorageKey = *u.StorageKey
		}
		img.Status = models.ImageStatusRejected
	})
}

func (s *Store) SetImageStatus(_ context.Context, scope models.ImageScope, id uuid.UUID, status models.ImageStatus) error {
	return s.mutate(scope, id, func(img *models.Image) {
		img.Status = status
	})
}

func (s *Store) SaveEmbedding(_ context.Context, scope models.ImageScope, id uuid.UUID, vec []float32, model models.ModelRef, opts ...store.EmbeddingOption) error {
	approve := store.ApprovesEmbedding(opts...)
	return s.mutate(scope, id, func(img *models.Image) {
		img.Embedding = append([]float32(nil), vec...)
		m := model
		img.Model = &m
		if approve {
			img.Status = models.ImageStatusApproved
		}
	})
}

func (s *Store) GymImageBySHA(_ context.Context, gymID uuid.UUID, sha string, exclude uuid.UUID) (*models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Image
	for k, img := range s.images {
		if k.scope != models.ImageScopeGym || img.ID == exclude || img.GymID == nil || *img.GymID != gymID {
			continue
		}
		if img.SHA256 == nil || *img.SHA256 != sha {
			continue
		}
		if found == nil || img.CreatedAt.Before(found.CreatedAt) {
			found = img
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return copyImage(found), nil
}

func (s *Store) CountGlobalImages(_ context.Context, equipmentID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, img := range s.images {
		if k.scope == models.ImageScopeGlobal && img.EquipmentID == equipmentID && img.Status == models.ImageStatusApproved {
			n++
		}
	}
	return n, nil
}

func (s *Store) GlobalImageBySHA(_ context.Context, equipmentID uuid.UUID, sha string) (*models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, img := range s.images {
		if k.scope == models.ImageScopeGlobal && img.EquipmentID == equipmentID && img.SHA256 != nil && *img.SHA256 == sha {
			return copyImage(img), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListGlobalEmbeddings(_ context.Context, equipmentID uuid.UUID, model models.ModelRef, limit int) ([]store.EmbeddingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var imgs []*models.Image
	for k, img := range s.images {
		if k.scope != models.ImageScopeGlobal || img.EquipmentID != equipmentID || img.Status != models.ImageStatusApproved {
			continue
		}
		if !img.HasEmbedding() || *img.Model != model {
			continue
		}
		imgs = append(imgs, img)
	}
	sort.Slice(imgs, func(i, j int) bool { return imgs[i].CreatedAt.After(imgs[j].CreatedAt) })
	if len(imgs) > limit {
		imgs = imgs[:limit]
	}
	out := make([]store.EmbeddingRow, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, store.EmbeddingRow{ID: img.ID, Vector: append([]float32(nil), img.Embedding...)})
	}
	return out, nil
}

func (s *Store) CanAutoApprove(_ context.Context, gymID uuid.UUID, uploaderID *uuid.UUID) (bool, error) {
	if uploaderID == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoApprove[gymID] && s.trusted[gymID][*uploaderID], nil
}

func (s *Store) UpsertSuggestion(_ context.Context, sg *models.GlobalImageSuggestion) (*models.GlobalImageSuggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.suggestions {
		if existing.SHA256 == sg.SHA256 {
			existing.UsefulnessScore = sg.UsefulnessScore
			existing.ReasonCodes = append([]string(nil), sg.ReasonCodes...)
			existing.NearDupImageID = sg.NearDupImageID
			existing.NearDupScore = sg.NearDupScore
			existing.StorageKey = sg.StorageKey
			existing.UpdatedAt = time.Now().UTC()
			cp := *existing
			return &cp, nil
		}
	}
	cp := *sg
	s.suggestions[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetSuggestion(_ context.Context, id uuid.UUID) (*models.GlobalImageSuggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sg
	return &cp, nil
}

func (s *Store) SetSuggestionStatus(_ context.Context, id uuid.UUID, status models.SuggestionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.suggestions[id]
	if !ok {
		return store.ErrNotFound
	}
	sg.Status = status
	sg.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateAttempt(_ context.Context, a *models.RecognitionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

func (s *Store) GetAttempt(_ context.Context, id uuid.UUID) (*models.RecognitionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ResolveAttempt(_ context.Context, id uuid.UUID, res store.AttemptResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok || a.Status != models.AttemptStatusOpen {
		return store.ErrNotFound
	}
	a.Status = res.Status
	a.Consent = res.Consent
	a.ConfirmedEquipmentID = res.ConfirmedEquipmentID
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateTrainingCandidate(_ context.Context, c *models.TrainingCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.candidates {
		if existing.AttemptID == c.AttemptID {
			return store.ErrDuplicateKey
		}
	}
	cp := *c
	s.candidates[c.ID] = &cp
	return nil
}

func (s *Store) mutate(scope models.ImageScope, id uuid.UUID, fn func(*models.Image)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageKey{scope, id}]
	if !ok {
		return store.ErrNotFound
	}
	fn(img)
	img.UpdatedAt = time.Now().UTC()
	return nil
}

func applySafety(img *models.Image, u store.SafetyUpdate, safe bool) {
	score := u.NSFWScore
	person := u.HasPerson
	img.IsSafe = &safe
	img.NSFWScore = &score
	img.HasPerson = &person
	img.PersonCount = u.PersonCount
	img.PersonBoxes = append([]models.PersonBox(nil), u.PersonBoxes...)
	img.SafetyReasons = append([]string(nil), u.Reasons...)
}

func copyImage(img *models.Image) *models.Image {
	cp := *img
	cp.Embedding = append([]float32(nil), img.Embedding...)
	if img.Model != nil {
		m := *img.Model
		cp.Model = &m
	}
	if len(img.Embedding) == 0 {
		cp.Embedding = nil
	}
	return &cp
}
