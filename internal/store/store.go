package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface for image, suggestion and recognition
// records. Jobs live in the queue package; vector search lives in knn.
type Store interface {
	Ping(ctx context.Context) error

	ImageStore
	GymPolicyStore
	SuggestionStore
	RecognitionStore
}

type ImageStore interface {
	CreateImage(ctx context.Context, img *models.Image) error
	DeleteImage(ctx context.Context, scope models.ImageScope, id uuid.UUID) error
	GetImage(ctx context.Context, scope models.ImageScope, id uuid.UUID) (*models.Image, error)
	UpdateImageHash(ctx context.Context, scope models.ImageScope, id uuid.UUID, update HashUpdate) error
	MarkImageSafe(ctx context.Context, scope models.ImageScope, id uuid.UUID, update SafetyUpdate) error
	QuarantineImage(ctx context.Context, scope models.ImageScope, id uuid.UUID, update SafetyUpdate) error
	// QuarantineFallback is the narrow write used when QuarantineImage fails.
	// It sets status, storage key, is_safe=false and has_person only.
	QuarantineFallback(ctx context.Context, scope models.ImageScope, id uuid.UUID, storageKey string, hasPerson bool) error
	// MarkImageDuplicate records the hash of a re-uploaded image, points it at
	// the original's object and rejects it.
	MarkImageDuplicate(ctx context.Context, scope models.ImageScope, id uuid.UUID, update HashUpdate) error
	SetImageStatus(ctx context.Context, scope models.ImageScope, id uuid.UUID, status models.ImageStatus) error
	SaveEmbedding(ctx context.Context, scope models.ImageScope, id uuid.UUID, vec []float32, model models.ModelRef, opts ...EmbeddingOption) error

	// GymImageBySHA returns the oldest image in gymID with the given hash,
	// ignoring exclude.
	GymImageBySHA(ctx context.Context, gymID uuid.UUID, sha string, exclude uuid.UUID) (*models.Image, error)
	CountGlobalImages(ctx context.Context, equipmentID uuid.UUID) (int, error)
	GlobalImageBySHA(ctx context.Context, equipmentID uuid.UUID, sha string) (*models.Image, error)
	ListGlobalEmbeddings(ctx context.Context, equipmentID uuid.UUID, model models.ModelRef, limit int) ([]EmbeddingRow, error)
}

type GymPolicyStore interface {
	// CanAutoApprove reports whether gymID auto-approves uploads and the
	// uploader is on its trusted list. A nil uploader is never trusted.
	CanAutoApprove(ctx context.Context, gymID uuid.UUID, uploaderID *uuid.UUID) (bool, error)
}

type SuggestionStore interface {
	// UpsertSuggestion inserts or re-scores the suggestion keyed by SHA256 and
	// returns the stored row.
	UpsertSuggestion(ctx context.Context, s *models.GlobalImageSuggestion) (*models.GlobalImageSuggestion, error)
	GetSuggestion(ctx context.Context, id uuid.UUID) (*models.GlobalImageSuggestion, error)
	SetSuggestionStatus(ctx context.Context, id uuid.UUID, status models.SuggestionStatus) error
}

type RecognitionStore interface {
	CreateAttempt(ctx context.Context, a *models.RecognitionAttempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*models.RecognitionAttempt, error)
	ResolveAttempt(ctx context.Context, id uuid.UUID, resolution AttemptResolution) error
	CreateTrainingCandidate(ctx context.Context, c *models.TrainingCandidate) error
}

// HashUpdate is written by the HASH stage. StorageKey is set when the object
// moved to its content-addressed path.
type HashUpdate struct {
	SHA256     string
	StorageKey *string
	ByteSize   int64
}

// SafetyUpdate carries safety model output onto an image row. StorageKey is
// set when a quarantine moved the object.
type SafetyUpdate struct {
	NSFWScore   float64
	HasPerson   bool
	PersonCount int
	PersonBoxes []models.PersonBox
	Reasons     []string
	StorageKey  *string
}

// EmbeddingRow is one stored vector used for in-process similarity checks.
type EmbeddingRow struct {
	ID     uuid.UUID
	Vector []float32
}

// AttemptResolution closes an open recognition attempt.
type AttemptResolution struct {
	Status               models.AttemptStatus
	Consent              models.Consent
	ConfirmedEquipmentID *uuid.UUID
}

type embeddingParams struct {
	Approve bool
}

type EmbeddingOption func(*embeddingParams)

// WithApproval sets status APPROVED in the same statement that writes the vector.
func WithApproval() EmbeddingOption {
	return func(p *embeddingParams) {
		p.Approve = true
	}
}

// ApprovesEmbedding reports whether opts include WithApproval.
func ApprovesEmbedding(opts ...EmbeddingOption) bool {
	p := &embeddingParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p.Approve
}
