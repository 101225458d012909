// Package intake turns a finished client upload into a pending gym image and
// its first pipeline job.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/blob"
	"github.com/kiranshivaraju/gymvision/internal/queue"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/kiranshivaraju/gymvision/pkg/storagekey"
)

var (
	ErrUploadMissing          = errors.New("uploaded object not found")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrEmptyUpload            = errors.New("uploaded object is empty")
	ErrKeyNotOwned            = errors.New("storage key does not belong to gym")
)

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// UploadParams identify an object the client has already written.
type UploadParams struct {
	GymID       uuid.UUID  `json:"gym_id"`
	EquipmentID uuid.UUID  `json:"equipment_id"`
	UploaderID  *uuid.UUID `json:"uploader_id,omitempty"`
	StorageKey  string     `json:"storage_key"`
	Priority    int        `json:"priority"`
}

// Result is the created image and its HASH job.
type Result struct {
	Image *models.Image `json:"image"`
	Job   *models.Job   `json:"job"`
}

// Kicker starts the worker without waiting for it.
type Kicker func()

type Service struct {
	blobs  blob.Store
	images store.ImageStore
	queue  queue.Queue
	kick   Kicker
	now    func() time.Time
}

// NewService builds an intake service. kick may be nil.
func NewService(blobs blob.Store, images store.ImageStore, q queue.Queue, kick Kicker) *Service {
	return &Service{
		blobs:  blobs,
		images: images,
		queue:  q,
		kick:   kick,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FinalizeUpload validates the uploaded object, records a PENDING gym image,
// enqueues HASH and kicks the worker. Validation failures are returned to the
// caller and nothing is written; an enqueue failure removes the image again.
func (s *Service) FinalizeUpload(ctx context.Context, p UploadParams) (*Result, error) {
	key, err := storagekey.Parse(p.StorageKey)
	if err != nil {
		return nil, err
	}
	if key.Kind != storagekey.KindUpload && key.Kind != storagekey.KindCandidate {
		return nil, fmt.Errorf("%w: %s keys cannot be finalized", storagekey.ErrInvalidKey, key.Kind)
	}
	if key.Owner != p.GymID.String() {
		return nil, ErrKeyNotOwned
	}

	info, err := s.blobs.HeadObject(ctx, p.StorageKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrUploadMissing
	}
	if err != nil {
		return nil, fmt.Errorf("head object: %w", err)
	}
	ct, _, err := mime.ParseMediaType(info.ContentType)
	if err != nil || !allowedContentTypes[ct] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, info.ContentType)
	}
	if info.ContentLength <= 0 {
		return nil, ErrEmptyUpload
	}

	gymID := p.GymID
	size := info.ContentLength
	now := s.now()
	img := &models.Image{
		ID:          uuid.New(),
		Scope:       models.ImageScopeGym,
		EquipmentID: p.EquipmentID,
		GymID:       &gymID,
		UploaderID:  p.UploaderID,
		StorageKey:  p.StorageKey,
		Status:      models.ImageStatusPending,
		ByteSize:    &size,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.images.CreateImage(ctx, img); err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}

	storageKey := p.StorageKey
	job, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
		Kind:       models.JobKindHash,
		ImageID:    &img.ID,
		ImageScope: models.ImageScopeGym,
		StorageKey: &storageKey,
		Priority:   p.Priority,
	})
	if err != nil {
		// Without its HASH job the row would stay PENDING forever.
		if derr := s.images.DeleteImage(context.WithoutCancel(ctx), models.ImageScopeGym, img.ID); derr != nil {
			slog.Error("failed to remove image after enqueue error", "image_id", img.ID, "error", derr)
		}
		return nil, fmt.Errorf("enqueue hash: %w", err)
	}

	slog.Info("upload finalized", "image_id", img.ID, "job_id", job.ID, "gym_id", p.GymID,
		"storage_key", p.StorageKey, "bytes", size)
	if s.kick != nil {
		s.kick()
	}
	return &Result{Image: img, Job: job}, nil
}
