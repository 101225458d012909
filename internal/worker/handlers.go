package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/gymvision/internal/blob"
	"github.com/kiranshivaraju/gymvision/internal/events"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/internal/vision"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/kiranshivaraju/gymvision/pkg/storagekey"
)

// Safety reason codes stored on quarantined images.
const (
	ReasonNSFW   = "NSFW"
	ReasonPerson = "PERSON"
)

// loadImage returns the job's image record, or nil for jobs that only carry a
// storage key.
func (w *Worker) loadImage(ctx context.Context, job *models.Job) (*models.Image, error) {
	if job.ImageID == nil {
		return nil, nil
	}
	img, err := w.deps.Store.GetImage(ctx, job.ImageScope, *job.ImageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, permanent(fmt.Errorf("image %s: %w", *job.ImageID, err))
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// fetch reads the job's bytes from the key recorded on the job, falling back
// to the image record when that object has already moved.
func (w *Worker) fetch(ctx context.Context, job *models.Job, img *models.Image) (string, []byte, error) {
	var key string
	switch {
	case job.StorageKey != nil && *job.StorageKey != "":
		key = *job.StorageKey
	case img != nil:
		key = img.StorageKey
	default:
		return "", nil, permanent(errors.New("job has neither image nor storage key"))
	}

	data, err := w.deps.Blobs.GetObjectBytes(ctx, key)
	if errors.Is(err, blob.ErrNotFound) && img != nil && img.StorageKey != key {
		key = img.StorageKey
		data, err = w.deps.Blobs.GetObjectBytes(ctx, key)
	}
	if err != nil {
		return "", nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return key, data, nil
}

// handleHash records the content hash. Gym candidates are renamed to their
// content-addressed path and continue to SAFETY unless the gym already holds
// the same bytes. Anything else is a hash backfill and stops here.
func (w *Worker) handleHash(ctx context.Context, job *models.Job) error {
	img, err := w.loadImage(ctx, job)
	if err != nil {
		return err
	}
	key, data, err := w.fetch(ctx, job, img)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])

	origin := key
	if job.StorageKey != nil && *job.StorageKey != "" {
		origin = *job.StorageKey
	}
	parsed, perr := storagekey.Parse(origin)
	candidate := perr == nil && storagekey.IsCandidateSource(parsed)

	if !candidate {
		if img != nil {
			if err := w.deps.Store.UpdateImageHash(ctx, job.ImageScope, img.ID, store.HashUpdate{
				SHA256: sha, ByteSize: int64(len(data)),
			}); err != nil {
				return err
			}
		}
		slog.Info("hash backfilled", "job_id", job.ID, "storage_key", key, "sha256", sha)
		return nil
	}

	if img != nil && img.GymID != nil {
		orig, err := w.deps.Store.GymImageBySHA(ctx, *img.GymID, sha, img.ID)
		switch {
		case err == nil:
			return w.dropDuplicate(ctx, job, img, key, orig, sha, int64(len(data)))
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("find duplicate: %w", err)
		}
	}

	dst := storagekey.Candidate(parsed.Owner, sha, parsed.Ext)
	if _, err := w.deps.Blobs.CopyObjectIfMissing(ctx, key, dst); err != nil {
		return fmt.Errorf("copy to content path: %w", err)
	}
	if img != nil {
		if err := w.deps.Store.UpdateImageHash(ctx, job.ImageScope, img.ID, store.HashUpdate{
			SHA256: sha, StorageKey: &dst, ByteSize: int64(len(data)),
		}); err != nil {
			return err
		}
	}
	if key != dst {
		if err := w.deps.Blobs.DeleteObjectIgnoreMissing(ctx, key); err != nil {
			return fmt.Errorf("delete original: %w", err)
		}
	}

	if err := w.enqueueNext(ctx, job, models.JobKindSafety, dst); err != nil {
		return err
	}
	events.Emit(ctx, w.deps.Events, events.Event{
		Type: events.ImageHashed, ImageID: job.ImageID, Scope: job.ImageScope, JobID: &job.ID, StorageKey: dst,
		Attrs: map[string]string{"sha256": sha},
	})
	return nil
}

// dropDuplicate rejects a gym upload whose bytes the gym already has. The
// record is linked to the original's object and the pipeline stops.
func (w *Worker) dropDuplicate(ctx context.Context, job *models.Job, img *models.Image, key string, orig *models.Image, sha string, size int64) error {
	linked := orig.StorageKey
	if err := w.deps.Store.MarkImageDuplicate(ctx, job.ImageScope, img.ID, store.HashUpdate{
		SHA256: sha, StorageKey: &linked, ByteSize: size,
	}); err != nil {
		return err
	}
	if key != linked {
		if err := w.deps.Blobs.DeleteObjectIgnoreMissing(ctx, key); err != nil {
			return fmt.Errorf("delete duplicate upload: %w", err)
		}
	}

	slog.Info("duplicate upload rejected", "job_id", job.ID, "image_id", img.ID, "duplicate_of", orig.ID, "sha256", sha)
	events.Emit(ctx, w.deps.Events, events.Event{
		Type: events.ImageRejected, ImageID: &img.ID, Scope: job.ImageScope, JobID: &job.ID, StorageKey: linked,
		Attrs: map[string]string{"sha256": sha, "duplicate_of": orig.ID.String()},
	})
	return nil
}

// handleSafety screens the image. A blocked image is quarantined and the
// pipeline stops; a safe one continues to EMBED.
func (w *Worker) handleSafety(ctx context.Context, job *models.Job) error {
	img, err := w.loadImage(ctx, job)
	if err != nil {
		return err
	}
	key, data, err := w.fetch(ctx, job, img)
	if err != nil {
		return err
	}

	res, err := w.deps.Safety.Check(ctx, data)
	if err != nil {
		if errors.Is(err, vision.ErrUnsupportedImage) {
			return permanent(err)
		}
		return fmt.Errorf("safety check: %w", err)
	}

	var reasons []string
	if res.NSFWScore > w.cfg.BlockThreshold {
		reasons = append(reasons, ReasonNSFW)
	}
	if res.HasPerson {
		reasons = append(reasons, ReasonPerson)
	}
	update := store.SafetyUpdate{
		NSFWScore:   res.NSFWScore,
		HasPerson:   res.HasPerson,
		PersonCount: res.PersonCount,
		PersonBoxes: res.PersonBoxes,
		Reasons:     reasons,
	}

	if len(reasons) == 0 {
		if img != nil {
			if err := w.deps.Store.MarkImageSafe(ctx, job.ImageScope, img.ID, update); err != nil {
				return err
			}
		}
		return w.enqueueNext(ctx, job, models.JobKindEmbed, key)
	}

	return w.quarantine(ctx, job, img, key, update)
}

func (w *Worker) quarantine(ctx context.Context, job *models.Job, img *models.Image, key string, update store.SafetyUpdate) error {
	log := slog.With("job_id", job.ID, "storage_key", key)

	dst := key
	if parsed, err := storagekey.Parse(key); err == nil {
		if q, ok := storagekey.QuarantineFor(parsed); ok {
			dst = q
		}
	}
	if dst == key {
		log.Warn("no quarantine path for key, object left in place")
	} else if err := blob.Move(ctx, w.deps.Blobs, key, dst); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}
	update.StorageKey = &dst

	if img != nil {
		if err := w.deps.Store.QuarantineImage(ctx, job.ImageScope, img.ID, update); err != nil {
			log.Warn("quarantine write failed, falling back to minimal update", "error", err)
			if ferr := w.deps.Store.QuarantineFallback(ctx, job.ImageScope, img.ID, dst, update.HasPerson); ferr != nil {
				return fmt.Errorf("quarantine image: %w", errors.Join(err, ferr))
			}
		}
	}

	log.Info("image quarantined", "nsfw_score", update.NSFWScore, "has_person", update.HasPerson,
		"reasons", update.Reasons)
	events.Emit(ctx, w.deps.Events, events.Event{
		Type: events.ImageQuarantined, ImageID: job.ImageID, Scope: job.ImageScope, JobID: &job.ID, StorageKey: dst,
	})
	return nil
}

// handleEmbed stores the image vector. Uploads from a trusted uploader at an
// auto-approving gym are approved in the same write.
func (w *Worker) handleEmbed(ctx context.Context, job *models.Job) error {
	img, err := w.loadImage(ctx, job)
	if err != nil {
		return err
	}
	if img == nil {
		return permanent(errors.New("EMBED job has no image"))
	}
	_, data, err := w.fetch(ctx, job, img)
	if err != nil {
		return err
	}

	raw, err := w.deps.Embedder.Embed(ctx, data)
	if err != nil {
		if errors.Is(err, vision.ErrUnsupportedImage) || errors.Is(err, vision.ErrInvalidVector) {
			return permanent(err)
		}
		return fmt.Errorf("embed: %w", err)
	}
	vec, err := vision.L2Normalize(raw, w.deps.Embedder.Dimension())
	if err != nil {
		return permanent(err)
	}

	approve := false
	if job.ImageScope == models.ImageScopeGym && img.GymID != nil && img.Status == models.ImageStatusPending {
		approve, err = w.deps.Store.CanAutoApprove(ctx, *img.GymID, img.UploaderID)
		if err != nil {
			return err
		}
	}

	var opts []store.EmbeddingOption
	if approve {
		opts = append(opts, store.WithApproval())
	}
	model := w.deps.Embedder.Model()
	if err := w.deps.Store.SaveEmbedding(ctx, job.ImageScope, img.ID, vec, model, opts...); err != nil {
		return err
	}

	events.Emit(ctx, w.deps.Events, events.Event{
		Type: events.ImageEmbedded, ImageID: &img.ID, Scope: job.ImageScope, JobID: &job.ID,
		Attrs: map[string]string{"model": model.String()},
	})
	if !approve {
		return nil
	}

	slog.Info("image auto-approved", "job_id", job.ID, "image_id", img.ID)
	events.Emit(ctx, w.deps.Events, events.Event{
		Type: events.ImageApproved, ImageID: &img.ID, Scope: job.ImageScope, JobID: &job.ID,
	})
	if w.deps.Suggester != nil {
		if _, err := w.deps.Suggester.MaybeSuggest(ctx, img.ID); err != nil {
			slog.Warn("global suggestion failed", "image_id", img.ID, "error", err)
		}
	}
	return nil
}
