package intake_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/blob"
	"github.com/kiranshivaraju/gymvision/internal/intake"
	"github.com/kiranshivaraju/gymvision/internal/queue"
	"github.com/kiranshivaraju/gymvision/internal/store/memstore"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/kiranshivaraju/gymvision/pkg/storagekey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	blobs   *blob.Memory
	store   *memstore.Store
	queue   *queue.Memory
	kicks   int
	svc     *intake.Service
	gymID   uuid.UUID
	equipID uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		blobs:   blob.NewMemory(),
		store:   memstore.New(),
		queue:   queue.NewMemory(),
		gymID:   uuid.New(),
		equipID: uuid.New(),
	}
	f.svc = intake.NewService(f.blobs, f.store, f.queue, func() { f.kicks++ })
	return f
}

func (f *fixture) uploadKey(ext string) string {
	return fmt.Sprintf("private/uploads/%s/2024/03/%s.%s", f.gymID, uuid.New(), ext)
}

func (f *fixture) params(key string) intake.UploadParams {
	return intake.UploadParams{GymID: f.gymID, EquipmentID: f.equipID, StorageKey: key, Priority: 3}
}

func TestFinalizeUpload_CreatesImageAndHashJob(t *testing.T) {
	f := newFixture()
	key := f.uploadKey("jpg")
	f.blobs.Put(key, []byte{0xff, 0xd8, 0xff, 0xe0}, "image/jpeg")
	uploader := uuid.New()
	p := f.params(key)
	p.UploaderID = &uploader

	res, err := f.svc.FinalizeUpload(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, models.ImageStatusPending, res.Image.Status)
	assert.Equal(t, models.ImageScopeGym, res.Image.Scope)
	assert.Equal(t, f.gymID, *res.Image.GymID)
	assert.Equal(t, uploader, *res.Image.UploaderID)
	require.NotNil(t, res.Image.ByteSize)
	assert.EqualValues(t, 4, *res.Image.ByteSize)

	stored := f.store.Images(models.ImageScopeGym)
	require.Len(t, stored, 1)
	assert.Equal(t, res.Image.ID, stored[0].ID)

	jobs := f.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobKindHash, jobs[0].Kind)
	assert.Equal(t, res.Image.ID, *jobs[0].ImageID)
	assert.Equal(t, key, *jobs[0].StorageKey)
	assert.Equal(t, 3, jobs[0].Priority)
	assert.Equal(t, 1, f.kicks)
}

func TestFinalizeUpload_AcceptsContentTypeParameters(t *testing.T) {
	f := newFixture()
	key := f.uploadKey("png")
	f.blobs.Put(key, []byte("png-bytes"), "image/png; charset=binary")

	_, err := f.svc.FinalizeUpload(context.Background(), f.params(key))
	require.NoError(t, err)
}

func TestFinalizeUpload_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture) string
		want  error
	}{
		{
			name:  "missing object",
			setup: func(f *fixture) string { return f.uploadKey("jpg") },
			want:  intake.ErrUploadMissing,
		},
		{
			name: "wrong content type",
			setup: func(f *fixture) string {
				key := f.uploadKey("jpg")
				f.blobs.Put(key, []byte("GIF89a"), "image/gif")
				return key
			},
			want: intake.ErrUnsupportedContentType,
		},
		{
			name: "empty object",
			setup: func(f *fixture) string {
				key := f.uploadKey("webp")
				f.blobs.Put(key, nil, "image/webp")
				return key
			},
			want: intake.ErrEmptyUpload,
		},
		{
			name:  "malformed key",
			setup: func(f *fixture) string { return "private/uploads/../etc/passwd" },
			want:  storagekey.ErrInvalidKey,
		},
		{
			name: "golden key",
			setup: func(f *fixture) string {
				key := storagekey.Golden(f.equipID.String(), "abc", "jpg")
				f.blobs.Put(key, []byte{1}, "image/jpeg")
				return key
			},
			want: storagekey.ErrInvalidKey,
		},
		{
			name: "another gym's key",
			setup: func(f *fixture) string {
				key := fmt.Sprintf("private/uploads/%s/2024/03/%s.jpg", uuid.New(), uuid.New())
				f.blobs.Put(key, []byte{1}, "image/jpeg")
				return key
			},
			want: intake.ErrKeyNotOwned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			key := tt.setup(f)

			_, err := f.svc.FinalizeUpload(context.Background(), f.params(key))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			assert.Empty(t, f.store.Images(models.ImageScopeGym))
			assert.Empty(t, f.queue.Jobs())
			assert.Zero(t, f.kicks)
		})
	}
}

func TestFinalizeUpload_CandidateKey(t *testing.T) {
	f := newFixture()
	key := storagekey.Candidate(f.gymID.String(), "legacy-upload", "jpg")
	f.blobs.Put(key, []byte{0xff, 0xd8}, "image/jpeg")

	res, err := f.svc.FinalizeUpload(context.Background(), f.params(key))
	require.NoError(t, err)
	assert.Equal(t, key, res.Image.StorageKey)
	assert.WithinDuration(t, time.Now(), res.Image.CreatedAt, time.Minute)
}

// failingQueue rejects every enqueue.
type failingQueue struct {
	queue.Queue
}

func (failingQueue) Enqueue(context.Context, queue.EnqueueParams) (*models.Job, error) {
	return nil, errors.New("connection reset")
}

func TestFinalizeUpload_EnqueueFailureRemovesImage(t *testing.T) {
	f := newFixture()
	f.svc = intake.NewService(f.blobs, f.store, failingQueue{Queue: f.queue}, func() { f.kicks++ })
	key := f.uploadKey("jpg")
	f.blobs.Put(key, []byte{0xff, 0xd8}, "image/jpeg")

	_, err := f.svc.FinalizeUpload(context.Background(), f.params(key))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	assert.Empty(t, f.store.Images(models.ImageScopeGym))
	assert.Zero(t, f.kicks)
	assert.True(t, f.blobs.Has(key), "the upload itself is left for the client to retry")
}
