package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a pgvector-enabled Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("gymvision_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)
	poolCfg.AfterConnect = store.RegisterVectorTypes

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func seedGym(t *testing.T, pool *pgxpool.Pool, autoApprove bool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO gyms (id, name, auto_approve_uploads) VALUES ($1, $2, $3)`, id, "gym-"+id.String()[:8], autoApprove)
	require.NoError(t, err)
	return id
}

func newGymImage(gymID uuid.UUID) *models.Image {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Image{
		ID:          uuid.New(),
		Scope:       models.ImageScopeGym,
		EquipmentID: uuid.New(),
		GymID:       &gymID,
		StorageKey:  "private/gym/" + gymID.String() + "/candidates/upload.jpg",
		Status:      models.ImageStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func unitVector(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

var testModel = models.ModelRef{Vendor: "openclip", Name: "vit-b-32", Version: "1"}

func TestImage_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	gymID := seedGym(t, pool, false)

	img := newGymImage(gymID)
	require.NoError(t, s.CreateImage(ctx, img))

	got, err := s.GetImage(ctx, models.ImageScopeGym, img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.StorageKey, got.StorageKey)
	assert.Equal(t, models.ImageStatusPending, got.Status)
	assert.Equal(t, &gymID, got.GymID)
	assert.Nil(t, got.Embedding)
	assert.Nil(t, got.Model)

	_, err = s.GetImage(ctx, models.ImageScopeGlobal, img.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImage_HashSafetyAndEmbedding(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	gymID := seedGym(t, pool, false)

	img := newGymImage(gymID)
	require.NoError(t, s.CreateImage(ctx, img))

	moved := "private/gym/" + gymID.String() + "/candidates/abc.jpg"
	require.NoError(t, s.UpdateImageHash(ctx, models.ImageScopeGym, img.ID, store.HashUpdate{
		SHA256: "abc", StorageKey: &moved, ByteSize: 1234,
	}))

	require.NoError(t, s.MarkImageSafe(ctx, models.ImageScopeGym, img.ID, store.SafetyUpdate{NSFWScore: 0.1}))

	vec := unitVector(512, 3)
	require.NoError(t, s.SaveEmbedding(ctx, models.ImageScopeGym, img.ID, vec, testModel, store.WithApproval()))

	got, err := s.GetImage(ctx, models.ImageScopeGym, img.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SHA256)
	assert.Equal(t, "abc", *got.SHA256)
	assert.Equal(t, moved, got.StorageKey)
	require.NotNil(t, got.IsSafe)
	assert.True(t, *got.IsSafe)
	assert.Equal(t, models.ImageStatusApproved, got.Status)
	require.True(t, got.HasEmbedding())
	assert.Equal(t, testModel, *got.Model)
	assert.InDelta(t, 1.0, got.Embedding[3], 1e-6)
}

func TestImage_Quarantine(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	gymID := seedGym(t, pool, false)

	img := newGymImage(gymID)
	require.NoError(t, s.CreateImage(ctx, img))

	qkey := "private/gym/" + gymID.String() + "/quarantine/abc.jpg"
	err := s.QuarantineImage(ctx, models.ImageScopeGym, img.ID, store.SafetyUpdate{
		NSFWScore:   0.95,
		HasPerson:   true,
		PersonCount: 1,
		PersonBoxes: []models.PersonBox{{X1: 0.1, Y1: 0.1, X2: 0.5, Y2: 0.9, Score: 0.8}},
		Reasons:     []string{"NSFW", "PERSON"},
		StorageKey:  &qkey,
	})
	require.NoError(t, err)

	got, err := s.GetImage(ctx, models.ImageScopeGym, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusQuarantined, got.Status)
	assert.Equal(t, qkey, got.StorageKey)
	require.NotNil(t, got.HasPerson)
	assert.True(t, *got.HasPerson)
	assert.Equal(t, []string{"NSFW", "PERSON"}, got.SafetyReasons)
	require.Len(t, got.PersonBoxes, 1)
	assert.InDelta(t, 0.8, got.PersonBoxes[0].Score, 1e-9)
}

func TestImage_QuarantineFallback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	gymID := seedGym(t, pool, false)

	img := newGymImage(gymID)
	require.NoError(t, s.CreateImage(ctx, img))

	qkey := "private/gym/" + gymID.String() + "/quarantine/abc.jpg"
	require.NoError(t, s.QuarantineFallback(ctx, models.ImageScopeGym, img.ID, qkey, true))

	got, err := s.GetImage(ctx, models.ImageScopeGym, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusQuarantined, got.Status)
	assert.Equal(t, qkey, got.StorageKey)
	require.NotNil(t, got.IsSafe)
	assert.False(t, *got.IsSafe)
	require.NotNil(t, got.HasPerson)
	assert.True(t, *got.HasPerson)
}

func TestGymImageBySHA_OldestOtherImage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	gymID := seedGym(t, pool, false)
	otherGym := seedGym(t, pool, false)

	first := newGymImage(gymID)
	second := newGymImage(gymID)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	elsewhere := newGymImage(otherGym)
	for _, img := range []*models.Image{first, second, elsewhere} {
		require.NoError(t, s.CreateImage(ctx, img))
		require.NoError(t, s.UpdateImageHash(ctx, models.ImageScopeGym, img.ID, store.HashUpdate{SHA256: "abc", ByteSize: 3}))
	}

	got, err := s.GymImageBySHA(ctx, gymID, "abc", second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = s.GymImageBySHA(ctx, otherGym, "abc", elsewhere.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	moved := first.StorageKey
	require.NoError(t, s.MarkImageDuplicate(ctx, models.ImageScopeGym, second.ID, store.HashUpdate{
		SHA256: "abc", StorageKey: &moved, ByteSize: 3,
	}))
	dup, err := s.GetImage(ctx, models.ImageScopeGym, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusRejected, dup.Status)
	assert.Equal(t, moved, dup.StorageKey)
}

func TestDeleteImage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	gymID := seedGym(t, pool, false)

	img := newGymImage(gymID)
	require.NoError(t, s.CreateImage(ctx, img))
	require.NoError(t, s.DeleteImage(ctx, models.ImageScopeGym, img.ID))

	_, err := s.GetImage(ctx, models.ImageScopeGym, img.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteImage(ctx, models.ImageScopeGym, img.ID), store.ErrNotFound)
}

func TestSetImageStatus_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.SetImageStatus(context.Background(), models.ImageScopeGym, uuid.New(), models.ImageStatusRejected)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCanAutoApprove(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	open := seedGym(t, pool, true)
	closed := seedGym(t, pool, false)
	trusted := uuid.New()
	for _, g := range []uuid.UUID{open, closed} {
		_, err := pool.Exec(ctx, `INSERT INTO gym_trusted_uploaders (gym_id, user_id) VALUES ($1, $2)`, g, trusted)
		require.NoError(t, err)
	}
	stranger := uuid.New()

	ok, err := s.CanAutoApprove(ctx, open, &trusted)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CanAutoApprove(ctx, open, &stranger)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CanAutoApprove(ctx, closed, &trusted)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CanAutoApprove(ctx, uuid.New(), &trusted)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CanAutoApprove(ctx, open, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGlobalImages_CountShaAndEmbeddings(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	equipmentID := uuid.New()

	for i := 0; i < 3; i++ {
		sha := uuid.NewString()
		now := time.Now().UTC()
		require.NoError(t, s.CreateImage(ctx, &models.Image{
			ID:          uuid.New(),
			Scope:       models.ImageScopeGlobal,
			EquipmentID: equipmentID,
			StorageKey:  "public/golden/" + equipmentID.String() + "/" + sha + ".jpg",
			SHA256:      &sha,
			Status:      models.ImageStatusApproved,
			Embedding:   unitVector(512, i),
			Model:       &testModel,
			CreatedAt:   now,
			UpdatedAt:   now,
		}))
	}

	n, err := s.CountGlobalImages(ctx, equipmentID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := s.ListGlobalEmbeddings(ctx, equipmentID, testModel, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Len(t, rows[0].Vector, 512)

	other := models.ModelRef{Vendor: "openclip", Name: "vit-l-14", Version: "1"}
	rows, err = s.ListGlobalEmbeddings(ctx, equipmentID, other, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = s.GlobalImageBySHA(ctx, equipmentID, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSuggestion_UpsertIsKeyedBySHA(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	gymID := seedGym(t, pool, false)
	img := newGymImage(gymID)
	require.NoError(t, s.CreateImage(ctx, img))

	now := time.Now().UTC()
	first, err := s.UpsertSuggestion(ctx, &models.GlobalImageSuggestion{
		ID: uuid.New(), EquipmentID: img.EquipmentID, GymImageID: img.ID,
		StorageKey: "private/global/staging/x/sha.jpg", SHA256: "sha",
		UsefulnessScore: 0.7, ReasonCodes: []string{models.ReasonNoGlobal, models.ReasonFresh},
		Status: models.SuggestionStatusPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	second, err := s.UpsertSuggestion(ctx, &models.GlobalImageSuggestion{
		ID: uuid.New(), EquipmentID: img.EquipmentID, GymImageID: img.ID,
		StorageKey: "private/global/staging/x/sha.jpg", SHA256: "sha",
		UsefulnessScore: 0.2, ReasonCodes: []string{models.ReasonGrowth},
		Status: models.SuggestionStatusPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.InDelta(t, 0.2, second.UsefulnessScore, 1e-9)
	assert.Equal(t, []string{models.ReasonGrowth}, second.ReasonCodes)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM global_image_suggestions`).Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, s.SetSuggestionStatus(ctx, first.ID, models.SuggestionStatusApproved))
	got, err := s.GetSuggestion(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SuggestionStatusApproved, got.Status)
}

func TestRecognition_AttemptLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	gymID := seedGym(t, pool, false)

	now := time.Now().UTC()
	a := &models.RecognitionAttempt{
		ID: uuid.New(), GymID: gymID, StorageKey: "k", VectorHash: "h",
		Decision: models.DecisionRetake, Consent: models.ConsentUnknown, Status: models.AttemptStatusOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateAttempt(ctx, a))

	eq := uuid.New()
	require.NoError(t, s.ResolveAttempt(ctx, a.ID, store.AttemptResolution{
		Status: models.AttemptStatusConfirmed, Consent: models.ConsentGranted, ConfirmedEquipmentID: &eq,
	}))

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusConfirmed, got.Status)
	assert.Equal(t, &eq, got.ConfirmedEquipmentID)

	// Already resolved attempts are not reopened.
	err = s.ResolveAttempt(ctx, a.ID, store.AttemptResolution{Status: models.AttemptStatusDiscarded})
	assert.ErrorIs(t, err, store.ErrNotFound)

	tc := &models.TrainingCandidate{
		ID: uuid.New(), AttemptID: a.ID, GymID: gymID, EquipmentID: eq, StorageKey: "k", Status: "PENDING", CreatedAt: now,
	}
	require.NoError(t, s.CreateTrainingCandidate(ctx, tc))
	tc.ID = uuid.New()
	assert.ErrorIs(t, s.CreateTrainingCandidate(ctx, tc), store.ErrDuplicateKey)
}
