package knn_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gymvision/internal/config"
	"github.com/kiranshivaraju/gymvision/internal/knn"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

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
	_, filename, _, _ := runtime.Caller(0)
	require.NoError(t, store.RunMigrations(connStr, filepath.Join(filepath.Dir(filename), "..", "..", "migrations")))

	poolCfg, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)
	poolCfg.AfterConnect = store.RegisterVectorTypes
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

// vec returns a 512-dim unit vector mixing axes 0 and 1 at the given angle weight.
func vec(a, b float32) []float32 {
	v := make([]float32, 512)
	v[0], v[1] = a, b
	return v
}

func TestPostgresIndex_Search(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	gymID := uuid.New()
	_, err := pool.Exec(ctx, `INSERT INTO gyms (id, name) VALUES ($1, 'test gym')`, gymID)
	require.NoError(t, err)

	now := time.Now().UTC()
	insert := func(scope models.ImageScope, status models.ImageStatus, v []float32, model models.ModelRef) uuid.UUID {
		img := &models.Image{
			ID: uuid.New(), Scope: scope, EquipmentID: uuid.New(),
			StorageKey: "k/" + uuid.NewString() + ".jpg", Status: status,
			Embedding: v, Model: &model, CreatedAt: now, UpdatedAt: now,
		}
		if scope == models.ImageScopeGym {
			img.GymID = &gymID
		}
		require.NoError(t, s.CreateImage(ctx, img))
		return img.ID
	}

	source := insert(models.ImageScopeGlobal, models.ImageStatusApproved, vec(1, 0), testModel)
	closeID := insert(models.ImageScopeGlobal, models.ImageStatusApproved, vec(0.9, 0.1), testModel)
	far := insert(models.ImageScopeGlobal, models.ImageStatusApproved, vec(0.1, 0.9), testModel)
	insert(models.ImageScopeGlobal, models.ImageStatusPending, vec(1, 0), testModel)
	insert(models.ImageScopeGlobal, models.ImageStatusApproved, vec(1, 0),
		models.ModelRef{Vendor: "openclip", Name: "vit-l-14", Version: "1"})
	gymHit := insert(models.ImageScopeGym, models.ImageStatusApproved, vec(1, 0.01), testModel)

	e := knn.NewEngine(knn.NewPostgresIndex(pool), config.KNNConfig{AutoMinGlobalScore: 0.8})

	res, err := e.Search(ctx, knn.Query{SourceID: &source, Scope: knn.ScopeGlobal, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Neighbors, 2, "source, pending and other-model rows are excluded")
	assert.Equal(t, closeID, res.Neighbors[0].ID)
	assert.Equal(t, far, res.Neighbors[1].ID)
	assert.Greater(t, res.Neighbors[0].Score, res.Neighbors[1].Score)

	minScore := 0.9
	res, err = e.Search(ctx, knn.Query{SourceID: &source, Scope: knn.ScopeGlobal, Limit: 10, MinScore: &minScore})
	require.NoError(t, err)
	require.Len(t, res.Neighbors, 1)

	// A gym-table source falls through the global lookup.
	res, err = e.Search(ctx, knn.Query{SourceID: &gymHit, Scope: knn.ScopeGlobal, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Neighbors, 3)

	res, err = e.Search(ctx, knn.Query{Vector: vec(1, 0), Model: &testModel, Scope: knn.ScopeGym, GymID: &gymID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Neighbors, 1)
	assert.Equal(t, gymHit, res.Neighbors[0].ID)
	assert.Equal(t, knn.ScopeGym, res.Scope)

	otherGym := uuid.New()
	res, err = e.Search(ctx, knn.Query{Vector: vec(1, 0), Model: &testModel, Scope: knn.ScopeGym, GymID: &otherGym, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Neighbors)
}
