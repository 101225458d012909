// Package app assembles the GymVision services and HTTP router from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/gymvision/internal/api"
	"github.com/kiranshivaraju/gymvision/internal/api/handler"
	mw "github.com/kiranshivaraju/gymvision/internal/api/middleware"
	"github.com/kiranshivaraju/gymvision/internal/blob"
	"github.com/kiranshivaraju/gymvision/internal/blob/minio"
	"github.com/kiranshivaraju/gymvision/internal/blob/s3"
	"github.com/kiranshivaraju/gymvision/internal/cache"
	"github.com/kiranshivaraju/gymvision/internal/config"
	"github.com/kiranshivaraju/gymvision/internal/events"
	"github.com/kiranshivaraju/gymvision/internal/intake"
	"github.com/kiranshivaraju/gymvision/internal/knn"
	"github.com/kiranshivaraju/gymvision/internal/promotion"
	"github.com/kiranshivaraju/gymvision/internal/queue"
	"github.com/kiranshivaraju/gymvision/internal/recognition"
	"github.com/kiranshivaraju/gymvision/internal/store"
	"github.com/kiranshivaraju/gymvision/internal/vision"
	"github.com/kiranshivaraju/gymvision/internal/vision/modelsource"
	"github.com/kiranshivaraju/gymvision/internal/vision/onnx"
	"github.com/kiranshivaraju/gymvision/internal/worker"
	"github.com/kiranshivaraju/gymvision/pkg/models"
)

// Backends are the infrastructure adapters the services run on. Open builds
// the production set; tests pass in-memory ones.
type Backends struct {
	Store    store.Store
	Queue    queue.Queue
	Leaser   queue.Leaser
	Cache    cache.Cache
	Blobs    blob.Store
	Searcher knn.Searcher
	Embedder models.Embedder
	Safety   models.SafetyChecker
	Events   events.Publisher
}

// App is a fully wired process.
type App struct {
	Handler     http.Handler
	Worker      *worker.Worker
	Intake      *intake.Service
	Promotion   *promotion.Service
	Recognition *recognition.Service

	closers []func() error
}

// Assemble builds the services and router over b.
func Assemble(cfg *config.Config, b Backends) *App {
	promo := promotion.NewService(b.Store, b.Blobs, b.Events)

	w := worker.New(worker.Deps{
		Queue:     b.Queue,
		Leaser:    b.Leaser,
		Store:     b.Store,
		Blobs:     b.Blobs,
		Embedder:  b.Embedder,
		Safety:    b.Safety,
		Cache:     b.Cache,
		Events:    b.Events,
		Suggester: promo,
	}, worker.ConfigFrom(cfg.Worker, cfg.Safety))

	in := intake.NewService(b.Blobs, b.Store, b.Queue, func() { w.Kick(w.DefaultBurst()) })
	rec := recognition.NewService(b.Blobs, b.Embedder, b.Searcher, b.Store, b.Events, cfg.Recognition)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(cfg.API.TokenHashes),
		RateLimit: mw.NewRateLimit(b.Cache, cfg.API.RequestsPerMinute),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": b.Store,
			"cache":    b.Cache,
		}),

		FinalizeUpload: handler.NewFinalizeUploadHandler(in),
		KickWorker:     handler.NewKickHandler(w),
		RunWorkerOnce:  handler.NewRunOnceHandler(w),
		GetJob:         handler.NewGetJobHandler(b.Queue, b.Cache),
		KNNSearch:      handler.NewKNNSearchHandler(b.Searcher, cfg.KNN.DefaultLimit),

		Recognize:      handler.NewRecognizeHandler(rec),
		ConfirmAttempt: handler.NewConfirmHandler(rec),
		DiscardAttempt: handler.NewDiscardHandler(rec),

		ApproveSuggestion: handler.NewApproveSuggestionHandler(promo),
		RejectSuggestion:  handler.NewRejectSuggestionHandler(promo),
		SuggestGymImage:   handler.NewSuggestHandler(promo),
		PromoteGymImage:   handler.NewPromoteHandler(promo),
		ModerateGymImage:  handler.NewModerateHandler(promo),
	})

	return &App{
		Handler:     router,
		Worker:      w,
		Intake:      in,
		Promotion:   promo,
		Recognition: rec,
	}
}

// Open connects every production backend named by cfg and assembles the app.
// Models are loaded eagerly; a model that cannot be loaded fails startup.
// On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			closeAll(closers)
		}
	}()

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	closers = append(closers, func() error { pool.Close(); return nil })
	slog.Info("database connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	closers = append(closers, redisCache.Close)
	if err := redisCache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}
	slog.Info("object store ready", "backend", cfg.Blob.Backend, "bucket", cfg.Blob.Bucket)

	vis, err := openVision(ctx, cfg, blobs)
	if err != nil {
		return nil, err
	}
	closers = append(closers, vis.Close, onnx.DestroyRuntime)
	slog.Info("vision models loaded", "model", cfg.Models.Name, "dimension", cfg.Models.Dimension)

	var pub events.Publisher = events.Noop{}
	if cfg.Events.NATSURL != "" {
		np, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		closers = append(closers, np.Close)
		pub = np
		slog.Info("nats connected", "prefix", cfg.Events.SubjectPrefix)
	}

	q := queue.NewPostgresQueue(pool)
	var leaser queue.Leaser = q
	if cfg.Worker.LeaseBackend == "redis" {
		leaser = redisCache
	}

	engine := knn.NewEngine(knn.NewPostgresIndex(pool), cfg.KNN)

	a := Assemble(cfg, Backends{
		Store:    store.NewPostgresStore(pool),
		Queue:    q,
		Leaser:   leaser,
		Cache:    redisCache,
		Blobs:    blobs,
		Searcher: knn.NewCachedSearcher(engine, redisCache, cfg.KNN.CacheTTL),
		Embedder: vis.Embedder,
		Safety:   vis.Safety,
		Events:   pub,
	})
	a.closers = closers
	return a, nil
}

// objectStore is what both blob backends provide.
type objectStore interface {
	blob.Store
	blob.BucketReader
}

func openBlobs(ctx context.Context, cfg config.BlobConfig) (objectStore, error) {
	switch cfg.Backend {
	case "minio":
		client, err := minio.NewClient(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
		if err != nil {
			return nil, err
		}
		st := minio.NewStore(client, cfg.Bucket)
		if err := st.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return st, nil
	default:
		client, err := s3.NewClient(ctx, s3.Options{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3.NewStore(client, cfg.Bucket), nil
	}
}

func openVision(ctx context.Context, cfg *config.Config, blobs blob.BucketReader) (*vision.Service, error) {
	safety, err := vision.LoadSafetyConfig(cfg.Safety.ConfigFile)
	if err != nil {
		return nil, err
	}
	loader := modelsource.NewLoader(blobs, cfg.Models.DownloadTimeout)
	vis, err := onnx.NewService(cfg.Models, safety, loader)
	if err != nil {
		return nil, err
	}
	if err := vis.Warmup(ctx); err != nil {
		vis.Close()
		return nil, fmt.Errorf("warm up models: %w", err)
	}
	return vis, nil
}

// Close cancels background burst runs, waits for them to return and then
// releases every backend in reverse order of opening.
func (a *App) Close() error {
	a.Worker.Stop()
	return closeAll(a.closers)
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
