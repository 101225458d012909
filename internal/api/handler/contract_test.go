package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/api"
	"github.com/kiranshivaraju/gymvision/internal/api/handler"
	mw "github.com/kiranshivaraju/gymvision/internal/api/middleware"
	"github.com/kiranshivaraju/gymvision/internal/blob"
	"github.com/kiranshivaraju/gymvision/internal/cache"
	"github.com/kiranshivaraju/gymvision/internal/config"
	"github.com/kiranshivaraju/gymvision/internal/events"
	"github.com/kiranshivaraju/gymvision/internal/intake"
	"github.com/kiranshivaraju/gymvision/internal/knn"
	"github.com/kiranshivaraju/gymvision/internal/promotion"
	"github.com/kiranshivaraju/gymvision/internal/queue"
	"github.com/kiranshivaraju/gymvision/internal/recognition"
	"github.com/kiranshivaraju/gymvision/internal/store/memstore"
	"github.com/kiranshivaraju/gymvision/internal/vision/mock"
	"github.com/kiranshivaraju/gymvision/internal/worker"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const testToken = "gv_test_contract_token_1234567890"

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fakeSearcher struct {
	res *knn.Result
	err error
}

func (f *fakeSearcher) Search(_ context.Context, q knn.Query) (*knn.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if q.Scope != knn.ScopeGlobal && q.Scope != knn.ScopeGym && q.Scope != knn.ScopeAuto {
		return nil, fmt.Errorf("%w: unknown scope %q", knn.ErrInvalidQuery, q.Scope)
	}
	return f.res, nil
}

type mockCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newMockCache() *mockCache {
	return &mockCache{statuses: make(map[uuid.UUID]string)}
}

func (c *mockCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *mockCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *mockCache) Delete(context.Context, string) error                     { return nil }
func (c *mockCache) Ping(context.Context) error                               { return nil }
func (c *mockCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

func (c *mockCache) SetJobStatus(_ context.Context, id uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = status
	return nil
}

func (c *mockCache) GetJobStatus(_ context.Context, id uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[id]
	return s, ok, nil
}

var _ cache.Cache = (*mockCache)(nil)

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server   *httptest.Server
	store    *memstore.Store
	queue    *queue.Memory
	blobs    *blob.Memory
	searcher *fakeSearcher
	gymID    uuid.UUID
	equipID  uuid.UUID
}

func newTestServer(t *testing.T, health map[string]handler.Pinger) *testServer {
	t.Helper()

	ts := &testServer{
		store:   memstore.New(),
		queue:   queue.NewMemory(),
		blobs:   blob.NewMemory(),
		gymID:   uuid.New(),
		equipID: uuid.New(),
		searcher: &fakeSearcher{res: &knn.Result{Scope: knn.ScopeGlobal, Neighbors: []knn.Neighbor{
			{ID: uuid.New(), EquipmentID: uuid.New(), Score: 0.92},
		}}},
	}
	rec := &events.Recorder{}
	embedder := mock.NewMockEmbedder(8)
	statuses := newMockCache()

	promo := promotion.NewService(ts.store, ts.blobs, rec)
	w := worker.New(worker.Deps{
		Queue:     ts.queue,
		Leaser:    ts.queue,
		Store:     ts.store,
		Blobs:     ts.blobs,
		Embedder:  embedder,
		Safety:    mock.NewSafeChecker(),
		Cache:     statuses,
		Events:    rec,
		Suggester: promo,
	}, worker.Config{
		Owner:          "contract",
		BatchSize:      5,
		Policy:         queue.Policy{MaxAttempts: 3},
		BlockThreshold: 0.85,
		Burst:          worker.BurstOptions{IdleExit: 10 * time.Millisecond},
	})
	in := intake.NewService(ts.blobs, ts.store, ts.queue, nil)
	recog := recognition.NewService(ts.blobs, embedder, ts.searcher, ts.store, rec, config.RecognitionConfig{
		GlobalAccept: 0.85, GymAccept: 0.80, SelectFloor: 0.55, Candidates: 5,
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)
	if health == nil {
		health = map[string]handler.Pinger{"database": ts.store, "cache": pinger{}}
	}

	router := api.NewRouter(api.Dependencies{
		Auth:              mw.NewAuth([]string{string(hash)}),
		RateLimit:         mw.NewRateLimit(newMockCache(), 1000),
		HealthHandler:     handler.NewHealthHandler(health),
		FinalizeUpload:    handler.NewFinalizeUploadHandler(in),
		KickWorker:        handler.NewKickHandler(w),
		RunWorkerOnce:     handler.NewRunOnceHandler(w),
		GetJob:            handler.NewGetJobHandler(ts.queue, statuses),
		KNNSearch:         handler.NewKNNSearchHandler(ts.searcher, 10),
		Recognize:         handler.NewRecognizeHandler(recog),
		ConfirmAttempt:    handler.NewConfirmHandler(recog),
		DiscardAttempt:    handler.NewDiscardHandler(recog),
		ApproveSuggestion: handler.NewApproveSuggestionHandler(promo),
		RejectSuggestion:  handler.NewRejectSuggestionHandler(promo),
		SuggestGymImage:   handler.NewSuggestHandler(promo),
		PromoteGymImage:   handler.NewPromoteHandler(promo),
		ModerateGymImage:  handler.NewModerateHandler(promo),
	})
	ts.server = httptest.NewServer(router)
	t.Cleanup(func() {
		w.Wait()
		ts.server.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func data(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	d, ok := env["data"].(map[string]any)
	require.True(t, ok, "expected data object, got %v", env)
	return d
}

func errCode(env map[string]any) string {
	e, _ := env["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (ts *testServer) upload(t *testing.T, body []byte, contentType string) string {
	t.Helper()
	key := fmt.Sprintf("private/uploads/%s/2024/05/%s.jpg", ts.gymID, uuid.New())
	ts.blobs.Put(key, body, contentType)
	return key
}

func (ts *testServer) finalize(t *testing.T, key string, uploader *uuid.UUID) map[string]any {
	t.Helper()
	req := map[string]any{"gym_id": ts.gymID, "equipment_id": ts.equipID, "storage_key": key}
	if uploader != nil {
		req["uploader_id"] = uploader
	}
	status, env := ts.do(t, "POST", "/api/v1/uploads/finalize", req)
	require.Equal(t, http.StatusCreated, status, "%v", env)
	return data(t, env)
}

// ─── health ──────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	status, env := ts.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", data(t, env)["status"])
}

func TestHealth_Degraded(t *testing.T) {
	ts := newTestServer(t, map[string]handler.Pinger{"cache": pinger{err: errors.New("dial tcp: refused")}})
	status, env := ts.do(t, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "UNHEALTHY", errCode(env))
}

// ─── upload → pipeline ───────────────────────────────────────────────────────

func TestUploadThroughPipeline(t *testing.T) {
	ts := newTestServer(t, nil)
	key := ts.upload(t, []byte("jpeg-bytes"), "image/jpeg")

	d := ts.finalize(t, key, nil)
	job := d["job"].(map[string]any)
	jobID := job["id"].(string)
	assert.Equal(t, "HASH", job["job_type"])
	assert.Equal(t, "pending", job["status"])

	status, env := ts.do(t, "POST", "/api/v1/worker/run-once", map[string]int{"batch_size": 2})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), data(t, env)["processed"])

	status, env = ts.do(t, "GET", "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, status)
	jd := data(t, env)
	assert.Equal(t, "done", jd["status"])
	assert.Equal(t, "done", jd["cached_status"])

	imgs := ts.store.Images(models.ImageScopeGym)
	require.Len(t, imgs, 1)
	assert.Equal(t, models.ImageStatusPending, imgs[0].Status)
	assert.True(t, imgs[0].HasEmbedding())
	assert.False(t, ts.blobs.Has(key))
}

func TestFinalizeUpload_Errors(t *testing.T) {
	ts := newTestServer(t, nil)

	missing := fmt.Sprintf("private/uploads/%s/2024/05/%s.jpg", ts.gymID, uuid.New())
	gif := ts.upload(t, []byte("GIF89a"), "image/gif")
	empty := ts.upload(t, nil, "image/jpeg")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing object", map[string]any{"gym_id": ts.gymID, "equipment_id": ts.equipID, "storage_key": missing}, http.StatusNotFound, "UPLOAD_MISSING"},
		{"gif", map[string]any{"gym_id": ts.gymID, "equipment_id": ts.equipID, "storage_key": gif}, http.StatusUnsupportedMediaType, "UNSUPPORTED_CONTENT_TYPE"},
		{"empty", map[string]any{"gym_id": ts.gymID, "equipment_id": ts.equipID, "storage_key": empty}, http.StatusUnprocessableEntity, "EMPTY_UPLOAD"},
		{"bad key", map[string]any{"gym_id": ts.gymID, "equipment_id": ts.equipID, "storage_key": "uploads/x.jpg"}, http.StatusBadRequest, "INVALID_STORAGE_KEY"},
		{"no gym", map[string]any{"equipment_id": ts.equipID, "storage_key": gif}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", map[string]any{"gym_id": ts.gymID, "storage_key": gif, "tenant": "x"}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := ts.do(t, "POST", "/api/v1/uploads/finalize", tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, errCode(env))
		})
	}
	assert.Empty(t, ts.queue.Jobs())
}

func TestGetJob_Errors(t *testing.T) {
	ts := newTestServer(t, nil)

	status, env := ts.do(t, "GET", "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", errCode(env))

	status, env = ts.do(t, "GET", "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errCode(env))
}

func TestKickWorker(t *testing.T) {
	ts := newTestServer(t, nil)
	key := ts.upload(t, []byte("kick-bytes"), "image/jpeg")
	ts.finalize(t, key, nil)

	status, env := ts.do(t, "POST", "/api/v1/worker/kick", map[string]int{"max_runtime_seconds": 5})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, data(t, env)["started"])

	status, _ = ts.do(t, "POST", "/api/v1/worker/kick", map[string]int{"batch_size": -1})
	assert.Equal(t, http.StatusBadRequest, status)
}

// ─── promotion ───────────────────────────────────────────────────────────────

func TestAutoApprovedUploadIsSuggestedAndPromoted(t *testing.T) {
	ts := newTestServer(t, nil)
	uploader := uuid.New()
	ts.store.SetGymPolicy(ts.gymID, true, uploader)

	key := ts.upload(t, []byte("trusted-bytes"), "image/jpeg")
	ts.finalize(t, key, &uploader)
	status, _ := ts.do(t, "POST", "/api/v1/worker/run-once", nil)
	require.Equal(t, http.StatusOK, status)

	suggestions := ts.store.Suggestions()
	require.Len(t, suggestions, 1)
	sgID := suggestions[0].ID.String()

	status, env := ts.do(t, "POST", "/api/v1/suggestions/"+sgID+"/approve", nil)
	require.Equal(t, http.StatusOK, status, "%v", env)
	global := data(t, env)
	assert.Equal(t, "APPROVED", global["status"])
	assert.Equal(t, "global", global["scope"])

	status, env = ts.do(t, "POST", "/api/v1/suggestions/"+sgID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ALREADY_RESOLVED", errCode(env))

	status, env = ts.do(t, "POST", "/api/v1/suggestions/"+uuid.NewString()+"/reject", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errCode(env))
}

func TestSuggestPendingImageIsNotEligible(t *testing.T) {
	ts := newTestServer(t, nil)
	key := ts.upload(t, []byte("pending-bytes"), "image/jpeg")
	d := ts.finalize(t, key, nil)
	imageID := d["image"].(map[string]any)["id"].(string)

	status, env := ts.do(t, "POST", "/api/v1/gym-images/"+imageID+"/suggest", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "NOT_ELIGIBLE", errCode(env))
}

func TestModeration(t *testing.T) {
	ts := newTestServer(t, nil)
	key := ts.upload(t, []byte("moderate-bytes"), "image/jpeg")
	d := ts.finalize(t, key, nil)
	imageID := d["image"].(map[string]any)["id"].(string)
	status, _ := ts.do(t, "POST", "/api/v1/worker/run-once", nil)
	require.Equal(t, http.StatusOK, status)

	status, env := ts.do(t, "POST", "/api/v1/gym-images/"+imageID+"/quarantine", map[string]string{"reason": "BLURRY"})
	require.Equal(t, http.StatusOK, status, "%v", env)
	assert.Equal(t, "QUARANTINED", data(t, env)["status"])

	status, env = ts.do(t, "POST", "/api/v1/gym-images/"+imageID+"/approve", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "APPROVED", data(t, env)["status"])

	status, _ = ts.do(t, "POST", "/api/v1/gym-images/"+imageID+"/reject", nil)
	require.Equal(t, http.StatusOK, status)

	status, env = ts.do(t, "POST", "/api/v1/gym-images/"+imageID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", errCode(env))

	status, _ = ts.do(t, "POST", "/api/v1/gym-images/"+imageID+"/archive", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// ─── knn & recognition ───────────────────────────────────────────────────────

func TestKNNSearch(t *testing.T) {
	ts := newTestServer(t, nil)

	status, env := ts.do(t, "POST", "/api/v1/knn/search", map[string]any{
		"source_id": uuid.New(), "scope": "global",
	})
	require.Equal(t, http.StatusOK, status)
	d := data(t, env)
	assert.Equal(t, "GLOBAL", d["scope"])
	assert.Len(t, d["neighbors"], 1)

	status, env = ts.do(t, "POST", "/api/v1/knn/search", map[string]any{"scope": "sideways"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", errCode(env))

	ts.searcher.err = knn.ErrSourceNotFound
	status, env = ts.do(t, "POST", "/api/v1/knn/search", map[string]any{"source_id": uuid.New()})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "SOURCE_NOT_FOUND", errCode(env))
}

func TestRecognizeConfirmDiscard(t *testing.T) {
	ts := newTestServer(t, nil)
	key := fmt.Sprintf("private/gym/%s/candidates/query.jpg", ts.gymID)
	ts.blobs.Put(key, []byte("query-photo"), "image/jpeg")

	status, env := ts.do(t, "POST", "/api/v1/recognize", map[string]any{"gym_id": ts.gymID, "storage_key": key})
	require.Equal(t, http.StatusCreated, status, "%v", env)
	attempt := data(t, env)["attempt"].(map[string]any)
	assert.Equal(t, "GLOBAL_ACCEPT", attempt["decision"])
	attemptID := attempt["id"].(string)

	equip := uuid.New()
	status, env = ts.do(t, "POST", "/api/v1/recognize/"+attemptID+"/confirm",
		map[string]any{"equipment_id": equip, "consent": "granted"})
	require.Equal(t, http.StatusOK, status, "%v", env)
	assert.Equal(t, "CONFIRMED", data(t, env)["status"])
	assert.Len(t, ts.store.TrainingCandidates(), 1)

	status, env = ts.do(t, "POST", "/api/v1/recognize/"+attemptID+"/discard", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ALREADY_RESOLVED", errCode(env))

	status, env = ts.do(t, "POST", "/api/v1/recognize", map[string]any{"gym_id": ts.gymID, "storage_key": key + ".gone"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "IMAGE_MISSING", errCode(env))
}
