package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/api"
	mw "github.com/kiranshivaraju/gymvision/internal/api/middleware"
	"github.com/kiranshivaraju/gymvision/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- stub cache ---

type stubCache struct{}

func (c *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *stubCache) Delete(_ context.Context, _ string) error                         { return nil }
func (c *stubCache) Ping(_ context.Context) error                                     { return nil }
func (c *stubCache) SetJobStatus(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) error {
	return nil
}
func (c *stubCache) GetJobStatus(_ context.Context, _ uuid.UUID) (string, bool, error) {
	return "", false, nil
}
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

var _ cache.Cache = (*stubCache)(nil)

const testToken = "gv_router_test_token"

// --- router tests ---

func newTestRouter(t *testing.T, deps api.Dependencies) http.Handler {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)
	deps.Auth = mw.NewAuth([]string{string(h)})
	deps.RateLimit = mw.NewRateLimit(&stubCache{}, 60)
	if deps.HealthHandler == nil {
		deps.HealthHandler = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		}
	}
	return api.NewRouter(deps)
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(t, api.Dependencies{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t, api.Dependencies{})
	id := uuid.NewString()

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/uploads/finalize"},
		{"POST", "/api/v1/worker/kick"},
		{"POST", "/api/v1/worker/run-once"},
		{"GET", "/api/v1/jobs/" + id},
		{"POST", "/api/v1/knn/search"},
		{"POST", "/api/v1/recognize"},
		{"POST", "/api/v1/recognize/" + id + "/confirm"},
		{"POST", "/api/v1/recognize/" + id + "/discard"},
		{"POST", "/api/v1/suggestions/" + id + "/approve"},
		{"POST", "/api/v1/suggestions/" + id + "/reject"},
		{"POST", "/api/v1/gym-images/" + id + "/suggest"},
		{"POST", "/api/v1/gym-images/" + id + "/promote"},
		{"POST", "/api/v1/gym-images/" + id + "/quarantine"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_AuthenticatedUnwiredEndpoint(t *testing.T) {
	router := newTestRouter(t, api.Dependencies{})

	req := httptest.NewRequest("POST", "/api/v1/worker/kick", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_StaticSegmentsWinOverAction(t *testing.T) {
	var hit string
	mark := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			hit = name
			w.WriteHeader(http.StatusOK)
		}
	}
	router := newTestRouter(t, api.Dependencies{
		SuggestGymImage:  mark("suggest"),
		PromoteGymImage:  mark("promote"),
		ModerateGymImage: mark("moderate"),
	})

	for path, want := range map[string]string{
		"suggest": "suggest", "promote": "promote", "approve": "moderate", "reject": "moderate",
	} {
		req := httptest.NewRequest("POST", "/api/v1/gym-images/"+uuid.NewString()+"/"+path, nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, want, hit, path)
	}
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t, api.Dependencies{})

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
