package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	config "pharmacy-ai-api/configs"
	"pharmacy-ai-api/internal/app"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// テスト環境の設定
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(dir, "pharmacy.db"))
	t.Setenv("AI_SYNONYM_CONFIG_PATH", filepath.Join(dir, "ai_synonyms.json"))
	t.Setenv("AI_INDEX_DIR", filepath.Join(dir, "index"))
	t.Setenv("AI_MODELS_DIR", filepath.Join(dir, "models"))
	t.Setenv("API_KEY", "test-key")
	t.Setenv("AI_METRICS_SERVICE_TOKEN", "svc-token")
	t.Setenv("QDRANT_URL", "")
	t.Setenv("REDIS_ADDR", "")

	cfg := config.LoadConfig()
	a, err := app.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestApp(t).Router()

	w := do(r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestAPIKeyRequired(t *testing.T) {
	r := newTestApp(t).Router()

	w := do(r, http.MethodPost, "/api/ai/enhanced/chat", `{"message":"paracetamol"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/ai/enhanced/chat", `{"message":"paracetamol"}`, map[string]string{"X-API-KEY": "test-key"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatOnEmptyCatalogReturnsNoMatches(t *testing.T) {
	r := newTestApp(t).Router()

	w := do(r, http.MethodPost, "/api/ai/enhanced/chat", `{"message":"biogesic","pharmacy_id":7}`, map[string]string{"X-API-KEY": "test-key"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success  bool `json:"success"`
		Response struct {
			Type         string `json:"type"`
			TotalMatches int    `json:"total_matches"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "enhanced_no_matches", resp.Response.Type)
	assert.Zero(t, resp.Response.TotalMatches)
}

func TestServiceTokenGuardsMaintenanceRoutes(t *testing.T) {
	r := newTestApp(t).Router()
	key := map[string]string{"X-API-KEY": "test-key"}

	w := do(r, http.MethodPost, "/api/ai/enhanced/flush-metrics", "", key)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/ai/enhanced/flush-metrics", "", map[string]string{
		"X-API-KEY":     "test-key",
		"Authorization": "Bearer svc-token",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"flushed":0`)
}

func TestPrometheusEndpoint(t *testing.T) {
	r := newTestApp(t).Router()

	do(r, http.MethodGet, "/health", "", nil)
	w := do(r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pharmacy_ai_http_requests_total")
}
