package handlers

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"pharmacy-ai-api/pkg/services"
	"pharmacy-ai-api/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := newTestStore(t)
	seedCatalog(t, s)

	dir := t.TempDir()
	synonyms := services.NewSynonymStore(filepath.Join(dir, "synonyms.json"), zerolog.Nop())
	engines := services.NewRetrievalEngines(s, synonyms, nil, nil, services.EngineConfig{
		IndexDir:        filepath.Join(dir, "indices"),
		RefreshInterval: time.Hour,
	}, zerolog.Nop())
	ranker := services.NewRetrievalRanker(synonyms, services.NewQueryClassifier(synonyms), 10, 10, zerolog.Nop())
	metrics := services.NewMetricsAggregator(s, 100, 90, zerolog.Nop())
	chat := services.NewChatService(engines, ranker, services.NewResponseFormatter(), metrics,
		services.NewMemoryChatCache(time.Minute, 100), zerolog.Nop())
	h := NewChatHandler(chat, s, zerolog.Nop())

	r := gin.New()
	api := r.Group("/api/ai/enhanced")
	api.POST("/chat", h.Chat)
	api.POST("/feedback", h.Feedback)
	api.GET("/metrics", h.Metrics)
	api.POST("/refresh-cache", h.RefreshCache)
	api.POST("/flush-metrics", h.FlushMetrics)
	return r, s
}

func TestChatEndpoint(t *testing.T) {
	r, _ := newChatRouter(t)

	w, body := doJSON(t, r, http.MethodPost, "/api/ai/enhanced/chat", gin.H{"message": "do you have biogesic?"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])

	resp := body["response"].(map[string]interface{})
	assert.Equal(t, services.TypeSearchResults, resp["type"])
	data := resp["data"].([]interface{})
	require.NotEmpty(t, data)
	first := data[0].(map[string]interface{})
	assert.Equal(t, "Biogesic 500mg", first["name"])
	assert.Equal(t, "In Stock", first["stock_status"])
}

func TestChatEndpointValidation(t *testing.T) {
	r, _ := newChatRouter(t)

	w, _ := doJSON(t, r, http.MethodPost, "/api/ai/enhanced/chat", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/ai/enhanced/chat", gin.H{"message": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := doJSON(t, r, http.MethodPost, "/api/ai/enhanced/chat?pharmacy_id=x", gin.H{"message": "biogesic"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "invalid pharmacy_id")
}

func TestChatPharmacyScope(t *testing.T) {
	r, _ := newChatRouter(t)

	_, body := doJSON(t, r, http.MethodPost, "/api/ai/enhanced/chat", gin.H{"message": "cetirizine", "pharmacy_id": 2}, nil)
	data := body["response"].(map[string]interface{})["data"].([]interface{})
	require.NotEmpty(t, data)
	assert.Equal(t, "Cetirizine 10mg", data[0].(map[string]interface{})["name"])

	_, body = doJSON(t, r, http.MethodPost, "/api/ai/enhanced/chat", gin.H{"message": "biogesic"}, http.Header{"X-Pharmacy-Id": {"2"}})
	other, _ := body["response"].(map[string]interface{})["data"].([]interface{})
	for _, item := range other {
		assert.NotEqual(t, "Biogesic 500mg", item.(map[string]interface{})["name"])
	}
}

func TestFeedbackAndMetrics(t *testing.T) {
	r, s := newChatRouter(t)

	w, _ := doJSON(t, r, http.MethodPost, "/api/ai/enhanced/feedback", gin.H{"score": 1.5}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doJSON(t, r, http.MethodPost, "/api/ai/enhanced/feedback", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/ai/enhanced/feedback", gin.H{"score": 0.9}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = doJSON(t, r, http.MethodPost, "/api/ai/enhanced/feedback", gin.H{"score": 0}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	doJSON(t, r, http.MethodPost, "/api/ai/enhanced/chat", gin.H{"message": "biogesic"}, nil)

	w, body := doJSON(t, r, http.MethodGet, "/api/ai/enhanced/metrics?days=3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["days"])
	assert.Empty(t, body["stored"])
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["total_queries"])
	assert.Equal(t, float64(1), summary["positive_feedback"])
	assert.Equal(t, float64(1), summary["negative_feedback"])

	w, body = doJSON(t, r, http.MethodPost, "/api/ai/enhanced/flush-metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["flushed"])

	rows, err := s.ListDailyMetrics(context.Background(), "2000-01-01", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].TotalQueries)

	_, body = doJSON(t, r, http.MethodGet, "/api/ai/enhanced/metrics", nil, nil)
	assert.Len(t, body["stored"], 1)
	assert.Empty(t, body["pending"])

	w, _ = doJSON(t, r, http.MethodGet, "/api/ai/enhanced/metrics?days=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshCacheEndpoint(t *testing.T) {
	r, s := newChatRouter(t)
	doJSON(t, r, http.MethodPost, "/api/ai/enhanced/chat", gin.H{"message": "zyrtec tablets"}, nil)

	_, err := s.InsertProduct(context.Background(), store.NewProduct{PharmacyID: 1, Name: "Zyrtec Tablets", Category: "Antihistamines", Stock: 9})
	require.NoError(t, err)

	w, body := doJSON(t, r, http.MethodPost, "/api/ai/enhanced/refresh-cache?pharmacy_id=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), body["products"])

	_, body = doJSON(t, r, http.MethodPost, "/api/ai/enhanced/chat", gin.H{"message": "zyrtec tablets"}, nil)
	data := body["response"].(map[string]interface{})["data"].([]interface{})
	require.NotEmpty(t, data)
	assert.Equal(t, "Zyrtec Tablets", data[0].(map[string]interface{})["name"])

	w, body = doJSON(t, r, http.MethodPost, "/api/ai/enhanced/refresh-cache", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["pharmacy_id"])
}
