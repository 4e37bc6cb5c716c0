package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"pharmacy-ai-api/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite://" + filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCatalog(t *testing.T, s *store.Store) map[string]int64 {
	t.Helper()
	ids := map[string]int64{}
	for _, p := range []store.NewProduct{
		{PharmacyID: 1, Name: "Biogesic 500mg", Category: "Analgesics", UnitPrice: 5, CostPrice: 3, Stock: 200, Location: "Aisle 1"},
		{PharmacyID: 1, Name: "Amlodipine 5mg", Category: "Cardio", UnitPrice: 12, CostPrice: 8, Stock: 20, Location: "Shelf B"},
		{PharmacyID: 1, Name: "Ceelin Drops", Category: "Supplements", UnitPrice: 150, CostPrice: 110, Stock: 0, Location: "Shelf C"},
		{PharmacyID: 1, Name: "Losartan 50mg", Category: "Cardio", UnitPrice: 15, CostPrice: 10, Stock: 40, Location: "Shelf B"},
		{PharmacyID: 2, Name: "Cetirizine 10mg", Category: "Antihistamines", UnitPrice: 4, CostPrice: 2, Stock: 30},
	} {
		id, err := s.InsertProduct(context.Background(), p)
		require.NoError(t, err)
		ids[p.Name] = id
	}
	return ids
}

// doJSON sends body (marshalled when non-nil) and decodes the JSON response.
func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}, header http.Header) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestPharmacyIDFrom(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name    string
		url     string
		header  string
		bodyID  int64
		want    int64
		wantErr bool
	}{
		{"body wins", "/?pharmacy_id=3", "4", 2, 2, false},
		{"query before header", "/?pharmacy_id=3", "4", 0, 3, false},
		{"header", "/", "4", 0, 4, false},
		{"fallback", "/", "", 0, 1, false},
		{"invalid query", "/?pharmacy_id=abc", "", 0, 0, true},
		{"non-positive header", "/", "-2", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				c.Request.Header.Set("X-Pharmacy-ID", tt.header)
			}
			got, err := pharmacyIDFrom(c, tt.bodyID, defaultPharmacyID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryInt(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?days=14&bad=x&neg=-1&id=42", nil)

	v, err := queryInt(c, "days", 7)
	require.NoError(t, err)
	assert.Equal(t, 14, v)
	v, err = queryInt(c, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	_, err = queryInt(c, "bad", 7)
	assert.EqualError(t, err, "bad must be a positive integer")
	_, err = queryInt(c, "neg", 7)
	assert.Error(t, err)

	id, err := queryInt64(c, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	_, err = queryInt64(c, "target_id")
	assert.EqualError(t, err, "target_id is required")
}

func TestAPIKeyAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ok := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) }

	open := gin.New()
	open.GET("/x", APIKeyAuth(""), ok)
	w, _ := doJSON(t, open, http.MethodGet, "/x", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	r := gin.New()
	r.GET("/x", APIKeyAuth("secret"), ok)
	w, body := doJSON(t, r, http.MethodGet, "/x", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Unauthorized", body["error"])

	w, _ = doJSON(t, r, http.MethodGet, "/x", nil, http.Header{"X-Api-Key": {"secret"}})
	assert.Equal(t, http.StatusOK, w.Code)

	// a configured key is always enforced, whatever its value
	d := gin.New()
	d.GET("/x", APIKeyAuth("default_secret_key"), ok)
	w, _ = doJSON(t, d, http.MethodGet, "/x", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = doJSON(t, d, http.MethodGet, "/x", nil, http.Header{"X-Api-Key": {"default_secret_key"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServiceTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/refresh", ServiceTokenAuth("tok"), func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) })

	w, _ := doJSON(t, r, http.MethodPost, "/refresh", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = doJSON(t, r, http.MethodPost, "/refresh", nil, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = doJSON(t, r, http.MethodPost, "/refresh", nil, http.Header{"Authorization": {"Bearer tok"}})
	assert.Equal(t, http.StatusOK, w.Code)
}
