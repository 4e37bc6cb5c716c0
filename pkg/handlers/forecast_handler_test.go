package handlers

import (
	"bytes"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pharmacy-ai-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newForecastRouter(t *testing.T) (*gin.Engine, map[string]int64) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := newTestStore(t)
	ids := seedCatalog(t, s)

	artifacts, err := services.NewArtifactStore(filepath.Join(t.TempDir(), "models"), zerolog.Nop())
	require.NoError(t, err)
	forecasts := services.NewForecastService(s, artifacts, zerolog.Nop())
	importer := services.NewSalesImporter(s, zerolog.Nop())
	h := NewForecastHandler(forecasts, importer, s, ForecastDefaults{}, zerolog.Nop())

	r := gin.New()
	api := r.Group("/api/forecasting")
	api.POST("/train", h.Train)
	api.GET("/predictions", h.GetPredictions)
	api.GET("/models", h.ListModels)
	api.GET("/accuracy", h.GetAccuracy)
	api.GET("/historical", h.GetHistorical)
	api.POST("/import-historical", h.ImportHistorical)
	api.GET("/categories", h.ListCategories)
	api.GET("/products", h.ListProducts)
	return r, ids
}

// historyCSV returns 80 days of weekly-patterned sales ending 41 days ago.
func historyCSV(productID int64) string {
	var b strings.Builder
	b.WriteString("date,product_id,quantity,total_amount\n")
	today := time.Now()
	for i := 120; i >= 41; i-- {
		d := today.AddDate(0, 0, -i)
		qty := 20 + int(math.Round(6*math.Sin(2*math.Pi*float64(d.Weekday())/7)))
		fmt.Fprintf(&b, "%s,%d,%d,%d\n", d.Format("2006-01-02"), productID, qty, qty*5)
	}
	return b.String()
}

func uploadFile(t *testing.T, r http.Handler, name, content string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/forecasting/import-historical", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w, w.Body.String()
}

func TestForecastTrainAndPredict(t *testing.T) {
	r, ids := newForecastRouter(t)
	biogesic := ids["Biogesic 500mg"]

	w, body := uploadFile(t, r, "history.csv", historyCSV(biogesic))
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Contains(t, body, `"imported":80`)

	w, resp := doJSON(t, r, http.MethodPost, "/api/forecasting/train", gin.H{
		"target_id":       biogesic,
		"return_forecast": true,
		"forecast_days":   14,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Biogesic 500mg", resp["target_name"])
	assert.Contains(t, []interface{}{services.ModelSarimax, services.ModelProphet}, resp["best_model"])
	assert.Len(t, resp["comparison"], 2)
	forecast := resp["forecast"].(map[string]interface{})
	assert.Len(t, forecast["predictions"], 14)
	assert.Len(t, forecast["dates"], 14)
	require.NotNil(t, resp["revenue"])
	require.NotNil(t, resp["profit"])

	w, resp = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/forecasting/predictions?target_id=%d&forecast_days=7&auto_train=false", biogesic), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["forecast"].(map[string]interface{})["predictions"], 7)

	_, resp = doJSON(t, r, http.MethodGet, "/api/forecasting/models", nil, nil)
	assert.Equal(t, float64(1), resp["count"])

	_, resp = doJSON(t, r, http.MethodGet, "/api/forecasting/accuracy", nil, nil)
	assert.Equal(t, float64(1), resp["accuracy"].(map[string]interface{})["models"])

	w, resp = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/forecasting/historical?target_id=%d&days=200", biogesic), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(121), resp["data_points"])

	w, resp = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/forecasting/historical?target_id=%d&granularity=monthly", biogesic), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "monthly", resp["granularity"])
	assert.NotEmpty(t, resp["periods"])

	w, _ = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/forecasting/historical?target_id=%d&granularity=hourly", biogesic), nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForecastErrors(t *testing.T) {
	r, ids := newForecastRouter(t)
	amlodipine := ids["Amlodipine 5mg"]

	w, _ := doJSON(t, r, http.MethodPost, "/api/forecasting/train", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, r, http.MethodPost, "/api/forecasting/train", gin.H{"target_id": amlodipine, "model_type": "brand"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := doJSON(t, r, http.MethodPost, "/api/forecasting/train", gin.H{"target_id": amlodipine}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, body["error"], "Insufficient data for training: 0 daily observations")

	w, _ = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/forecasting/predictions?target_id=%d&auto_train=false", amlodipine), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = doJSON(t, r, http.MethodGet, "/api/forecasting/predictions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "target_id is required", body["error"])

	w, _ = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/forecasting/predictions?target_id=%d&forecast_days=abc", amlodipine), nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportHistoricalErrors(t *testing.T) {
	r, _ := newForecastRouter(t)

	w, body := uploadFile(t, r, "history.pdf", "x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body, "unsupported file format")

	w, body = uploadFile(t, r, "history.csv", "foo,bar\n1,2\n")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body, "required columns not found")

	w, _ = doJSON(t, r, http.MethodPost, "/api/forecasting/import-historical", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForecastTargetLists(t *testing.T) {
	r, _ := newForecastRouter(t)

	_, body := doJSON(t, r, http.MethodGet, "/api/forecasting/products", nil, nil)
	assert.Equal(t, float64(4), body["count"])
	first := body["products"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Amlodipine 5mg", first["name"])

	_, body = doJSON(t, r, http.MethodGet, "/api/forecasting/categories?pharmacy_id=2", nil, nil)
	assert.Equal(t, float64(1), body["count"])

	_, body = doJSON(t, r, http.MethodGet, "/api/forecasting/products?pharmacy_id=9", nil, nil)
	assert.Equal(t, float64(0), body["count"])
	assert.Empty(t, body["products"])
}

func TestWriteForecastErrorHidesFitDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewForecastHandler(nil, nil, nil, ForecastDefaults{}, zerolog.Nop())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	err := fmt.Errorf("%w: sarimax: optimizer diverged at /var/lib/models", services.ErrNoModelTrained)
	h.writeForecastError(c, err, 7)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "Model training failed for this target")
	assert.NotContains(t, w.Body.String(), "optimizer")
	assert.NotContains(t, w.Body.String(), "/var/lib")
}
