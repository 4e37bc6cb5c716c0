package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"pharmacy-ai-api/pkg/models"
	"pharmacy-ai-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const maxImportFileSize = 20 << 20

// CatalogLister lists forecastable products and categories.
type CatalogLister interface {
	ListProducts(ctx context.Context, pharmacyID int64) ([]models.ForecastTarget, error)
	ListCategories(ctx context.Context, pharmacyID int64) ([]models.ForecastTarget, error)
}

// ForecastDefaults are used when a request omits days / forecast_days.
type ForecastDefaults struct {
	HistoryDays  int
	ForecastDays int
}

// ForecastHandler は /api/forecasting 配下のハンドラです。
type ForecastHandler struct {
	forecasts *services.ForecastService
	importer  *services.SalesImporter
	catalog   CatalogLister
	defaults  ForecastDefaults
	log       zerolog.Logger
}

// NewForecastHandler は新しいForecastHandlerを生成します。
func NewForecastHandler(forecasts *services.ForecastService, importer *services.SalesImporter, catalog CatalogLister, defaults ForecastDefaults, log zerolog.Logger) *ForecastHandler {
	if defaults.HistoryDays <= 0 {
		defaults.HistoryDays = 365
	}
	if defaults.ForecastDays <= 0 {
		defaults.ForecastDays = 30
	}
	return &ForecastHandler{
		forecasts: forecasts,
		importer:  importer,
		catalog:   catalog,
		defaults:  defaults,
		log:       log,
	}
}

func normalizeModelType(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", models.TargetProduct:
		return models.TargetProduct, true
	case models.TargetCategory:
		return models.TargetCategory, true
	default:
		return "", false
	}
}

// writeForecastError はエラー種別に応じたステータスで応答します。内部の詳細はログのみに出します。
func (h *ForecastHandler) writeForecastError(c *gin.Context, err error, targetID int64) {
	var insufficient *services.InsufficientDataError
	switch {
	case errors.As(err, &insufficient):
		respondError(c, http.StatusUnprocessableEntity, insufficient.Error())
	case errors.Is(err, services.ErrNoModelTrained):
		h.log.Warn().Err(err).Int64("target_id", targetID).Msg("no forecast model could be trained")
		respondError(c, http.StatusUnprocessableEntity, "Model training failed for this target")
	case errors.Is(err, services.ErrArtifactNotFound):
		respondError(c, http.StatusNotFound, "no trained model found for this target")
	default:
		h.log.Error().Err(err).Int64("target_id", targetID).Msg("forecast request failed")
		respondError(c, http.StatusInternalServerError, "forecasting failed")
	}
}

// Train は対象の SARIMAX / Prophet を学習・比較し、勝者を保存します。
func (h *ForecastHandler) Train(c *gin.Context) {
	var req models.TrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "target_id is required")
		return
	}
	modelType, ok := normalizeModelType(req.ModelType)
	if !ok {
		respondError(c, http.StatusBadRequest, "model_type must be product or category")
		return
	}
	pharmacyID, err := pharmacyIDFrom(c, req.PharmacyID, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	days := req.Days
	if days <= 0 {
		days = h.defaults.HistoryDays
	}
	forecastDays := req.ForecastDays
	if forecastDays <= 0 {
		forecastDays = h.defaults.ForecastDays
	}

	target := services.ForecastTarget{
		PharmacyID: pharmacyID,
		ModelType:  modelType,
		TargetID:   req.TargetID,
		TargetName: req.TargetName,
	}
	ctx := c.Request.Context()
	artifact, err := h.forecasts.TrainAndCompare(ctx, target, days)
	if err != nil {
		h.writeForecastError(c, err, req.TargetID)
		return
	}

	if !req.ReturnForecast {
		c.JSON(http.StatusOK, h.forecasts.BuildResponse(ctx, artifact, nil))
		return
	}
	series, artifact, err := h.forecasts.Forecast(ctx, target, forecastDays)
	if err != nil {
		h.writeForecastError(c, err, req.TargetID)
		return
	}
	c.JSON(http.StatusOK, h.forecasts.BuildResponse(ctx, artifact, series))
}

// GetPredictions は保存済みモデルで予測を返します。モデルが無ければ学習してから予測します。
func (h *ForecastHandler) GetPredictions(c *gin.Context) {
	targetID, err := queryInt64(c, "target_id")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	modelType, ok := normalizeModelType(c.Query("model_type"))
	if !ok {
		respondError(c, http.StatusBadRequest, "model_type must be product or category")
		return
	}
	pharmacyID, err := pharmacyIDFrom(c, 0, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	forecastDays, err := queryInt(c, "forecast_days", h.defaults.ForecastDays)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	historyDays, err := queryInt(c, "days", h.defaults.HistoryDays)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	autoTrain := c.DefaultQuery("auto_train", "true") != "false"

	target := services.ForecastTarget{PharmacyID: pharmacyID, ModelType: modelType, TargetID: targetID}
	resp, err := h.forecasts.Predictions(c.Request.Context(), target, historyDays, forecastDays, autoTrain)
	if err != nil {
		h.writeForecastError(c, err, targetID)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListModels は保存済みモデルの一覧を返します。
func (h *ForecastHandler) ListModels(c *gin.Context) {
	pharmacyID, err := pharmacyIDFrom(c, 0, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.forecasts.ListModels(pharmacyID)
	if err != nil {
		h.log.Error().Err(err).Msg("list models failed")
		respondError(c, http.StatusInternalServerError, "could not list models")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "models": list, "count": len(list)})
}

// GetAccuracy はモデル精度の集計を返します。
func (h *ForecastHandler) GetAccuracy(c *gin.Context) {
	pharmacyID, err := pharmacyIDFrom(c, 0, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := h.forecasts.Accuracy(pharmacyID)
	if err != nil {
		h.log.Error().Err(err).Msg("accuracy summary failed")
		respondError(c, http.StatusInternalServerError, "could not summarize accuracy")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "accuracy": summary})
}

// GetHistorical は0埋めされた日次売上系列を返します。granularity=weekly|monthly で期間合計も返します。
func (h *ForecastHandler) GetHistorical(c *gin.Context) {
	targetID, err := queryInt64(c, "target_id")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	modelType, ok := normalizeModelType(c.Query("model_type"))
	if !ok {
		respondError(c, http.StatusBadRequest, "model_type must be product or category")
		return
	}
	pharmacyID, err := pharmacyIDFrom(c, 0, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	days, err := queryInt(c, "days", h.defaults.HistoryDays)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	target := services.ForecastTarget{PharmacyID: pharmacyID, ModelType: modelType, TargetID: targetID}
	series, err := h.forecasts.HistoricalSeries(c.Request.Context(), target, days)
	if err != nil {
		h.writeForecastError(c, err, targetID)
		return
	}
	var total float64
	for _, p := range series {
		total += p.Value
	}
	resp := gin.H{
		"success":     true,
		"target_id":   targetID,
		"model_type":  modelType,
		"days":        days,
		"data_points": len(series),
		"total_units": total,
		"series":      series,
	}
	if granularity := c.DefaultQuery("granularity", services.GranularityDaily); granularity != services.GranularityDaily {
		periods, err := services.AggregateDailySeries(series, granularity)
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		resp["granularity"] = granularity
		resp["periods"] = periods
	}
	c.JSON(http.StatusOK, resp)
}

// ImportHistorical は .xlsx / .csv の日次売上を取り込みます。
func (h *ForecastHandler) ImportHistorical(c *gin.Context) {
	pharmacyID, err := pharmacyIDFrom(c, 0, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "file is required")
		return
	}
	if fileHeader.Size > maxImportFileSize {
		respondError(c, http.StatusRequestEntityTooLarge, "file is too large")
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "could not open uploaded file")
		return
	}
	defer f.Close()

	report, err := h.importer.Import(c.Request.Context(), pharmacyID, fileHeader.Filename, f)
	switch {
	case errors.Is(err, services.ErrUnsupportedFormat), errors.Is(err, services.ErrInvalidImportFile):
		respondError(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Str("file", fileHeader.Filename).Msg("historical import failed")
		respondError(c, http.StatusInternalServerError, "historical import failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

// ListCategories は予測対象にできるカテゴリの一覧を返します。
func (h *ForecastHandler) ListCategories(c *gin.Context) {
	h.listTargets(c, h.catalog.ListCategories, "categories")
}

// ListProducts は予測対象にできる商品の一覧を返します。
func (h *ForecastHandler) ListProducts(c *gin.Context) {
	h.listTargets(c, h.catalog.ListProducts, "products")
}

func (h *ForecastHandler) listTargets(c *gin.Context, list func(context.Context, int64) ([]models.ForecastTarget, error), key string) {
	pharmacyID, err := pharmacyIDFrom(c, 0, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	targets, err := list(c.Request.Context(), pharmacyID)
	if err != nil {
		h.log.Error().Err(err).Str("list", key).Msg("list forecast targets failed")
		respondError(c, http.StatusInternalServerError, "could not load "+key)
		return
	}
	if targets == nil {
		targets = []models.ForecastTarget{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, key: targets, "count": len(targets)})
}
