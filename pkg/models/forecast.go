package models

import "time"

// Forecast target kinds.
const (
	TargetProduct  = "product"
	TargetCategory = "category"
)

// DailyPoint is one day of a zero-filled sales series.
type DailyPoint struct {
	Date    string  `json:"date"` // YYYY-MM-DD
	Value   float64 `json:"value"`
	Revenue float64 `json:"revenue"`
}

// PeriodPoint is a weekly or monthly total of a daily series.
type PeriodPoint struct {
	Period    string  `json:"period"`     // e.g. 2026-W12 or 2026-03
	StartDate string  `json:"start_date"` // YYYY-MM-DD (inclusive)
	EndDate   string  `json:"end_date"`   // YYYY-MM-DD (inclusive)
	Value     float64 `json:"value"`
	Revenue   float64 `json:"revenue"`
	Days      int     `json:"days"`
}

// ModelMetrics holds hold-out evaluation results of one model.
type ModelMetrics struct {
	MAE      float64 `json:"mae" msgpack:"mae"`
	RMSE     float64 `json:"rmse" msgpack:"rmse"`
	Accuracy float64 `json:"accuracy" msgpack:"accuracy"` // 0〜100
}

// ForecastSeries is a horizon-N forecast with confidence bounds.
type ForecastSeries struct {
	Dates       []string  `json:"dates"`
	Predictions []float64 `json:"predictions"`
	LowerBound  []float64 `json:"lower_bound"`
	UpperBound  []float64 `json:"upper_bound"`
	ModelUsed   string    `json:"model_used"`
}

// TrainRequest is the body of POST /api/forecasting/train.
type TrainRequest struct {
	PharmacyID     int64  `json:"pharmacy_id"`
	TargetID       int64  `json:"target_id" binding:"required"`
	TargetName     string `json:"target_name,omitempty"`
	ModelType      string `json:"model_type"`
	Days           int    `json:"days"`
	ReturnForecast bool   `json:"return_forecast"`
	ForecastDays   int    `json:"forecast_days"`
}

// TrainOutcome summarises a train_and_compare run.
type TrainOutcome struct {
	PharmacyID int64                   `json:"pharmacy_id"`
	TargetID   int64                   `json:"target_id"`
	TargetName string                  `json:"target_name"`
	ModelType  string                  `json:"model_type"`
	BestModel  string                  `json:"best_model"`
	Metrics    ModelMetrics            `json:"metrics"`
	Comparison map[string]ModelMetrics `json:"comparison"`
	DataPoints int                     `json:"data_points"`
	TrainedAt  time.Time               `json:"trained_at"`
	RunID      string                  `json:"run_id"`
}

// FinancialProjection is revenue or profit derived from a unit forecast.
type FinancialProjection struct {
	Daily []float64 `json:"daily"`
	Total float64   `json:"total"`
}

// ForecastResponse is shared by the train and predictions endpoints.
type ForecastResponse struct {
	Success    bool                    `json:"success"`
	TargetID   int64                   `json:"target_id"`
	TargetName string                  `json:"target_name"`
	ModelType  string                  `json:"model_type"`
	BestModel  string                  `json:"best_model"`
	Metrics    ModelMetrics            `json:"metrics"`
	Comparison map[string]ModelMetrics `json:"comparison"`
	TrainedAt  time.Time               `json:"trained_at"`
	Forecast   *ForecastSeries         `json:"forecast,omitempty"`
	Revenue    *FinancialProjection    `json:"revenue,omitempty"`
	Profit     *FinancialProjection    `json:"profit,omitempty"`
}

// ModelSummary lists one persisted artifact.
type ModelSummary struct {
	TargetID   int64     `json:"target_id"`
	TargetName string    `json:"target_name"`
	ModelType  string    `json:"model_type"`
	BestModel  string    `json:"best_model"`
	Accuracy   float64   `json:"accuracy"`
	MAE        float64   `json:"mae"`
	TrainedAt  time.Time `json:"trained_at"`
}

// ForecastTarget is a product or category that can be forecast.
type ForecastTarget struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}
