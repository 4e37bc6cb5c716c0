package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"pharmacy-ai-api/pkg/models"
	"pharmacy-ai-api/pkg/observability"
	"pharmacy-ai-api/pkg/store"

	"github.com/rs/zerolog"
)

const (
	minTrainingObservations = 14
	minTestWindow           = 7
	trainFraction           = 0.8
	recentSalesWindowDays   = 30
	defaultHistoryDays      = 365
	defaultForecastDays     = 30
	maxForecastDays         = 365
)

// ErrNoModelTrained is returned when neither model could be fitted and evaluated.
var ErrNoModelTrained = errors.New("no forecasting model could be trained")

// InsufficientDataError は学習に必要な観測数が足りない場合のエラーです。
type InsufficientDataError struct {
	Got int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("Insufficient data for training: %d daily observations, need at least %d", e.Got, minTrainingObservations)
}

// SalesSource は予測に必要な売上・価格の読み出し元です。*store.Store が実装します。
type SalesSource interface {
	DailySalesSeries(ctx context.Context, pharmacyID int64, modelType string, targetID int64, start, cutoff string) ([]store.DailySales, error)
	TargetName(ctx context.Context, pharmacyID int64, modelType string, targetID int64) (string, error)
	Pricing(ctx context.Context, pharmacyID int64, modelType string, targetID int64) (unitPrice, costPrice float64, err error)
}

// ForecastTarget identifies what to forecast.
type ForecastTarget struct {
	PharmacyID int64
	ModelType  string
	TargetID   int64
	TargetName string
}

func (t ForecastTarget) normalized() ForecastTarget {
	if t.ModelType != models.TargetCategory {
		t.ModelType = models.TargetProduct
	}
	return t
}

// ForecastService は日次売上から SARIMAX と Prophet を学習・比較し、勝者で予測します。
type ForecastService struct {
	source    SalesSource
	artifacts *ArtifactStore
	log       zerolog.Logger
	now       func() time.Time
}

// NewForecastService は新しいForecastServiceを生成します。
func NewForecastService(source SalesSource, artifacts *ArtifactStore, log zerolog.Logger) *ForecastService {
	return &ForecastService{
		source:    source,
		artifacts: artifacts,
		log:       log,
		now:       time.Now,
	}
}

func (s *ForecastService) today() time.Time {
	n := s.now()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, n.Location())
}

// HistoricalSeries は [今日-days, 今日] の日次系列を返します。
// 30日より前は日次履歴テーブル、それ以降は完了済み売上から集計します。
// 系列は最初の記録日から始まり、以降の欠損日は0で埋めます。
func (s *ForecastService) HistoricalSeries(ctx context.Context, target ForecastTarget, days int) ([]models.DailyPoint, error) {
	target = target.normalized()
	if days <= 0 {
		days = defaultHistoryDays
	}
	today := s.today()
	start := today.AddDate(0, 0, -days)
	cutoff := today.AddDate(0, 0, -recentSalesWindowDays)

	rows, err := s.source.DailySalesSeries(ctx, target.PharmacyID, target.ModelType, target.TargetID,
		start.Format("2006-01-02"), cutoff.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	byDate := make(map[string]store.DailySales, len(rows))
	for _, r := range rows {
		cur := byDate[r.Date]
		cur.Quantity += r.Quantity
		cur.Revenue += r.Revenue
		byDate[r.Date] = cur
	}

	out := make([]models.DailyPoint, 0, days+1)
	for d := start; !d.After(today); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		r, ok := byDate[key]
		if !ok && len(out) == 0 {
			// 最初の売上記録より前は系列に含めない
			continue
		}
		out = append(out, models.DailyPoint{
			Date:    key,
			Value:   math.Max(r.Quantity, 0),
			Revenue: math.Max(r.Revenue, 0),
		})
	}
	return out, nil
}

// TrainAndCompare は系列を 80/20 に分割して両モデルを評価し、勝者を全期間で再学習して保存します。
func (s *ForecastService) TrainAndCompare(ctx context.Context, target ForecastTarget, days int) (*ForecastArtifact, error) {
	target = target.normalized()
	started := time.Now()

	series, err := s.HistoricalSeries(ctx, target, days)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if target.TargetName == "" {
		if name, err := s.source.TargetName(ctx, target.PharmacyID, target.ModelType, target.TargetID); err == nil {
			target.TargetName = name
		}
	}

	artifact, err := s.trainSeries(series, target)
	if err != nil {
		return nil, err
	}
	if err := s.artifacts.Save(artifact); err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}

	observability.ForecastTrainDuration.Observe(time.Since(started).Seconds())
	observability.ForecastWins.WithLabelValues(artifact.Kind).Inc()
	s.log.Info().
		Int64("pharmacy_id", target.PharmacyID).
		Int64("target_id", target.TargetID).
		Str("model_type", target.ModelType).
		Str("best_model", artifact.Kind).
		Float64("accuracy", artifact.Metrics.Accuracy).
		Str("run_id", artifact.RunID).
		Msg("forecast model trained")
	return artifact, nil
}

type candidateFit func(y []float64) (forecastModel, error)

func (s *ForecastService) trainSeries(series []models.DailyPoint, target ForecastTarget) (*ForecastArtifact, error) {
	n := len(series)
	if n < minTrainingObservations {
		return nil, &InsufficientDataError{Got: n}
	}
	values := make([]float64, n)
	for i, p := range series {
		values[i] = p.Value
	}

	testLen := n - int(math.Floor(float64(n)*trainFraction))
	if testLen < minTestWindow {
		testLen = minTestWindow
	}
	train, test := values[:n-testLen], values[n-testLen:]

	startDay, err := epochDay(series[0].Date)
	if err != nil {
		return nil, err
	}
	// 週次成分は系列全体の長さで決める。差分に足りない短い学習窓の比較だけ非季節で当てはめる
	weekly := n >= minTrainingObservations

	candidates := []struct {
		kind string
		fit  candidateFit
	}{
		{ModelSarimax, func(y []float64) (forecastModel, error) { return fitSarimax(y, weekly && seasonalFits(len(y))) }},
		{ModelProphet, func(y []float64) (forecastModel, error) { return fitProphet(startDay, y, weekly) }},
	}

	comparison := map[string]models.ModelMetrics{}
	var errs []error
	for _, c := range candidates {
		m, err := safeFit(c.fit, train)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.kind, err))
			s.log.Warn().Err(err).Str("model", c.kind).Msg("model training failed")
			continue
		}
		pred, _, _ := m.Predict(len(test))
		if !allFinite(pred) {
			errs = append(errs, fmt.Errorf("%s: non-finite forecast", c.kind))
			continue
		}
		mae, rmse, acc := evaluateForecast(test, pred)
		comparison[c.kind] = models.ModelMetrics{MAE: mae, RMSE: rmse, Accuracy: acc}
	}
	if len(comparison) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoModelTrained, errors.Join(errs...))
	}

	best := selectBestModel(comparison)
	var fit candidateFit
	for _, c := range candidates {
		if c.kind == best {
			fit = c.fit
		}
	}
	final, err := safeFit(fit, values)
	if err != nil {
		return nil, fmt.Errorf("refit %s on full series: %w", best, err)
	}

	artifact, err := newArtifact(final)
	if err != nil {
		return nil, err
	}
	artifact.Metrics = comparison[best]
	artifact.Comparison = comparison
	artifact.PharmacyID = target.PharmacyID
	artifact.TargetID = target.TargetID
	artifact.TargetName = target.TargetName
	artifact.ModelType = target.ModelType
	artifact.DataPoints = n
	artifact.LastDate = series[n-1].Date
	artifact.TrainedAt = s.now().UTC()
	return artifact, nil
}

// selectBestModel picks max accuracy, then min MAE, then name for determinism.
func selectBestModel(comparison map[string]models.ModelMetrics) string {
	kinds := make([]string, 0, len(comparison))
	for k := range comparison {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	best := kinds[0]
	for _, k := range kinds[1:] {
		a, b := comparison[k], comparison[best]
		if a.Accuracy > b.Accuracy || (a.Accuracy == b.Accuracy && a.MAE < b.MAE) {
			best = k
		}
	}
	return best
}

func safeFit(fit candidateFit, y []float64) (m forecastModel, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during fit: %v", r)
		}
	}()
	return fit(y)
}

func epochDay(date string) (float64, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", date, err)
	}
	return math.Floor(float64(t.Unix()) / 86400), nil
}

// Forecast は保存済みモデルで days 日分を予測します。モデルがなければ ErrArtifactNotFound です。
func (s *ForecastService) Forecast(ctx context.Context, target ForecastTarget, days int) (*models.ForecastSeries, *ForecastArtifact, error) {
	target = target.normalized()
	days = clampForecastDays(days)
	artifact, err := s.artifacts.Load(target.PharmacyID, target.ModelType, target.TargetID)
	if err != nil {
		return nil, nil, err
	}
	model, err := artifact.Model()
	if err != nil {
		return nil, nil, ErrArtifactNotFound
	}
	mean, lower, upper := model.Predict(days)

	// SARIMAX は今日から、Prophet は学習データ末尾の翌日から日付を振る
	origin := s.today()
	if artifact.Kind == ModelProphet {
		if last, err := time.ParseInLocation("2006-01-02", artifact.LastDate, origin.Location()); err == nil {
			origin = last
		}
	}
	dates := make([]string, days)
	for i := range dates {
		dates[i] = origin.AddDate(0, 0, i+1).Format("2006-01-02")
	}
	return &models.ForecastSeries{
		Dates:       dates,
		Predictions: mean,
		LowerBound:  lower,
		UpperBound:  upper,
		ModelUsed:   artifact.Kind,
	}, artifact, nil
}

// Predictions returns a forecast, training first when no artifact exists and autoTrain is set.
func (s *ForecastService) Predictions(ctx context.Context, target ForecastTarget, historyDays, forecastDays int, autoTrain bool) (*models.ForecastResponse, error) {
	series, artifact, err := s.Forecast(ctx, target, forecastDays)
	if errors.Is(err, ErrArtifactNotFound) && autoTrain {
		s.log.Info().Int64("target_id", target.TargetID).Msg("no model on disk, training before forecast")
		if _, err = s.TrainAndCompare(ctx, target, historyDays); err != nil {
			return nil, err
		}
		series, artifact, err = s.Forecast(ctx, target, forecastDays)
	}
	if err != nil {
		return nil, err
	}
	return s.BuildResponse(ctx, artifact, series), nil
}

// BuildResponse はモデル情報・予測・収益予測をまとめます。価格が取れない場合は収益を省きます。
func (s *ForecastService) BuildResponse(ctx context.Context, artifact *ForecastArtifact, series *models.ForecastSeries) *models.ForecastResponse {
	resp := &models.ForecastResponse{
		Success:    true,
		TargetID:   artifact.TargetID,
		TargetName: artifact.TargetName,
		ModelType:  artifact.ModelType,
		BestModel:  artifact.Kind,
		Metrics:    artifact.Metrics,
		Comparison: artifact.Comparison,
		TrainedAt:  artifact.TrainedAt,
		Forecast:   series,
	}
	if series == nil {
		return resp
	}
	unit, cost, err := s.source.Pricing(ctx, artifact.PharmacyID, artifact.ModelType, artifact.TargetID)
	if err != nil {
		s.log.Debug().Err(err).Int64("target_id", artifact.TargetID).Msg("pricing unavailable, omitting projections")
		return resp
	}
	resp.Revenue, resp.Profit = projectFinancials(series.Predictions, unit, cost)
	return resp
}

func projectFinancials(units []float64, unitPrice, costPrice float64) (revenue, profit *models.FinancialProjection) {
	revenue = &models.FinancialProjection{Daily: make([]float64, len(units))}
	profit = &models.FinancialProjection{Daily: make([]float64, len(units))}
	for i, u := range units {
		revenue.Daily[i] = u * unitPrice
		profit.Daily[i] = u * (unitPrice - costPrice)
		revenue.Total += revenue.Daily[i]
		profit.Total += profit.Daily[i]
	}
	return revenue, profit
}

// ListModels returns summaries of persisted models.
func (s *ForecastService) ListModels(pharmacyID int64) ([]models.ModelSummary, error) {
	artifacts, err := s.artifacts.List(pharmacyID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ModelSummary, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, models.ModelSummary{
			TargetID:   a.TargetID,
			TargetName: a.TargetName,
			ModelType:  a.ModelType,
			BestModel:  a.Kind,
			Accuracy:   a.Metrics.Accuracy,
			MAE:        a.Metrics.MAE,
			TrainedAt:  a.TrainedAt,
		})
	}
	return out, nil
}

// AccuracySummary aggregates hold-out accuracy across persisted models.
type AccuracySummary struct {
	Models          int                  `json:"models"`
	AverageAccuracy float64              `json:"average_accuracy"`
	Wins            map[string]int       `json:"wins"`
	Best            *models.ModelSummary `json:"best,omitempty"`
	Worst           *models.ModelSummary `json:"worst,omitempty"`
}

// Accuracy は保存済みモデルの精度を集計します。
func (s *ForecastService) Accuracy(pharmacyID int64) (*AccuracySummary, error) {
	list, err := s.ListModels(pharmacyID)
	if err != nil {
		return nil, err
	}
	sum := &AccuracySummary{Models: len(list), Wins: map[string]int{}}
	if len(list) == 0 {
		return sum, nil
	}
	var total float64
	for i := range list {
		m := &list[i]
		total += m.Accuracy
		sum.Wins[m.BestModel]++
		if sum.Best == nil || m.Accuracy > sum.Best.Accuracy {
			sum.Best = m
		}
		if sum.Worst == nil || m.Accuracy < sum.Worst.Accuracy {
			sum.Worst = m
		}
	}
	sum.AverageAccuracy = total / float64(len(list))
	return sum, nil
}

func clampForecastDays(days int) int {
	if days <= 0 {
		return defaultForecastDays
	}
	if days > maxForecastDays {
		return maxForecastDays
	}
	return days
}
