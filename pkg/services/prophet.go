package services

import (
	"errors"
	"fmt"
	"math"
)

const (
	prophetMaxChangepoints  = 25
	prophetChangepointRange = 0.8
	prophetChangepointPrior = 0.05
	prophetSeasonalityPrior = 10.0
	prophetTrendPrior       = 5.0
	prophetWeeklyOrder      = 3
	prophetWeeklyPeriod     = 7.0
	prophetIntervalWidth    = 0.8
	prophetNoiseRefitPasses = 2
	prophetMinObservations  = 3
)

// ProphetModel は区分線形トレンドと週次フーリエ季節性の加法モデルです。
// 時間は履歴区間で [0,1] に、値は最大絶対値でスケーリングして保持します。
type ProphetModel struct {
	StartDay     float64   `msgpack:"start_day"` // Unix epoch からの日数
	TScale       float64   `msgpack:"t_scale"`
	YScale       float64   `msgpack:"y_scale"`
	K            float64   `msgpack:"k"`
	M            float64   `msgpack:"m"`
	Changepoints []float64 `msgpack:"changepoints"`
	Deltas       []float64 `msgpack:"deltas"`
	WeeklyOrder  int       `msgpack:"weekly_order"`
	Seasonal     []float64 `msgpack:"seasonal"`
	Sigma        float64   `msgpack:"sigma"`
	MeanAbsDelta float64   `msgpack:"mean_abs_delta"`
	ChangeRate   float64   `msgpack:"change_rate"`
	HistoryEnd   float64   `msgpack:"history_end"`
}

// Kind implements forecastModel.
func (m *ProphetModel) Kind() string { return ModelProphet }

func (m *ProphetModel) validate() error {
	if m.WeeklyOrder < 0 || m.WeeklyOrder > prophetWeeklyOrder {
		return fmt.Errorf("weekly order %d out of range", m.WeeklyOrder)
	}
	if len(m.Deltas) != len(m.Changepoints) {
		return fmt.Errorf("prophet has %d changepoints but %d deltas", len(m.Changepoints), len(m.Deltas))
	}
	if len(m.Seasonal) != 2*m.WeeklyOrder {
		return fmt.Errorf("prophet has %d seasonal terms, weekly order %d needs %d", len(m.Seasonal), m.WeeklyOrder, 2*m.WeeklyOrder)
	}
	if !(m.TScale > 0) || !(m.YScale > 0) {
		return errors.New("prophet scales must be positive")
	}
	scalars := []float64{m.StartDay, m.TScale, m.YScale, m.K, m.M, m.Sigma, m.MeanAbsDelta, m.ChangeRate, m.HistoryEnd}
	if !allFinite(scalars) || !allFinite(m.Changepoints) || !allFinite(m.Deltas) || !allFinite(m.Seasonal) {
		return errors.New("prophet state is not finite")
	}
	return nil
}

// fitProphet fits y observed on consecutive days starting at startDay.
func fitProphet(startDay float64, y []float64, weekly bool) (*ProphetModel, error) {
	n := len(y)
	if n < prophetMinObservations {
		return nil, errors.New("prophet needs at least 3 observations")
	}

	m := &ProphetModel{
		StartDay: startDay,
		TScale:   math.Max(float64(n-1), 1),
		YScale:   1,
	}
	var maxAbs float64
	for _, v := range y {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	if maxAbs > 0 {
		m.YScale = maxAbs
	}
	if weekly {
		m.WeeklyOrder = prophetWeeklyOrder
	}

	// 変化点は履歴の先頭80%に等間隔で置く
	histSize := int(math.Floor(float64(n) * prophetChangepointRange))
	nCP := prophetMaxChangepoints
	if histSize-1 < nCP {
		nCP = histSize - 1
	}
	for i := 1; i <= nCP; i++ {
		idx := math.Round(float64(i) * float64(histSize-1) / float64(nCP))
		m.Changepoints = append(m.Changepoints, idx/m.TScale)
	}

	ys := make([]float64, n)
	X := make([][]float64, n)
	for i := 0; i < n; i++ {
		ys[i] = y[i] / m.YScale
		X[i] = m.features(float64(i) / m.TScale)
	}

	nTrend := 2 + len(m.Changepoints)
	sigma2 := math.Max(variance(ys), 1e-4)
	var beta []float64
	for pass := 0; pass < prophetNoiseRefitPasses; pass++ {
		penalty := make([]float64, len(X[0]))
		for j := range penalty {
			switch {
			case j < 2:
				penalty[j] = sigma2 / (prophetTrendPrior * prophetTrendPrior)
			case j < nTrend:
				penalty[j] = sigma2 / (prophetChangepointPrior * prophetChangepointPrior)
			default:
				penalty[j] = sigma2 / (prophetSeasonalityPrior * prophetSeasonalityPrior)
			}
		}
		b, err := ridgeSolve(X, ys, penalty)
		if err != nil {
			return nil, err
		}
		beta = b
		var rss float64
		for i, row := range X {
			r := ys[i] - dotRow(row, beta)
			rss += r * r
		}
		sigma2 = math.Max(rss/float64(n), 1e-8)
	}

	m.M, m.K = beta[0], beta[1]
	m.Deltas = append([]float64(nil), beta[2:nTrend]...)
	m.Seasonal = append([]float64(nil), beta[nTrend:]...)
	m.Sigma = math.Sqrt(sigma2)
	m.HistoryEnd = float64(n-1) / m.TScale
	if len(m.Deltas) > 0 {
		var s float64
		for _, d := range m.Deltas {
			s += math.Abs(d)
		}
		m.MeanAbsDelta = s / float64(len(m.Deltas))
		m.ChangeRate = float64(len(m.Deltas)) / math.Max(m.HistoryEnd, 1e-9)
	}
	if !allFinite(beta) {
		return nil, errors.New("prophet fit produced non-finite coefficients")
	}
	return m, nil
}

// features returns [1, t, (t-s_j)+..., sin/cos pairs] for scaled time t.
func (m *ProphetModel) features(t float64) []float64 {
	row := make([]float64, 0, 2+len(m.Changepoints)+2*m.WeeklyOrder)
	row = append(row, 1, t)
	for _, s := range m.Changepoints {
		row = append(row, math.Max(t-s, 0))
	}
	day := m.StartDay + t*m.TScale
	for k := 1; k <= m.WeeklyOrder; k++ {
		x := 2 * math.Pi * float64(k) * day / prophetWeeklyPeriod
		row = append(row, math.Sin(x), math.Cos(x))
	}
	return row
}

func (m *ProphetModel) coefficients() []float64 {
	beta := make([]float64, 0, 2+len(m.Deltas)+len(m.Seasonal))
	beta = append(beta, m.M, m.K)
	beta = append(beta, m.Deltas...)
	return append(beta, m.Seasonal...)
}

// Predict は履歴末尾の翌日から h 日分の yhat と 80% 区間を返します。
func (m *ProphetModel) Predict(h int) (mean, lower, upper []float64) {
	beta := m.coefficients()
	z := normalQuantile(prophetIntervalWidth)
	mean = make([]float64, h)
	lower = make([]float64, h)
	upper = make([]float64, h)
	for k := 0; k < h; k++ {
		t := m.HistoryEnd + float64(k+1)/m.TScale
		yhat := dotRow(m.features(t), beta)
		dt := t - m.HistoryEnd
		trendVar := m.ChangeRate * m.MeanAbsDelta * m.MeanAbsDelta * dt * dt * dt / 3
		half := z * math.Sqrt(m.Sigma*m.Sigma+trendVar)
		mean[k] = yhat * m.YScale
		lower[k] = (yhat - half) * m.YScale
		upper[k] = (yhat + half) * m.YScale
	}
	return clipNonNegative(mean), clipNonNegative(lower), clipNonNegative(upper)
}

func dotRow(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func variance(v []float64) float64 {
	sd := calculateStandardDeviation(v)
	return sd * sd
}
