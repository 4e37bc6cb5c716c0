package services

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

const (
	sarimaxSeasonalPeriod = 7
	sarimaxMaxIterations  = 50
	sarimaxCoefBound      = 0.99
	sarimaxCoverage       = 0.95
	sarimaxMinResiduals   = 5
)

// SarimaxModel は (1,1,1)x(1,1,1,s) の当てはめ済みモデルです。SeasonalPeriod が0なら季節成分なし。
// ARMA 部分は差分系列 w = (1-B)(1-B^s)y 上で推定し、予測時に積分して水準に戻します。
type SarimaxModel struct {
	AR             float64   `msgpack:"ar"`
	MA             float64   `msgpack:"ma"`
	SeasonalAR     float64   `msgpack:"sar"`
	SeasonalMA     float64   `msgpack:"sma"`
	SeasonalPeriod int       `msgpack:"seasonal_period"`
	Sigma2         float64   `msgpack:"sigma2"`
	History        []float64 `msgpack:"history"`   // last levels needed to undo differencing
	Differenced    []float64 `msgpack:"diffed"`    // last differenced values, at most the AR degree
	Residuals      []float64 `msgpack:"residuals"` // last residuals, at most the MA degree
}

// Kind implements forecastModel.
func (m *SarimaxModel) Kind() string { return ModelSarimax }

// Order returns the non-seasonal and seasonal orders for display.
func (m *SarimaxModel) Order() (order [3]int, seasonal [4]int) {
	order = [3]int{1, 1, 1}
	if m.SeasonalPeriod > 0 {
		seasonal = [4]int{1, 1, 1, m.SeasonalPeriod}
	}
	return order, seasonal
}

func (m *SarimaxModel) validate() error {
	if m.SeasonalPeriod != 0 && m.SeasonalPeriod != sarimaxSeasonalPeriod {
		return fmt.Errorf("unsupported seasonal period %d", m.SeasonalPeriod)
	}
	phi, theta := armaPolys(m.AR, m.MA, m.SeasonalAR, m.SeasonalMA, m.SeasonalPeriod)
	if want := len(diffPoly(m.SeasonalPeriod)) - 1; len(m.History) != want {
		return fmt.Errorf("sarimax history has %d levels, want %d", len(m.History), want)
	}
	if len(m.Differenced) > len(phi)-1 || len(m.Residuals) > len(theta)-1 {
		return errors.New("sarimax state longer than its polynomials")
	}
	if !allFinite(m.History) || !allFinite(m.Differenced) || !allFinite(m.Residuals) || !allFinite(phi) || !allFinite(theta) {
		return errors.New("sarimax state is not finite")
	}
	if m.Sigma2 < 0 || math.IsNaN(m.Sigma2) || math.IsInf(m.Sigma2, 0) {
		return errors.New("sarimax variance out of range")
	}
	return nil
}

// diffPoly returns (1-B)(1-B^s), or (1-B) when s is 0.
func diffPoly(s int) []float64 {
	d := []float64{1, -1}
	if s > 0 {
		d = polyMul(d, lagPoly(-1, s))
	}
	return d
}

// armaPolys returns the stationary AR and MA polynomials of the differenced
// series, as coefficients of a(B)·w = b(B)·e with a[0] = b[0] = 1.
func armaPolys(ar, ma, sar, sma float64, s int) (phi, theta []float64) {
	phi = []float64{1, -ar}
	theta = []float64{1, ma}
	if s > 0 {
		phi = polyMul(phi, lagPoly(-sar, s))
		theta = polyMul(theta, lagPoly(sma, s))
	}
	return phi, theta
}

// sarimaxPolys builds the full AR polynomial (including both differences) and
// the MA polynomial. Only the forecast variance uses the expanded form.
func sarimaxPolys(ar, ma, sar, sma float64, s int) (arPoly, maPoly []float64) {
	phi, theta := armaPolys(ar, ma, sar, sma, s)
	return polyMul(phi, diffPoly(s)), theta
}

func boundCoef(u float64) float64 { return sarimaxCoefBound * math.Tanh(u) }

// difference applies d to y; the result is len(d)-1 shorter than y.
func difference(y, d []float64) []float64 {
	k := len(d) - 1
	if len(y) <= k {
		return nil
	}
	w := make([]float64, len(y)-k)
	for t := k; t < len(y); t++ {
		var v float64
		for i, c := range d {
			v += c * y[t-i]
		}
		w[t-k] = v
	}
	return w
}

// cssResiduals returns the conditional residuals of w and their sum of
// squares. Values before the start of w are taken as zero.
func cssResiduals(w, phi, theta []float64) ([]float64, float64) {
	e := make([]float64, len(w))
	var ss float64
	for t := range w {
		v := w[t]
		for i := 1; i < len(phi) && t-i >= 0; i++ {
			v += phi[i] * w[t-i]
		}
		for j := 1; j < len(theta) && t-j >= 0; j++ {
			v -= theta[j] * e[t-j]
		}
		e[t] = v
		ss += v * v
	}
	return e, ss
}

// seasonalFits reports whether n points leave enough differenced values for
// the weekly component.
func seasonalFits(n int) bool {
	return n-(len(diffPoly(sarimaxSeasonalPeriod))-1) >= sarimaxMinResiduals
}

// fitSarimax は条件付き二乗和（CSS）を Nelder-Mead で最小化して係数を推定します。
func fitSarimax(y []float64, seasonal bool) (*SarimaxModel, error) {
	s := 0
	if seasonal {
		s = sarimaxSeasonalPeriod
	}
	d := diffPoly(s)
	k := len(d) - 1
	w := difference(y, d)
	if len(w) < sarimaxMinResiduals {
		return nil, fmt.Errorf("sarimax needs at least %d observations, got %d", k+sarimaxMinResiduals, len(y))
	}

	unpack := func(x []float64) (ar, ma, sar, sma float64) {
		ar, ma = boundCoef(x[0]), boundCoef(x[1])
		if s > 0 {
			sar, sma = boundCoef(x[2]), boundCoef(x[3])
		}
		return
	}

	start := []float64{0.1, -0.1}
	if s > 0 {
		start = append(start, 0.1, -0.1)
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			ar, ma, sar, sma := unpack(x)
			phi, theta := armaPolys(ar, ma, sar, sma, s)
			_, ss := cssResiduals(w, phi, theta)
			if math.IsNaN(ss) || math.IsInf(ss, 0) {
				return math.MaxFloat64
			}
			return ss
		},
	}
	settings := &optimize.Settings{MajorIterations: sarimaxMaxIterations, FuncEvaluations: 40 * sarimaxMaxIterations}
	result, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{})
	if result == nil {
		if err == nil {
			err = errors.New("optimizer returned no result")
		}
		return nil, fmt.Errorf("sarimax fit: %w", err)
	}
	if !allFinite(result.X) {
		return nil, errors.New("sarimax fit diverged")
	}

	ar, ma, sar, sma := unpack(result.X)
	phi, theta := armaPolys(ar, ma, sar, sma, s)
	e, ss := cssResiduals(w, phi, theta)
	return &SarimaxModel{
		AR:             ar,
		MA:             ma,
		SeasonalAR:     sar,
		SeasonalMA:     sma,
		SeasonalPeriod: s,
		Sigma2:         ss / float64(len(w)),
		History:        tail(y, k),
		Differenced:    tail(w, len(phi)-1),
		Residuals:      tail(e, len(theta)-1),
	}, nil
}

// tail copies the last n values of v, or all of v when it is shorter.
func tail(v []float64, n int) []float64 {
	if n > len(v) {
		n = len(v)
	}
	return append([]float64(nil), v[len(v)-n:]...)
}

// Predict は h ステップ先までの予測値と 95% 信頼区間を返します（0未満は0に丸めます）。
func (m *SarimaxModel) Predict(h int) (mean, lower, upper []float64) {
	phi, theta := armaPolys(m.AR, m.MA, m.SeasonalAR, m.SeasonalMA, m.SeasonalPeriod)
	d := diffPoly(m.SeasonalPeriod)

	ys := append([]float64(nil), m.History...)
	ws := append([]float64(nil), m.Differenced...)
	es := append([]float64(nil), m.Residuals...)

	mean = make([]float64, h)
	for k := 0; k < h; k++ {
		var w float64
		for i := 1; i < len(phi) && i <= len(ws); i++ {
			w -= phi[i] * ws[len(ws)-i]
		}
		for j := 1; j < len(theta) && j <= len(es); j++ {
			w += theta[j] * es[len(es)-j]
		}
		ws = append(ws, w)
		es = append(es, 0)

		// 差分を戻す
		y := w
		for i := 1; i < len(d) && i <= len(ys); i++ {
			y -= d[i] * ys[len(ys)-i]
		}
		ys = append(ys, y)
		mean[k] = y
	}

	arPoly, maPoly := sarimaxPolys(m.AR, m.MA, m.SeasonalAR, m.SeasonalMA, m.SeasonalPeriod)
	p, q := len(arPoly)-1, len(maPoly)-1
	// psi 重みから予測誤差分散を求める
	psi := make([]float64, h)
	if h > 0 {
		psi[0] = 1
	}
	for j := 1; j < h; j++ {
		var v float64
		if j <= q {
			v = maPoly[j]
		}
		for i := 1; i <= p && i <= j; i++ {
			v -= arPoly[i] * psi[j-i]
		}
		psi[j] = v
	}
	z := normalQuantile(sarimaxCoverage)
	lower = make([]float64, h)
	upper = make([]float64, h)
	var cum float64
	for k := 0; k < h; k++ {
		cum += psi[k] * psi[k]
		half := z * math.Sqrt(m.Sigma2*cum)
		lower[k] = mean[k] - half
		upper[k] = mean[k] + half
	}
	return clipNonNegative(mean), clipNonNegative(lower), clipNonNegative(upper)
}
