package services

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const smapeEpsilon = 1e-8

var errNotPositiveDefinite = errors.New("matrix is not positive definite")

// ridgeSolve はペナルティ付き正規方程式 (X'X + diag(penalty)) β = X'y を Cholesky 分解で解きます。
// X は行が観測、列が説明変数です。
func ridgeSolve(X [][]float64, y []float64, penalty []float64) ([]float64, error) {
	if len(X) == 0 {
		return nil, errors.New("no observations")
	}
	n, k := len(X), len(X[0])
	if k == 0 || len(y) != n || len(penalty) != k {
		return nil, errors.New("dimension mismatch")
	}
	data := make([]float64, 0, n*k)
	for _, row := range X {
		if len(row) != k {
			return nil, errors.New("ragged design matrix")
		}
		data = append(data, row...)
	}
	design := mat.NewDense(n, k, data)

	var gram mat.SymDense
	gram.SymOuterK(1, design.T())
	for i, p := range penalty {
		gram.SetSym(i, i, gram.At(i, i)+p)
	}
	var rhs mat.VecDense
	rhs.MulVec(design.T(), mat.NewVecDense(n, y))

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, errNotPositiveDefinite
	}
	var beta mat.VecDense
	// 条件数の警告は解を返したうえでの通知なので無視する
	var cond mat.Condition
	if err := chol.SolveVecTo(&beta, &rhs); err != nil && !errors.As(err, &cond) {
		return nil, err
	}
	return mat.Col(nil, 0, &beta), nil
}

// calculateStandardDeviation パッケージ内部用のヘルパー関数：標準偏差を計算
func calculateStandardDeviation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.PopStdDev(values, nil)
}

// polyMul multiplies two lag polynomials given as coefficient slices (index = lag).
func polyMul(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, x := range a {
		if x == 0 {
			continue
		}
		for j, y := range b {
			out[i+j] += x * y
		}
	}
	return out
}

// lagPoly returns 1 + c·B^lag.
func lagPoly(c float64, lag int) []float64 {
	p := make([]float64, lag+1)
	p[0] = 1
	p[lag] = c
	return p
}

// normalQuantile returns the two-sided z value for the given coverage, e.g. 0.95 -> 1.96.
func normalQuantile(coverage float64) float64 {
	n := distuv.Normal{Mu: 0, Sigma: 1}
	return n.Quantile(0.5 + coverage/2)
}

// evaluateForecast は MAE・RMSE・sMAPE を計算し、精度 = clamp(100 - sMAPE, 0, 100) を返します。
func evaluateForecast(actual, predicted []float64) (mae, rmse, accuracy float64) {
	n := len(actual)
	if n == 0 || len(predicted) != n {
		return 0, 0, 0
	}
	var absSum, sqSum, smape float64
	for i := range actual {
		diff := actual[i] - predicted[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
		smape += 2 * math.Abs(diff) / (math.Abs(actual[i]) + math.Abs(predicted[i]) + smapeEpsilon)
	}
	mae = absSum / float64(n)
	rmse = math.Sqrt(sqSum / float64(n))
	accuracy = 100 - smape/float64(n)*100
	if accuracy < 0 {
		accuracy = 0
	}
	if accuracy > 100 {
		accuracy = 100
	}
	return mae, rmse, accuracy
}

func clipNonNegative(v []float64) []float64 {
	for i, x := range v {
		if x < 0 || math.IsNaN(x) {
			v[i] = 0
		}
	}
	return v
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
