package store

import (
	"context"
	"path/filepath"
	"testing"

	"pharmacy-ai-api/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT '?' FROM t WHERE a = $1", pg.rebind("SELECT '?' FROM t WHERE a = ?"))

	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ? FROM t", lite.rebind("SELECT ? FROM t"))
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open("mysql://localhost/db")
	assert.Error(t, err)
}

func TestListActiveProducts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.InsertProduct(ctx, NewProduct{PharmacyID: 1, Name: "Biogesic 500mg", Category: "Analgesics", UnitPrice: 5, CostPrice: 3, Stock: 200, Location: "Aisle 1"})
	require.NoError(t, err)
	_, err = s.InsertProduct(ctx, NewProduct{PharmacyID: 1, Name: "Amlodipine 5mg", Category: "Cardio", UnitPrice: 12, CostPrice: 8, Stock: 20, Location: "Shelf B"})
	require.NoError(t, err)
	_, err = s.InsertProduct(ctx, NewProduct{PharmacyID: 1, Name: "Discontinued Syrup", Stock: 3, Inactive: true})
	require.NoError(t, err)
	_, err = s.InsertProduct(ctx, NewProduct{PharmacyID: 2, Name: "Other Pharmacy Item", Stock: 1})
	require.NoError(t, err)

	rows, err := s.ListActiveProducts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "Amlodipine 5mg", rows[0].Name)
	assert.Equal(t, "Cardio", rows[0].CategoryName)
	assert.Equal(t, 20, rows[0].CurrentStock)
	assert.Equal(t, "Shelf B", rows[0].Location)
	assert.Equal(t, "Biogesic 500mg", rows[1].Name)
	assert.InDelta(t, 5.0, rows[1].UnitPrice, 1e-9)

	cats, err := s.ListCategories(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, cats, 2)

	name, err := s.TargetName(ctx, 1, models.TargetProduct, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Amlodipine 5mg", name)

	_, err = s.TargetName(ctx, 1, models.TargetProduct, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDailySalesSeriesUnion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pid, err := s.InsertProduct(ctx, NewProduct{PharmacyID: 1, Name: "Biogesic 500mg", Category: "Analgesics", UnitPrice: 5, Stock: 100})
	require.NoError(t, err)

	_, err = s.UpsertHistoricalDaily(ctx, []HistoricalRow{
		{PharmacyID: 1, ProductID: pid, SaleDate: "2026-01-10", QuantitySold: 4, TotalAmount: 20},
		{PharmacyID: 1, ProductID: pid, SaleDate: "2026-01-11", QuantitySold: 6, TotalAmount: 30},
		// 直近期間の履歴行は無視される
		{PharmacyID: 1, ProductID: pid, SaleDate: "2026-02-05", QuantitySold: 99, TotalAmount: 1},
	})
	require.NoError(t, err)

	require.NoError(t, s.InsertCompletedSale(ctx, 1, pid, 2, 5, "2026-02-05 09:00:00"))
	require.NoError(t, s.InsertCompletedSale(ctx, 1, pid, 3, 5, "2026-02-05 15:30:00"))

	series, err := s.DailySalesSeries(ctx, 1, models.TargetProduct, pid, "2026-01-01", "2026-02-01")
	require.NoError(t, err)

	byDate := map[string]DailySales{}
	for _, d := range series {
		byDate[d.Date] = d
	}
	require.Len(t, byDate, 3)
	assert.InDelta(t, 4, byDate["2026-01-10"].Quantity, 1e-9)
	assert.InDelta(t, 6, byDate["2026-01-11"].Quantity, 1e-9)
	assert.InDelta(t, 5, byDate["2026-02-05"].Quantity, 1e-9)
	assert.InDelta(t, 25, byDate["2026-02-05"].Revenue, 1e-9)
}

func TestUpsertDailyMetricsAddsCountersAndReplacesArrays(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := models.DailyMetrics{
		MetricDate: "2026-03-01", PharmacyID: 1,
		TotalQueries: 5, NoMatchQueries: 3, PositiveFeedback: 1, AvgLatencyMs: 12.5,
		TopUnmatchedTokens: []models.TermCount{{Term: "xyzzyx", Count: 3}},
	}
	require.NoError(t, s.UpsertDailyMetrics(ctx, first))

	second := models.DailyMetrics{
		MetricDate: "2026-03-01", PharmacyID: 1,
		TotalQueries: 2, NoMatchQueries: 1, NegativeFeedback: 1, AvgLatencyMs: 40,
		TopUnmatchedTokens: []models.TermCount{{Term: "plugh", Count: 1}},
	}
	require.NoError(t, s.UpsertDailyMetrics(ctx, second))

	rows, err := s.ListDailyMetrics(ctx, "2026-01-01", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "2026-03-01", row.MetricDate)
	assert.Equal(t, 7, row.TotalQueries)
	assert.Equal(t, 4, row.NoMatchQueries)
	assert.Equal(t, 1, row.PositiveFeedback)
	assert.Equal(t, 1, row.NegativeFeedback)
	assert.InDelta(t, 40, row.AvgLatencyMs, 1e-9)
	assert.Equal(t, []models.TermCount{{Term: "plugh", Count: 1}}, row.TopUnmatchedTokens)
	assert.Equal(t, []models.TermCount{}, row.TopUnmatchedCategories)
}

func TestDeleteMetricsBefore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertDailyMetrics(ctx, models.DailyMetrics{MetricDate: "2025-01-01", PharmacyID: 1, TotalQueries: 1}))
	require.NoError(t, s.UpsertDailyMetrics(ctx, models.DailyMetrics{MetricDate: "2026-03-01", PharmacyID: 1, TotalQueries: 1}))

	n, err := s.DeleteMetricsBefore(ctx, "2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.ListDailyMetrics(ctx, "2000-01-01", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-03-01", rows[0].MetricDate)
}
