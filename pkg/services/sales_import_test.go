package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pharmacy-ai-api/pkg/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeHistoricalSink struct {
	rows []store.HistoricalRow
	err  error
}

func (f *fakeHistoricalSink) UpsertHistoricalDaily(_ context.Context, rows []store.HistoricalRow) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.rows = append(f.rows, rows...)
	return len(rows), nil
}

const salesCSV = `Date,Product_ID,Qty,Amount
2026-01-02,10,3,"1,200.50"
2026-01-02,10,2,800
2026-01-01,11,1,50
,,,
not-a-date,10,1,10
2026-01-03,abc,1,10
2026-01-03,10,-4,10
`

func TestBuildHistoricalRowsAggregates(t *testing.T) {
	rows, err := ReadSheetRows("sales.CSV", strings.NewReader(salesCSV))
	require.NoError(t, err)

	hist, report, err := BuildHistoricalRows(1, rows)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	assert.Equal(t, store.HistoricalRow{PharmacyID: 1, ProductID: 11, SaleDate: "2026-01-01", QuantitySold: 1, TotalAmount: 50}, hist[0])
	assert.Equal(t, int64(10), hist[1].ProductID)
	assert.Equal(t, 5, hist[1].QuantitySold)
	assert.InDelta(t, 2000.5, hist[1].TotalAmount, 1e-9)

	assert.Equal(t, 6, report.Rows)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 2, report.Products)
	assert.Equal(t, "2026-01-01", report.From)
	assert.Equal(t, "2026-01-02", report.To)
	require.Len(t, report.Errors, 3)
	assert.Contains(t, report.Errors[0], "row 6: invalid date")
	assert.Contains(t, report.Errors[1], "invalid product id")
	assert.Contains(t, report.Errors[2], "invalid quantity")
}

func TestBuildHistoricalRowsMissingColumns(t *testing.T) {
	_, _, err := BuildHistoricalRows(1, [][]string{{"date", "amount"}, {"2026-01-01", "5"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "product_id, quantity")

	_, _, err = BuildHistoricalRows(1, [][]string{{"date", "product_id", "qty"}})
	assert.Error(t, err)
}

func TestParseImportDate(t *testing.T) {
	for _, in := range []string{"2026-03-14", "2026/3/14", "03/14/2026", "2026-03-14 10:30:00", "46095"} {
		d, ok := parseImportDate(in)
		require.True(t, ok, in)
		assert.Equal(t, "2026-03-14", d.Format("2006-01-02"), in)
	}
	_, ok := parseImportDate("yesterday")
	assert.False(t, ok)
}

func TestSalesImporterXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"sale_date", "product_id", "quantity", "total_amount"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"2026-02-01", "7", "4", "400"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"2026-02-02", "7", "6", "600"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	sink := &fakeHistoricalSink{}
	report, err := NewSalesImporter(sink, zerolog.Nop()).Import(context.Background(), 2, "history.xlsx", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	require.Len(t, sink.rows, 2)
	assert.Equal(t, int64(2), sink.rows[0].PharmacyID)
	assert.Equal(t, 4, sink.rows[0].QuantitySold)
	assert.Equal(t, "2026-02-02", sink.rows[1].SaleDate)
}

func TestSalesImporterErrors(t *testing.T) {
	imp := NewSalesImporter(&fakeHistoricalSink{}, zerolog.Nop())
	ctx := context.Background()

	_, err := imp.Import(ctx, 1, "sales.pdf", strings.NewReader("x"))
	assert.Same(t, ErrUnsupportedFormat, err)

	_, err = imp.Import(ctx, 1, "sales.csv", strings.NewReader("foo,bar\n1,2\n"))
	assert.ErrorIs(t, err, ErrInvalidImportFile)
	assert.Contains(t, err.Error(), "required columns not found")

	_, err = imp.Import(ctx, 1, "sales.xlsx", strings.NewReader("not a zip"))
	assert.ErrorIs(t, err, ErrInvalidImportFile)

	failing := NewSalesImporter(&fakeHistoricalSink{err: errors.New("db down")}, zerolog.Nop())
	_, err = failing.Import(ctx, 1, "sales.csv", strings.NewReader("date,product_id,qty\n2026-01-01,1,2\n"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidImportFile)
	assert.Contains(t, err.Error(), "db down")
}

func TestSalesImporterNothingToStore(t *testing.T) {
	sink := &fakeHistoricalSink{}
	report, err := NewSalesImporter(sink, zerolog.Nop()).Import(context.Background(), 1, "s.csv",
		strings.NewReader("date,product_id,qty\nbad,1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Imported)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, sink.rows)
}
