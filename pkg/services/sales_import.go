package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"pharmacy-ai-api/pkg/store"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are neither .xlsx nor .csv.
var ErrUnsupportedFormat = errors.New("unsupported file format, upload .xlsx or .csv")

// ErrInvalidImportFile wraps problems with the uploaded file's content.
var ErrInvalidImportFile = errors.New("invalid import file")

// HistoricalSink は日次履歴の書き込み先です。
type HistoricalSink interface {
	UpsertHistoricalDaily(ctx context.Context, rows []store.HistoricalRow) (int, error)
}

// ImportReport は取り込み結果です。
type ImportReport struct {
	Rows     int      `json:"rows"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Products int      `json:"products"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

const maxReportedImportErrors = 20

// SalesImporter は Excel/CSV の日次売上を historical_sales_daily に取り込みます。
type SalesImporter struct {
	sink HistoricalSink
	log  zerolog.Logger
}

// NewSalesImporter は新しいSalesImporterを生成します。
func NewSalesImporter(sink HistoricalSink, log zerolog.Logger) *SalesImporter {
	return &SalesImporter{sink: sink, log: log}
}

// ReadSheetRows はファイル名の拡張子で .xlsx か .csv を判定し、全行を返します。
func ReadSheetRows(fileName string, r io.Reader) ([][]string, error) {
	lower := strings.ToLower(fileName)
	switch {
	case strings.HasSuffix(lower, ".xlsx"):
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, fmt.Errorf("open workbook: %w", err)
		}
		defer f.Close()
		rows, err := f.GetRows(f.GetSheetName(0))
		if err != nil {
			return nil, fmt.Errorf("read sheet rows: %w", err)
		}
		return rows, nil
	case strings.HasSuffix(lower, ".csv"):
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		rows, err := cr.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		return rows, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

func findIndex(slice []string, candidates ...string) int {
	for _, candidate := range candidates {
		for i, item := range slice {
			if strings.EqualFold(strings.TrimSpace(item), candidate) {
				return i
			}
		}
	}
	return -1
}

var importDateLayouts = []string{"2006-01-02", "2006/1/2", "2006/01/02", "1/2/2006", "01/02/2006", "2006-01-02 15:04:05"}

func parseImportDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range importDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	// Excel のシリアル日付
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		if t, err := excelize.ExcelDateToTime(f, false); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// BuildHistoricalRows はヘッダー付きの行を商品×日付で集計します。
func BuildHistoricalRows(pharmacyID int64, rows [][]string) ([]store.HistoricalRow, *ImportReport, error) {
	if len(rows) < 2 {
		return nil, nil, errors.New("file needs a header row and at least one data row")
	}
	header := rows[0]
	dateIdx := findIndex(header, "date", "sale_date", "日付")
	productIdx := findIndex(header, "product_id", "product_code", "製品ID", "製品id", "商品ID", "商品id")
	qtyIdx := findIndex(header, "quantity", "quantity_sold", "qty", "sales", "販売数", "数量")
	amountIdx := findIndex(header, "total_amount", "amount", "total", "revenue", "売上金額", "金額")

	var missing []string
	if dateIdx == -1 {
		missing = append(missing, "date")
	}
	if productIdx == -1 {
		missing = append(missing, "product_id")
	}
	if qtyIdx == -1 {
		missing = append(missing, "quantity")
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("required columns not found: %s (header: %v)", strings.Join(missing, ", "), header)
	}

	type key struct {
		product int64
		date    string
	}
	agg := map[key]*store.HistoricalRow{}
	report := &ImportReport{Rows: len(rows) - 1}
	products := map[int64]bool{}
	skip := func(line int, format string, args ...interface{}) {
		report.Skipped++
		if len(report.Errors) < maxReportedImportErrors {
			report.Errors = append(report.Errors, fmt.Sprintf("row %d: ", line)+fmt.Sprintf(format, args...))
		}
	}

	for i, row := range rows[1:] {
		line := i + 2
		cell := func(idx int) string {
			if idx < 0 || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}
		if cell(dateIdx) == "" && cell(productIdx) == "" && cell(qtyIdx) == "" {
			report.Rows--
			continue
		}
		t, ok := parseImportDate(cell(dateIdx))
		if !ok {
			skip(line, "invalid date %q", cell(dateIdx))
			continue
		}
		pid, err := strconv.ParseInt(cell(productIdx), 10, 64)
		if err != nil || pid <= 0 {
			skip(line, "invalid product id %q", cell(productIdx))
			continue
		}
		qty, err := strconv.ParseFloat(cell(qtyIdx), 64)
		if err != nil || qty < 0 {
			skip(line, "invalid quantity %q", cell(qtyIdx))
			continue
		}
		var amount float64
		if s := cell(amountIdx); s != "" {
			if amount, err = strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err != nil || amount < 0 {
				skip(line, "invalid amount %q", s)
				continue
			}
		}

		k := key{product: pid, date: t.Format("2006-01-02")}
		r, ok := agg[k]
		if !ok {
			r = &store.HistoricalRow{PharmacyID: pharmacyID, ProductID: pid, SaleDate: k.date}
			agg[k] = r
		}
		r.QuantitySold += int(qty + 0.5)
		r.TotalAmount += amount
		products[pid] = true
	}

	out := make([]store.HistoricalRow, 0, len(agg))
	for _, r := range agg {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SaleDate != out[j].SaleDate {
			return out[i].SaleDate < out[j].SaleDate
		}
		return out[i].ProductID < out[j].ProductID
	})
	report.Products = len(products)
	if len(out) > 0 {
		report.From = out[0].SaleDate
		report.To = out[len(out)-1].SaleDate
	}
	return out, report, nil
}

// Import はファイルを読み込み、集計して upsert します。
func (s *SalesImporter) Import(ctx context.Context, pharmacyID int64, fileName string, r io.Reader) (*ImportReport, error) {
	rows, err := ReadSheetRows(fileName, r)
	if errors.Is(err, ErrUnsupportedFormat) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImportFile, err)
	}
	hist, report, err := BuildHistoricalRows(pharmacyID, rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImportFile, err)
	}
	if len(hist) == 0 {
		return report, nil
	}
	n, err := s.sink.UpsertHistoricalDaily(ctx, hist)
	if err != nil {
		return nil, fmt.Errorf("store historical sales: %w", err)
	}
	report.Imported = n
	s.log.Info().Int64("pharmacy_id", pharmacyID).Int("imported", n).Int("skipped", report.Skipped).Str("file", fileName).Msg("historical sales imported")
	return report, nil
}
