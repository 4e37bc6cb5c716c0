package store

import (
	"context"
	"database/sql"
	"fmt"

	"pharmacy-ai-api/pkg/models"
)

// DailySales is one aggregated day of units and revenue.
type DailySales struct {
	Date     string
	Quantity float64
	Revenue  float64
}

// HistoricalRow is one imported row of historical_sales_daily.
type HistoricalRow struct {
	PharmacyID   int64
	ProductID    int64
	SaleDate     string
	QuantitySold int
	TotalAmount  float64
}

const productSalesQuery = `
	SELECT h.sale_date AS d, SUM(h.quantity_sold) AS qty, SUM(h.total_amount) AS amt
	FROM historical_sales_daily h
	WHERE h.pharmacy_id = ? AND h.product_id = ? AND h.sale_date >= ? AND h.sale_date < ?
	GROUP BY h.sale_date
	UNION ALL
	SELECT DATE(s.created_at) AS d, SUM(si.quantity) AS qty, SUM(si.total_price) AS amt
	FROM sales s
	JOIN sale_items si ON si.sale_id = s.id
	WHERE s.pharmacy_id = ? AND si.product_id = ? AND s.status = 'completed' AND s.created_at >= ?
	GROUP BY DATE(s.created_at)`

const categorySalesQuery = `
	SELECT h.sale_date AS d, SUM(h.quantity_sold) AS qty, SUM(h.total_amount) AS amt
	FROM historical_sales_daily h
	JOIN products p ON p.id = h.product_id
	WHERE h.pharmacy_id = ? AND p.category_id = ? AND h.sale_date >= ? AND h.sale_date < ?
	GROUP BY h.sale_date
	UNION ALL
	SELECT DATE(s.created_at) AS d, SUM(si.quantity) AS qty, SUM(si.total_price) AS amt
	FROM sales s
	JOIN sale_items si ON si.sale_id = s.id
	JOIN products p ON p.id = si.product_id
	WHERE s.pharmacy_id = ? AND p.category_id = ? AND s.status = 'completed' AND s.created_at >= ?
	GROUP BY DATE(s.created_at)`

// DailySalesSeries returns per-day units and revenue for a product or category.
// Days before cutoff come from historical_sales_daily, days on or after it from
// completed sales. Rows are not zero filled and may arrive in any order.
func (s *Store) DailySalesSeries(ctx context.Context, pharmacyID int64, modelType string, targetID int64, start, cutoff string) ([]DailySales, error) {
	q := productSalesQuery
	if modelType == models.TargetCategory {
		q = categorySalesQuery
	}
	rows, err := s.query(ctx, q, pharmacyID, targetID, start, cutoff, pharmacyID, targetID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("daily sales series: %w", err)
	}
	defer rows.Close()

	var out []DailySales
	for rows.Next() {
		var (
			d   interface{}
			qty sql.NullFloat64
			amt sql.NullFloat64
		)
		if err := rows.Scan(&d, &qty, &amt); err != nil {
			return nil, fmt.Errorf("scan daily sales: %w", err)
		}
		out = append(out, DailySales{Date: dateString(d), Quantity: qty.Float64, Revenue: amt.Float64})
	}
	return out, rows.Err()
}

// UpsertHistoricalDaily writes imported rows, replacing existing values for the same day.
func (s *Store) UpsertHistoricalDaily(ctx context.Context, rows []HistoricalRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO historical_sales_daily (pharmacy_id, product_id, sale_date, quantity_sold, total_amount)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (pharmacy_id, product_id, sale_date) DO UPDATE SET
			quantity_sold = excluded.quantity_sold,
			total_amount = excluded.total_amount`))
	if err != nil {
		return 0, fmt.Errorf("prepare import: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.PharmacyID, r.ProductID, r.SaleDate, r.QuantitySold, r.TotalAmount); err != nil {
			return 0, fmt.Errorf("import row %s/%d: %w", r.SaleDate, r.ProductID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return len(rows), nil
}
