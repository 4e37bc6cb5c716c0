package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pharmacy-ai-api/pkg/models"
)

// ProductRow is the joined product view consumed by the inventory cache.
type ProductRow struct {
	ID           int64
	Name         string
	UnitPrice    float64
	CostPrice    float64
	CategoryName string
	CurrentStock int
	Location     string
}

// ListActiveProducts returns active products of a pharmacy with category, stock and location.
func (s *Store) ListActiveProducts(ctx context.Context, pharmacyID int64) ([]ProductRow, error) {
	rows, err := s.query(ctx, `
		SELECT p.id, p.name,
			COALESCE(p.unit_price, 0), COALESCE(p.cost_price, 0),
			COALESCE(c.name, ''), COALESCE(i.current_stock, 0), COALESCE(i.location, '')
		FROM products p
		LEFT JOIN product_categories c ON c.id = p.category_id
		LEFT JOIN inventory i ON i.product_id = p.id AND i.pharmacy_id = p.pharmacy_id
		WHERE p.pharmacy_id = ? AND p.is_active = ?
		ORDER BY p.name, p.id`, pharmacyID, true)
	if err != nil {
		return nil, fmt.Errorf("list active products: %w", err)
	}
	defer rows.Close()

	var out []ProductRow
	for rows.Next() {
		var r ProductRow
		if err := rows.Scan(&r.ID, &r.Name, &r.UnitPrice, &r.CostPrice, &r.CategoryName, &r.CurrentStock, &r.Location); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if r.CurrentStock < 0 {
			r.CurrentStock = 0
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListProducts returns forecastable products of a pharmacy.
func (s *Store) ListProducts(ctx context.Context, pharmacyID int64) ([]models.ForecastTarget, error) {
	rows, err := s.query(ctx, `
		SELECT p.id, p.name, COALESCE(c.name, '')
		FROM products p
		LEFT JOIN product_categories c ON c.id = p.category_id
		WHERE p.pharmacy_id = ? AND p.is_active = ?
		ORDER BY p.name`, pharmacyID, true)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []models.ForecastTarget
	for rows.Next() {
		var t models.ForecastTarget
		if err := rows.Scan(&t.ID, &t.Name, &t.Category); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListCategories returns product categories of a pharmacy.
func (s *Store) ListCategories(ctx context.Context, pharmacyID int64) ([]models.ForecastTarget, error) {
	rows, err := s.query(ctx, `
		SELECT id, name FROM product_categories
		WHERE pharmacy_id = ?
		ORDER BY name`, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []models.ForecastTarget
	for rows.Next() {
		var t models.ForecastTarget
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TargetName resolves the display name of a product or category.
func (s *Store) TargetName(ctx context.Context, pharmacyID int64, modelType string, targetID int64) (string, error) {
	q := `SELECT name FROM products WHERE pharmacy_id = ? AND id = ?`
	if modelType == models.TargetCategory {
		q = `SELECT name FROM product_categories WHERE pharmacy_id = ? AND id = ?`
	}
	var name string
	err := s.db.QueryRowContext(ctx, s.rebind(q), pharmacyID, targetID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("target name: %w", err)
	}
	return name, nil
}

// Pricing returns unit and cost price for a product, or the category averages.
func (s *Store) Pricing(ctx context.Context, pharmacyID int64, modelType string, targetID int64) (unitPrice, costPrice float64, err error) {
	q := `SELECT COALESCE(unit_price, 0), COALESCE(cost_price, 0) FROM products WHERE pharmacy_id = ? AND id = ?`
	if modelType == models.TargetCategory {
		q = `SELECT COALESCE(AVG(unit_price), 0), COALESCE(AVG(cost_price), 0)
			FROM products WHERE pharmacy_id = ? AND category_id = ? AND is_active = ?`
	}
	args := []interface{}{pharmacyID, targetID}
	if modelType == models.TargetCategory {
		args = append(args, true)
	}
	err = s.db.QueryRowContext(ctx, s.rebind(q), args...).Scan(&unitPrice, &costPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("pricing: %w", err)
	}
	return unitPrice, costPrice, nil
}
