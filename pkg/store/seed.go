package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// NewProduct describes a product to insert with its inventory row.
type NewProduct struct {
	PharmacyID int64
	Name       string
	Category   string
	UnitPrice  float64
	CostPrice  float64
	Stock      int
	Location   string
	Inactive   bool
}

// EnsureCategory returns the id of a category, inserting it if needed.
func (s *Store) EnsureCategory(ctx context.Context, pharmacyID int64, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM product_categories WHERE pharmacy_id = ? AND name = ?`), pharmacyID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find category: %w", err)
	}
	return s.insertReturningID(ctx, `INSERT INTO product_categories (pharmacy_id, name) VALUES (?, ?)`, pharmacyID, name)
}

// InsertProduct inserts a product, its category and an inventory row.
func (s *Store) InsertProduct(ctx context.Context, p NewProduct) (int64, error) {
	var categoryID interface{}
	if p.Category != "" {
		id, err := s.EnsureCategory(ctx, p.PharmacyID, p.Category)
		if err != nil {
			return 0, err
		}
		categoryID = id
	}
	productID, err := s.insertReturningID(ctx,
		`INSERT INTO products (pharmacy_id, category_id, name, unit_price, cost_price, is_active) VALUES (?, ?, ?, ?, ?, ?)`,
		p.PharmacyID, categoryID, p.Name, p.UnitPrice, p.CostPrice, !p.Inactive)
	if err != nil {
		return 0, fmt.Errorf("insert product %q: %w", p.Name, err)
	}
	if _, err := s.Exec(ctx,
		`INSERT INTO inventory (pharmacy_id, product_id, current_stock, location) VALUES (?, ?, ?, ?)`,
		p.PharmacyID, productID, p.Stock, p.Location); err != nil {
		return 0, fmt.Errorf("insert inventory %q: %w", p.Name, err)
	}
	return productID, nil
}

// InsertCompletedSale records a completed single-line sale at the given timestamp
// (YYYY-MM-DD HH:MM:SS).
func (s *Store) InsertCompletedSale(ctx context.Context, pharmacyID, productID int64, quantity int, unitPrice float64, createdAt string) error {
	saleID, err := s.insertReturningID(ctx,
		`INSERT INTO sales (pharmacy_id, status, created_at) VALUES (?, 'completed', ?)`, pharmacyID, createdAt)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	_, err = s.Exec(ctx,
		`INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, total_price) VALUES (?, ?, ?, ?, ?)`,
		saleID, productID, quantity, unitPrice, float64(quantity)*unitPrice)
	if err != nil {
		return fmt.Errorf("insert sale item: %w", err)
	}
	return nil
}

func (s *Store) insertReturningID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if s.dialect == DialectPostgres {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := s.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
