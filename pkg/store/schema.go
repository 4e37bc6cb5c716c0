package store

import (
	"context"
	"fmt"
	"strings"
)

// The tables below are the subset of the pharmacy schema read or written by
// the AI core. Production databases are migrated elsewhere; EnsureSchema only
// creates missing tables for local and test databases.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pharmacies (
		id {{pk}},
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS product_categories (
		id {{pk}},
		pharmacy_id INTEGER NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id {{pk}},
		pharmacy_id INTEGER NOT NULL,
		category_id INTEGER,
		name TEXT NOT NULL,
		unit_price {{float}} NOT NULL DEFAULT 0,
		cost_price {{float}} NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS inventory (
		id {{pk}},
		pharmacy_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		current_stock INTEGER NOT NULL DEFAULT 0,
		location TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id {{pk}},
		pharmacy_id INTEGER NOT NULL,
		user_id INTEGER,
		status TEXT NOT NULL DEFAULT 'completed',
		created_at {{timestamp}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sale_items (
		id {{pk}},
		sale_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price {{float}} NOT NULL DEFAULT 0,
		total_price {{float}} NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS historical_sales_daily (
		id {{pk}},
		pharmacy_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		sale_date {{date}} NOT NULL,
		quantity_sold INTEGER NOT NULL DEFAULT 0,
		total_amount {{float}} NOT NULL DEFAULT 0,
		UNIQUE (pharmacy_id, product_id, sale_date)
	)`,
	`CREATE TABLE IF NOT EXISTS ai_daily_metrics (
		id {{pk}},
		metric_date {{date}} NOT NULL,
		pharmacy_id INTEGER NOT NULL,
		total_queries INTEGER NOT NULL DEFAULT 0,
		no_match_queries INTEGER NOT NULL DEFAULT 0,
		positive_feedback INTEGER NOT NULL DEFAULT 0,
		negative_feedback INTEGER NOT NULL DEFAULT 0,
		avg_latency_ms {{float}} NOT NULL DEFAULT 0,
		top_unmatched_categories TEXT NOT NULL DEFAULT '[]',
		top_unmatched_tokens TEXT NOT NULL DEFAULT '[]',
		updated_at {{timestamp}},
		UNIQUE (metric_date, pharmacy_id)
	)`,
}

// EnsureSchema creates the tables used by the AI core when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	replacer := s.ddlReplacer()
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, replacer.Replace(stmt)); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) ddlReplacer() *strings.Replacer {
	if s.dialect == DialectPostgres {
		return strings.NewReplacer(
			"{{pk}}", "SERIAL PRIMARY KEY",
			"{{float}}", "DOUBLE PRECISION",
			"{{date}}", "DATE",
			"{{timestamp}}", "TIMESTAMP",
		)
	}
	return strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{float}}", "REAL",
		"{{date}}", "TEXT",
		"{{timestamp}}", "TEXT",
	)
}
