package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pharmacy-ai-api/pkg/models"
)

// UpsertDailyMetrics writes one bucket. Counters add to an existing row;
// avg latency and the top-N arrays replace it.
func (s *Store) UpsertDailyMetrics(ctx context.Context, m models.DailyMetrics) error {
	cats, err := json.Marshal(nonNilTerms(m.TopUnmatchedCategories))
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	toks, err := json.Marshal(nonNilTerms(m.TopUnmatchedTokens))
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	_, err = s.Exec(ctx, `
		INSERT INTO ai_daily_metrics (
			metric_date, pharmacy_id, total_queries, no_match_queries,
			positive_feedback, negative_feedback, avg_latency_ms,
			top_unmatched_categories, top_unmatched_tokens, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric_date, pharmacy_id) DO UPDATE SET
			total_queries = ai_daily_metrics.total_queries + excluded.total_queries,
			no_match_queries = ai_daily_metrics.no_match_queries + excluded.no_match_queries,
			positive_feedback = ai_daily_metrics.positive_feedback + excluded.positive_feedback,
			negative_feedback = ai_daily_metrics.negative_feedback + excluded.negative_feedback,
			avg_latency_ms = excluded.avg_latency_ms,
			top_unmatched_categories = excluded.top_unmatched_categories,
			top_unmatched_tokens = excluded.top_unmatched_tokens,
			updated_at = excluded.updated_at`,
		m.MetricDate, m.PharmacyID, m.TotalQueries, m.NoMatchQueries,
		m.PositiveFeedback, m.NegativeFeedback, m.AvgLatencyMs,
		string(cats), string(toks), time.Now().UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("upsert daily metrics: %w", err)
	}
	return nil
}

// DeleteMetricsBefore removes rows older than the given date.
func (s *Store) DeleteMetricsBefore(ctx context.Context, date string) (int64, error) {
	res, err := s.Exec(ctx, `DELETE FROM ai_daily_metrics WHERE metric_date < ?`, date)
	if err != nil {
		return 0, fmt.Errorf("delete old metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListDailyMetrics returns rows on or after since. pharmacyID 0 means all pharmacies.
func (s *Store) ListDailyMetrics(ctx context.Context, since string, pharmacyID int64) ([]models.DailyMetrics, error) {
	q := `
		SELECT metric_date, pharmacy_id, total_queries, no_match_queries,
			positive_feedback, negative_feedback, avg_latency_ms,
			top_unmatched_categories, top_unmatched_tokens
		FROM ai_daily_metrics
		WHERE metric_date >= ?`
	args := []interface{}{since}
	if pharmacyID != 0 {
		q += ` AND pharmacy_id = ?`
		args = append(args, pharmacyID)
	}
	q += ` ORDER BY metric_date, pharmacy_id`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list daily metrics: %w", err)
	}
	defer rows.Close()

	var out []models.DailyMetrics
	for rows.Next() {
		var (
			m          models.DailyMetrics
			date       interface{}
			cats, toks []byte
		)
		if err := rows.Scan(&date, &m.PharmacyID, &m.TotalQueries, &m.NoMatchQueries,
			&m.PositiveFeedback, &m.NegativeFeedback, &m.AvgLatencyMs, &cats, &toks); err != nil {
			return nil, fmt.Errorf("scan daily metrics: %w", err)
		}
		m.MetricDate = dateString(date)
		if err := decodeTerms(cats, &m.TopUnmatchedCategories); err != nil {
			return nil, err
		}
		if err := decodeTerms(toks, &m.TopUnmatchedTokens); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func decodeTerms(raw []byte, dst *[]models.TermCount) error {
	if len(raw) == 0 {
		*dst = []models.TermCount{}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode term counts: %w", err)
	}
	return nil
}

func nonNilTerms(t []models.TermCount) []models.TermCount {
	if t == nil {
		return []models.TermCount{}
	}
	return t
}
