package models

// TermCount is one entry of a top-N unmatched array.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// DailyMetrics mirrors one ai_daily_metrics row.
type DailyMetrics struct {
	MetricDate             string      `json:"metric_date"`
	PharmacyID             int64       `json:"pharmacy_id"`
	TotalQueries           int         `json:"total_queries"`
	NoMatchQueries         int         `json:"no_match_queries"`
	PositiveFeedback       int         `json:"positive_feedback"`
	NegativeFeedback       int         `json:"negative_feedback"`
	AvgLatencyMs           float64     `json:"avg_latency_ms"`
	TopUnmatchedCategories []TermCount `json:"top_unmatched_categories"`
	TopUnmatchedTokens     []TermCount `json:"top_unmatched_tokens"`
}

// FlushResult is returned by a metrics flush.
type FlushResult struct {
	Flushed int   `json:"flushed"`
	Deleted int64 `json:"deleted"`
}
