package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"pharmacy-ai-api/pkg/models"
	"pharmacy-ai-api/pkg/observability"

	"github.com/rs/zerolog"
)

const (
	defaultMaxTokens     = 100
	defaultRetentionDays = 90
	persistTopN          = 25
	minTokenLength       = 4
	positiveFeedbackMin  = 0.5
)

var metricStopwords = map[string]bool{
	"what": true, "where": true, "when": true, "which": true, "with": true, "have": true,
	"show": true, "find": true, "need": true, "want": true, "there": true, "this": true,
	"that": true, "these": true, "those": true, "from": true, "your": true, "about": true,
	"please": true, "some": true, "many": true, "much": true, "does": true, "located": true,
	"medicine": true, "medicines": true, "available": true, "stock": true, "items": true,
	"item": true, "product": true, "products": true, "more": true, "less": true, "give": true,
	"tell": true, "used": true, "good": true, "best": true, "them": true, "they": true,
	"pharmacy": true, "price": true, "sell": true, "selling": true, "anything": true,
}

// MetricsSink は集計結果の永続化先です。*store.Store が実装します。
type MetricsSink interface {
	UpsertDailyMetrics(ctx context.Context, m models.DailyMetrics) error
	DeleteMetricsBefore(ctx context.Context, date string) (int64, error)
}

type bucketKey struct {
	pharmacyID int64
	date       string
}

type metricBucket struct {
	total        int
	noMatch      int
	positive     int
	negative     int
	latencyTotal float64
	latencyCount int
	categories   map[string]int
	tokens       map[string]int
}

func newMetricBucket() *metricBucket {
	return &metricBucket{categories: map[string]int{}, tokens: map[string]int{}}
}

func (b *metricBucket) empty() bool {
	return b.total == 0 && b.positive == 0 && b.negative == 0
}

func (b *metricBucket) merge(o *metricBucket, maxTokens int) {
	b.total += o.total
	b.noMatch += o.noMatch
	b.positive += o.positive
	b.negative += o.negative
	b.latencyTotal += o.latencyTotal
	b.latencyCount += o.latencyCount
	for k, v := range o.categories {
		b.categories[k] += v
	}
	for k, v := range o.tokens {
		b.tokens[k] += v
	}
	trimCounts(b.tokens, maxTokens)
}

func (b *metricBucket) row(key bucketKey) models.DailyMetrics {
	avg := 0.0
	if b.latencyCount > 0 {
		avg = b.latencyTotal / float64(b.latencyCount)
	}
	return models.DailyMetrics{
		MetricDate:             key.date,
		PharmacyID:             key.pharmacyID,
		TotalQueries:           b.total,
		NoMatchQueries:         b.noMatch,
		PositiveFeedback:       b.positive,
		NegativeFeedback:       b.negative,
		AvgLatencyMs:           avg,
		TopUnmatchedCategories: topCounts(b.categories, persistTopN),
		TopUnmatchedTokens:     topCounts(b.tokens, persistTopN),
	}
}

// MetricsAggregator はプロセス内で薬局・日付ごとのチャット指標を集計します。
type MetricsAggregator struct {
	mu        sync.Mutex
	buckets   map[bucketKey]*metricBucket
	maxTokens int
	retention int
	sink      MetricsSink
	log       zerolog.Logger
	now       func() time.Time
}

// NewMetricsAggregator は新しいMetricsAggregatorを生成します。
func NewMetricsAggregator(sink MetricsSink, maxTokens, retentionDays int, log zerolog.Logger) *MetricsAggregator {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	return &MetricsAggregator{
		buckets:   map[bucketKey]*metricBucket{},
		maxTokens: maxTokens,
		retention: retentionDays,
		sink:      sink,
		log:       log,
		now:       time.Now,
	}
}

// bucketLocked must be called with mu held.
func (a *MetricsAggregator) bucketLocked(pharmacyID int64) *metricBucket {
	key := bucketKey{pharmacyID: pharmacyID, date: a.now().Format("2006-01-02")}
	b, ok := a.buckets[key]
	if !ok {
		b = newMetricBucket()
		a.buckets[key] = b
	}
	return b
}

// RecordInteraction はチャット1件分の件数とレイテンシを記録します。
// 一致0件の場合はカテゴリとクエリのトークンも未一致として数えます。
func (a *MetricsAggregator) RecordInteraction(pharmacyID int64, query string, matchCount int, categories []string, latencyMs float64) {
	var tokens []string
	if matchCount == 0 {
		tokens = UnmatchedTokens(query)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.bucketLocked(pharmacyID)
	b.total++
	if latencyMs >= 0 {
		b.latencyTotal += latencyMs
		b.latencyCount++
	}
	if matchCount != 0 {
		return
	}
	b.noMatch++
	for _, c := range categories {
		if c = strings.TrimSpace(c); c != "" {
			b.categories[c]++
		}
	}
	for _, t := range tokens {
		b.tokens[t]++
	}
	trimCounts(b.tokens, a.maxTokens)
}

// RecordFeedback counts a rating as positive when score >= 0.5.
func (a *MetricsAggregator) RecordFeedback(pharmacyID int64, score float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.bucketLocked(pharmacyID)
	if score >= positiveFeedbackMin {
		b.positive++
	} else {
		b.negative++
	}
}

// Pending returns the unflushed buckets as rows, ordered by date then pharmacy.
func (a *MetricsAggregator) Pending(pharmacyID int64) []models.DailyMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.DailyMetrics, 0, len(a.buckets))
	for k, b := range a.buckets {
		if pharmacyID != 0 && k.pharmacyID != pharmacyID {
			continue
		}
		out = append(out, b.row(k))
	}
	sortMetricRows(out)
	return out
}

// Flush はバケットを退避・クリアしてから永続化します。
// 書き込みに失敗したバケットはメモリに戻し、次回のフラッシュで再送します。
func (a *MetricsAggregator) Flush(ctx context.Context) (models.FlushResult, error) {
	a.mu.Lock()
	pending := a.buckets
	a.buckets = map[bucketKey]*metricBucket{}
	a.mu.Unlock()

	if len(pending) == 0 {
		return models.FlushResult{}, nil
	}
	if a.sink == nil {
		a.restore(pending)
		return models.FlushResult{}, errors.New("metrics sink not configured")
	}

	keys := make([]bucketKey, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		return keys[i].pharmacyID < keys[j].pharmacyID
	})

	var result models.FlushResult
	failed := map[bucketKey]*metricBucket{}
	var errs []error
	for _, k := range keys {
		b := pending[k]
		if b.empty() {
			continue
		}
		if err := a.sink.UpsertDailyMetrics(ctx, b.row(k)); err != nil {
			failed[k] = b
			errs = append(errs, fmt.Errorf("pharmacy %d %s: %w", k.pharmacyID, k.date, err))
			continue
		}
		result.Flushed++
	}
	observability.MetricsFlushedBuckets.Add(float64(result.Flushed))

	if len(failed) > 0 {
		a.restore(failed)
		a.log.Error().Int("failed", len(failed)).Int("flushed", result.Flushed).Msg("metrics flush incomplete, buckets kept in memory")
		return result, errors.Join(errs...)
	}

	cutoff := a.now().AddDate(0, 0, -a.retention).Format("2006-01-02")
	deleted, err := a.sink.DeleteMetricsBefore(ctx, cutoff)
	if err != nil {
		a.log.Warn().Err(err).Str("cutoff", cutoff).Msg("metrics retention cleanup failed")
	}
	result.Deleted = deleted
	a.log.Info().Int("flushed", result.Flushed).Int64("deleted", deleted).Msg("metrics flushed")
	return result, nil
}

func (a *MetricsAggregator) restore(buckets map[bucketKey]*metricBucket) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, b := range buckets {
		if cur, ok := a.buckets[k]; ok {
			b.merge(cur, a.maxTokens)
		}
		a.buckets[k] = b
	}
}

// UnmatchedTokens は4文字以上の英字トークンからストップワードを除いたものを返します。
func UnmatchedTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < minTokenLength || metricStopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// trimCounts keeps only the max most common entries.
func trimCounts(m map[string]int, limit int) {
	if len(m) <= limit {
		return
	}
	for _, tc := range topCounts(m, len(m))[limit:] {
		delete(m, tc.Term)
	}
}

func topCounts(m map[string]int, n int) []models.TermCount {
	out := make([]models.TermCount, 0, len(m))
	for k, v := range m {
		out = append(out, models.TermCount{Term: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func sortMetricRows(rows []models.DailyMetrics) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].MetricDate != rows[j].MetricDate {
			return rows[i].MetricDate < rows[j].MetricDate
		}
		return rows[i].PharmacyID < rows[j].PharmacyID
	})
}
