package services

import (
	"context"
	"errors"
	"time"

	"pharmacy-ai-api/pkg/models"
	"pharmacy-ai-api/pkg/observability"

	"github.com/rs/zerolog"
)

// ChatService は検索エンジン・ランカー・フォーマッター・指標集計をまとめたチャット処理の入口です。
type ChatService struct {
	engines   *RetrievalEngines
	ranker    *RetrievalRanker
	formatter *ResponseFormatter
	metrics   *MetricsAggregator
	cache     ChatCache
	log       zerolog.Logger
}

// NewChatService は新しいChatServiceを生成します。cache は nil でも構いません。
func NewChatService(engines *RetrievalEngines, ranker *RetrievalRanker, formatter *ResponseFormatter, metrics *MetricsAggregator, cache ChatCache, log zerolog.Logger) *ChatService {
	return &ChatService{
		engines:   engines,
		ranker:    ranker,
		formatter: formatter,
		metrics:   metrics,
		cache:     cache,
		log:       log,
	}
}

// Interaction is what the handler records after the response has been written.
type Interaction struct {
	PharmacyID int64
	Query      string
	MatchCount int
	Categories []string
	LatencyMs  float64
	Cached     bool
}

// Respond はメッセージに対する応答ペイロードを返します。エラーにはならず、失敗時は一致なし応答になります。
func (s *ChatService) Respond(ctx context.Context, pharmacyID int64, message string) (*models.ChatPayload, Interaction) {
	start := time.Now()

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, pharmacyID, message); err == nil {
			return cached, s.interaction(pharmacyID, message, cached, start, true)
		} else if !errors.Is(err, ErrCacheMiss) {
			s.log.Warn().Err(err).Msg("chat cache read failed")
		}
	}

	engine := s.engines.Get(ctx, pharmacyID)
	ranked := s.ranker.Rank(ctx, engine, message, 0)
	payload := s.formatter.Format(ranked, engine.Snapshot())

	if ranked.Succeeded == 0 {
		s.log.Error().Str("query", message).Msg("every retrieval strategy failed")
	}
	if payload.TotalMatches == 0 {
		observability.ChatNoMatchTotal.Inc()
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, pharmacyID, message, payload); err != nil {
			s.log.Warn().Err(err).Msg("chat cache write failed")
		}
	}

	in := s.interaction(pharmacyID, message, payload, start, false)
	observability.ChatLatency.Observe(in.LatencyMs / 1000)
	return payload, in
}

func (s *ChatService) interaction(pharmacyID int64, message string, p *models.ChatPayload, start time.Time, cached bool) Interaction {
	return Interaction{
		PharmacyID: pharmacyID,
		Query:      message,
		MatchCount: p.TotalMatches,
		Categories: p.SearchAnalysis.DetectedCategories,
		LatencyMs:  float64(time.Since(start).Microseconds()) / 1000,
		Cached:     cached,
	}
}

// Record は応答送信後に指標を記録します。
func (s *ChatService) Record(in Interaction) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordInteraction(in.PharmacyID, in.Query, in.MatchCount, in.Categories, in.LatencyMs)
}

// Feedback records a user rating.
func (s *ChatService) Feedback(pharmacyID int64, score float64) {
	if s.metrics != nil {
		s.metrics.RecordFeedback(pharmacyID, score)
	}
}

// RefreshCache はシノニム設定と在庫を強制再読み込みし、索引とチャットキャッシュを作り直します。
func (s *ChatService) RefreshCache(ctx context.Context, pharmacyID int64) (int, error) {
	n, err := s.engines.ForceRefresh(ctx, pharmacyID)
	if s.cache != nil {
		if cerr := s.cache.Invalidate(ctx, pharmacyID); cerr != nil {
			s.log.Warn().Err(cerr).Msg("chat cache invalidation failed")
		}
	}
	return n, err
}

// Metrics exposes the aggregator.
func (s *ChatService) Metrics() *MetricsAggregator { return s.metrics }

// Engines exposes the engine registry.
func (s *ChatService) Engines() *RetrievalEngines { return s.engines }
