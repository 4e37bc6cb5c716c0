package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"pharmacy-ai-api/pkg/models"
	"pharmacy-ai-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	defaultMetricsDays = 7
	maxMetricsDays     = 90
)

// MetricsLister reads flushed daily metrics rows.
type MetricsLister interface {
	ListDailyMetrics(ctx context.Context, since string, pharmacyID int64) ([]models.DailyMetrics, error)
}

// ChatHandler は /api/ai/enhanced 配下のハンドラです。
type ChatHandler struct {
	chat    *services.ChatService
	metrics MetricsLister
	log     zerolog.Logger
}

// NewChatHandler は新しいChatHandlerを生成します。
func NewChatHandler(chat *services.ChatService, metrics MetricsLister, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, metrics: metrics, log: log}
}

// Chat は在庫検索チャットに応答します。指標は応答を書き込んだ後に記録します。
func (h *ChatHandler) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "message is required")
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		respondError(c, http.StatusBadRequest, "message is required")
		return
	}
	pharmacyID, err := pharmacyIDFrom(c, req.PharmacyID, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	payload, interaction := h.chat.Respond(c.Request.Context(), pharmacyID, message)
	c.JSON(http.StatusOK, models.ChatResponse{Success: true, Response: payload})

	h.chat.Record(interaction)
}

// Feedback は応答に対するユーザー評価(0〜1)を記録します。
func (h *ChatHandler) Feedback(c *gin.Context) {
	var req models.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "score is required")
		return
	}
	if *req.Score < 0 || *req.Score > 1 {
		respondError(c, http.StatusBadRequest, "score must be between 0 and 1")
		return
	}
	pharmacyID, err := pharmacyIDFrom(c, req.PharmacyID, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	h.chat.Feedback(pharmacyID, *req.Score)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// metricsSummary totals stored and pending rows.
type metricsSummary struct {
	TotalQueries     int     `json:"total_queries"`
	NoMatchQueries   int     `json:"no_match_queries"`
	NoMatchRate      float64 `json:"no_match_rate"`
	PositiveFeedback int     `json:"positive_feedback"`
	NegativeFeedback int     `json:"negative_feedback"`
}

func summarize(rows ...[]models.DailyMetrics) metricsSummary {
	var s metricsSummary
	for _, list := range rows {
		for _, r := range list {
			s.TotalQueries += r.TotalQueries
			s.NoMatchQueries += r.NoMatchQueries
			s.PositiveFeedback += r.PositiveFeedback
			s.NegativeFeedback += r.NegativeFeedback
		}
	}
	if s.TotalQueries > 0 {
		s.NoMatchRate = float64(s.NoMatchQueries) / float64(s.TotalQueries)
	}
	return s
}

// Metrics は直近 days 日分の保存済み指標と、未フラッシュの集計を返します。
func (h *ChatHandler) Metrics(c *gin.Context) {
	pharmacyID, err := pharmacyIDFrom(c, 0, defaultPharmacyID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	days, err := queryInt(c, "days", defaultMetricsDays)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if days > maxMetricsDays {
		days = maxMetricsDays
	}

	since := time.Now().AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	stored, err := h.metrics.ListDailyMetrics(c.Request.Context(), since, pharmacyID)
	if err != nil {
		h.log.Error().Err(err).Int64("pharmacy_id", pharmacyID).Msg("list daily metrics failed")
		respondError(c, http.StatusInternalServerError, "could not load metrics")
		return
	}
	if stored == nil {
		stored = []models.DailyMetrics{}
	}
	pending := h.chat.Metrics().Pending(pharmacyID)

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"pharmacy_id": pharmacyID,
		"days":        days,
		"stored":      stored,
		"pending":     pending,
		"summary":     summarize(stored, pending),
	})
}

// RefreshCache は在庫スナップショットとシノニム設定を強制的に再読み込みし、索引を作り直します。
// pharmacy_id を省略すると全薬局が対象です。
func (h *ChatHandler) RefreshCache(c *gin.Context) {
	pharmacyID, err := pharmacyIDFrom(c, 0, 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.chat.RefreshCache(c.Request.Context(), pharmacyID)
	if err != nil {
		h.log.Error().Err(err).Int64("pharmacy_id", pharmacyID).Msg("cache refresh failed")
		respondError(c, http.StatusServiceUnavailable, "inventory refresh failed, previous snapshot kept")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "AI caches refreshed",
		"pharmacy_id": pharmacyID,
		"products":    n,
	})
}

// FlushMetrics はメモリ上の指標を永続化します。失敗した分はメモリに残ります。
func (h *ChatHandler) FlushMetrics(c *gin.Context) {
	res, err := h.chat.Metrics().Flush(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("metrics flush failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "metrics flush failed, buckets kept in memory",
			"flushed": res.Flushed,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "flushed": res.Flushed, "deleted": res.Deleted})
}
