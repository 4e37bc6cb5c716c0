package handlers

import (
	"net/http"
	"time"

	"pharmacy-ai-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// logPeriods maps the period query value to a window in hours.
var logPeriods = map[string]int{
	"1h":  1,
	"24h": 24,
	"7d":  24 * 7,
}

// MonitoringHandler はリクエストログと検索エンジンの状態を返すハンドラです。
type MonitoringHandler struct {
	Service *services.MonitoringService
	Engines *services.RetrievalEngines
	now     func() time.Time
}

// NewMonitoringHandler は新しいMonitoringHandlerを生成します。
func NewMonitoringHandler(service *services.MonitoringService, engines *services.RetrievalEngines) *MonitoringHandler {
	return &MonitoringHandler{Service: service, Engines: engines, now: time.Now}
}

// GetLogs は集計されたログデータを返します。不明な期間は24hとして扱います。
func (h *MonitoringHandler) GetLogs(c *gin.Context) {
	period := c.DefaultQuery("period", "24h")
	hours, ok := logPeriods[period]
	if !ok {
		period, hours = "24h", 24
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "period": period, "data": h.Service.GetDashboardData(hours)})
}

// GetEngines は薬局ごとの在庫キャッシュの経過時間と索引の状態を返します。
// max_age（秒）を超えたキャッシュや未構築のキーワード索引は stale に数えます。
func (h *MonitoringHandler) GetEngines(c *gin.Context) {
	maxAge, err := queryInt(c, "max_age", 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	statuses := h.Engines.Status(h.now())
	stale := 0
	for _, st := range statuses {
		if !st.KeywordReady || st.LoadedAt == nil || (maxAge > 0 && st.CacheAgeSeconds > float64(maxAge)) {
			stale++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"engines": statuses,
		"count":   len(statuses),
		"stale":   stale,
	})
}
