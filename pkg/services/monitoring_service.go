package services

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pharmacy-ai-api/pkg/observability"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const maxMonitoringEntries = 20000

// LogEntry は単一のリクエストログを表します。
type LogEntry struct {
	Timestamp    time.Time     `json:"timestamp"`
	Path         string        `json:"path"`
	Method       string        `json:"method"`
	StatusCode   int           `json:"statusCode"`
	ResponseTime time.Duration `json:"responseTime"`
	PharmacyID   string        `json:"pharmacyId,omitempty"`
}

// MonitoringService はAPIのモニタリング機能を提供します。
type MonitoringService struct {
	logs     []LogEntry
	mu       sync.RWMutex
	location *time.Location
	log      zerolog.Logger
}

// NewMonitoringService は新しいMonitoringServiceを生成します。
func NewMonitoringService(log zerolog.Logger) *MonitoringService {
	loc, err := time.LoadLocation("Asia/Manila")
	if err != nil {
		loc = time.UTC
	}
	return &MonitoringService{
		logs:     make([]LogEntry, 0),
		location: loc,
		log:      log,
	}
}

// LogRequest はリクエストを記録します。古いものから捨てて件数を制限します。
func (s *MonitoringService) LogRequest(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	if over := len(s.logs) - maxMonitoringEntries; over > 0 {
		s.logs = append(s.logs[:0], s.logs[over:]...)
	}
}

// LoggingMiddleware はリクエスト情報を記録し、アクセスログとPrometheusカウンタを出力するGinミドルウェアです。
func (s *MonitoringService) LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// 次のミドルウェア/ハンドラを実行
		c.Next()

		path := c.Request.URL.Path
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		observability.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(status/100)+"xx").Inc()

		evt := s.log.Info()
		if status >= 500 {
			evt = s.log.Error()
		} else if status >= 400 {
			evt = s.log.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", elapsed).
			Msg("request")

		// 除外するパスプレフィックス
		if strings.HasPrefix(path, "/api/admin") || strings.HasPrefix(path, "/api/monitoring") ||
			path == "/metrics" || path == "/health" {
			return
		}

		s.LogRequest(LogEntry{
			Timestamp:    start,
			Path:         path,
			Method:       c.Request.Method,
			StatusCode:   status,
			ResponseTime: elapsed,
			PharmacyID:   c.GetHeader("X-Pharmacy-ID"),
		})
	}
}

// DashboardData はダッシュボードに表示するための集計済みデータです。
type DashboardData struct {
	RequestsOverTime []map[string]interface{} `json:"requestsOverTime"`
	Endpoints        map[string]int           `json:"endpoints"`
	StatusCodes      []map[string]interface{} `json:"statusCodes"`
	AvgResponseTimes []map[string]interface{} `json:"avgResponseTimes"`
	RecentErrors     []LogEntry               `json:"recentErrors"`
}

// GetDashboardData は指定された期間のログを集計してダッシュボード用データを返します。
func (s *MonitoringService) GetDashboardData(periodHours int) DashboardData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().In(s.location)
	since := now.Add(-time.Duration(periodHours) * time.Hour)

	filteredLogs := make([]LogEntry, 0)
	for _, entry := range s.logs {
		if entry.Timestamp.After(since) {
			filteredLogs = append(filteredLogs, entry)
		}
	}

	// requestsOverTime の集計
	requestsOverTime := make([]map[string]interface{}, periodHours)
	hourlyBuckets := make(map[string]int)
	for _, entry := range filteredLogs {
		hourlyBuckets[entry.Timestamp.In(s.location).Truncate(time.Hour).Format(time.RFC3339)]++
	}
	for i := 0; i < periodHours; i++ {
		// 過去から現在へ向かう順序で生成
		targetTime := now.Add(-time.Duration(periodHours-1-i) * time.Hour)
		bucketKey := targetTime.Truncate(time.Hour).Format(time.RFC3339)
		requestsOverTime[i] = map[string]interface{}{
			"time":     targetTime.Format("15:00"),
			"requests": hourlyBuckets[bucketKey],
		}
	}

	endpoints := make(map[string]int)
	for _, entry := range filteredLogs {
		endpoints[entry.Path]++
	}

	// statusCodes の集計
	statusNames := []string{"2xx Success", "4xx Client Error", "5xx Server Error"}
	statusCodes := map[string]int{}
	for _, entry := range filteredLogs {
		switch {
		case entry.StatusCode >= 200 && entry.StatusCode < 300:
			statusCodes[statusNames[0]]++
		case entry.StatusCode >= 400 && entry.StatusCode < 500:
			statusCodes[statusNames[1]]++
		case entry.StatusCode >= 500:
			statusCodes[statusNames[2]]++
		}
	}
	statusCodesSlice := make([]map[string]interface{}, 0, len(statusNames))
	for _, name := range statusNames {
		statusCodesSlice = append(statusCodesSlice, map[string]interface{}{"name": name, "value": statusCodes[name]})
	}

	// avgResponseTimes の集計
	responseTimeSum := make(map[string]time.Duration)
	responseCount := make(map[string]int)
	for _, entry := range filteredLogs {
		responseTimeSum[entry.Path] += entry.ResponseTime
		responseCount[entry.Path]++
	}
	paths := make([]string, 0, len(responseTimeSum))
	for p := range responseTimeSum {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	avgResponseTimes := make([]map[string]interface{}, 0, len(paths))
	for _, p := range paths {
		avg := responseTimeSum[p].Milliseconds() / int64(responseCount[p])
		avgResponseTimes = append(avgResponseTimes, map[string]interface{}{"endpoint": p, "responseTime": avg})
	}

	// recentErrors の集計
	recentErrors := make([]LogEntry, 0)
	for i := len(filteredLogs) - 1; i >= 0; i-- {
		if filteredLogs[i].StatusCode >= 500 {
			recentErrors = append(recentErrors, filteredLogs[i])
			if len(recentErrors) >= 10 {
				break
			}
		}
	}

	return DashboardData{
		RequestsOverTime: requestsOverTime,
		Endpoints:        endpoints,
		StatusCodes:      statusCodesSlice,
		AvgResponseTimes: avgResponseTimes,
		RecentErrors:     recentErrors,
	}
}
