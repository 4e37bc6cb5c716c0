package services

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitoringMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewMonitoringService(zerolog.Nop())

	r := gin.New()
	r.Use(svc.LoggingMiddleware())
	r.GET("/api/chat/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/chat/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/api/admin/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/api/chat/ok", "/api/chat/ok", "/api/chat/boom", "/api/admin/metrics", "/missing"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Pharmacy-ID", "3")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	data := svc.GetDashboardData(24)
	assert.Equal(t, map[string]int{"/api/chat/ok": 2, "/api/chat/boom": 1, "/missing": 1}, data.Endpoints)
	require.Len(t, data.RecentErrors, 1)
	assert.Equal(t, "/api/chat/boom", data.RecentErrors[0].Path)
	assert.Equal(t, "3", data.RecentErrors[0].PharmacyID)

	require.Len(t, data.StatusCodes, 3)
	assert.Equal(t, 2, data.StatusCodes[0]["value"])
	assert.Equal(t, 1, data.StatusCodes[1]["value"])
	assert.Equal(t, 1, data.StatusCodes[2]["value"])

	require.Len(t, data.RequestsOverTime, 24)
	assert.Equal(t, 4, data.RequestsOverTime[23]["requests"])
	require.Len(t, data.AvgResponseTimes, 3)
	assert.Equal(t, "/api/chat/boom", data.AvgResponseTimes[0]["endpoint"])
}

func TestMonitoringDashboardWindow(t *testing.T) {
	svc := NewMonitoringService(zerolog.Nop())
	svc.LogRequest(LogEntry{Timestamp: time.Now().Add(-48 * time.Hour), Path: "/old", StatusCode: 200})
	svc.LogRequest(LogEntry{Timestamp: time.Now().Add(-time.Minute), Path: "/new", StatusCode: 404, ResponseTime: 30 * time.Millisecond})

	data := svc.GetDashboardData(6)
	assert.Equal(t, map[string]int{"/new": 1}, data.Endpoints)
	assert.Empty(t, data.RecentErrors)
	assert.Equal(t, int64(30), data.AvgResponseTimes[0]["responseTime"])
}

func TestMonitoringCapsEntries(t *testing.T) {
	svc := NewMonitoringService(zerolog.Nop())
	for i := 0; i < maxMonitoringEntries+5; i++ {
		svc.LogRequest(LogEntry{Timestamp: time.Now(), Path: "/p", StatusCode: 200})
	}
	assert.Len(t, svc.logs, maxMonitoringEntries)
}
