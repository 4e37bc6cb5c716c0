package app

import (
	"net/http"

	"pharmacy-ai-api/pkg/handlers"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router はすべてのエンドポイントを登録したGinエンジンを返します。
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	chatHandler := handlers.NewChatHandler(a.Chat, a.Store, a.Log)
	forecastHandler := handlers.NewForecastHandler(a.Forecasts, a.Importer, a.Store, handlers.ForecastDefaults{
		HistoryDays:  a.Config.ForecastDefaultDays,
		ForecastDays: a.Config.ForecastDefaultHorizon,
	}, a.Log)
	adminHandler := handlers.NewAdminHandler(a.Config)
	adminHandler.SemanticReady = a.Embedder.Available
	monitoringHandler := handlers.NewMonitoringHandler(a.Monitoring, a.Engines)

	// ミドルウェアの登録
	r.Use(a.Monitoring.LoggingMiddleware())
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-API-KEY", "X-Pharmacy-ID")
	r.Use(cors.New(corsConfig))

	// ヘルスチェックとPrometheus
	r.GET("/health", handlers.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(handlers.APIKeyAuth(a.Config.APIKey))
	{
		api.GET("/hello", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "Hello from Pharmacy AI API!"})
		})

		// 在庫検索チャットAPI
		enhanced := api.Group("/ai/enhanced")
		{
			enhanced.POST("/chat", chatHandler.Chat)
			enhanced.POST("/feedback", chatHandler.Feedback)
			enhanced.GET("/metrics", chatHandler.Metrics)

			serviceOnly := enhanced.Group("")
			serviceOnly.Use(handlers.ServiceTokenAuth(a.Config.MetricsServiceToken))
			serviceOnly.POST("/refresh-cache", chatHandler.RefreshCache)
			serviceOnly.POST("/flush-metrics", chatHandler.FlushMetrics)
		}

		// 需要予測API
		forecasting := api.Group("/forecasting")
		{
			forecasting.POST("/train", forecastHandler.Train)
			forecasting.GET("/predictions", forecastHandler.GetPredictions)
			forecasting.GET("/models", forecastHandler.ListModels)
			forecasting.GET("/accuracy", forecastHandler.GetAccuracy)
			forecasting.GET("/historical", forecastHandler.GetHistorical)
			forecasting.POST("/historical/import", forecastHandler.ImportHistorical)
			forecasting.GET("/categories", forecastHandler.ListCategories)
			forecasting.GET("/products", forecastHandler.ListProducts)
		}

		// 管理者向けAPI
		admin := api.Group("/admin")
		{
			admin.GET("/health-status", adminHandler.GetHealthStatus)
			admin.POST("/maintenance/start", adminHandler.StartMaintenance)
			admin.POST("/maintenance/stop", adminHandler.StopMaintenance)
		}

		// モニタリングAPI
		monitoring := api.Group("/monitoring")
		{
			monitoring.GET("/logs", monitoringHandler.GetLogs)
			monitoring.GET("/engines", monitoringHandler.GetEngines)
		}
	}

	return r
}
