package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChatLatency is the end-to-end latency of a chat retrieval in seconds.
	ChatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pharmacy_ai_chat_latency_seconds",
		Help:    "Latency of hybrid retrieval chat requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// ChatNoMatchTotal counts chat requests that returned no products.
	ChatNoMatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pharmacy_ai_chat_no_match_total",
		Help: "Chat requests answered with no matching product",
	})

	// StrategyHits counts retrieval strategies that contributed at least one product.
	StrategyHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_ai_strategy_hits_total",
		Help: "Retrieval strategies that returned matches, by strategy",
	}, []string{"strategy"})

	// StrategyFailures counts strategies that errored and were treated as empty.
	StrategyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_ai_strategy_failures_total",
		Help: "Retrieval strategies that failed, by strategy",
	}, []string{"strategy"})

	// InventoryRefreshTotal counts inventory snapshot refreshes by result.
	InventoryRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_ai_inventory_refresh_total",
		Help: "Inventory snapshot refresh attempts",
	}, []string{"result"})

	// IndexBuildDuration measures keyword and semantic index builds.
	IndexBuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pharmacy_ai_index_build_seconds",
		Help:    "Index build duration by index kind",
		Buckets: prometheus.ExponentialBuckets(0.01, 3, 8),
	}, []string{"index"})

	// ForecastTrainDuration measures train_and_compare runs.
	ForecastTrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pharmacy_ai_forecast_train_seconds",
		Help:    "Duration of forecast training and comparison",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	// ForecastWins counts which model kind won a comparison.
	ForecastWins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_ai_forecast_wins_total",
		Help: "Forecast model selections by winning model",
	}, []string{"model"})

	// MetricsFlushedBuckets counts buckets written to the daily metrics table.
	MetricsFlushedBuckets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pharmacy_ai_metrics_flushed_buckets_total",
		Help: "Metric buckets flushed to durable storage",
	})

	// HTTPRequests counts served HTTP requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmacy_ai_http_requests_total",
		Help: "HTTP requests by route, method and status class",
	}, []string{"route", "method", "status"})
)
