// Package app wires configuration, storage and services into a runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	config "pharmacy-ai-api/configs"
	"pharmacy-ai-api/pkg/observability"
	"pharmacy-ai-api/pkg/services"
	"pharmacy-ai-api/pkg/store"

	"github.com/rs/zerolog"
)

const (
	chatCacheMaxEntries = 5000
	keywordTopK         = 10
	semanticTopK        = 10
)

// App はサーバー・サーバーレス関数・CLI が共有するサービス一式です。
type App struct {
	Config *config.Config
	Log    zerolog.Logger
	Store  *store.Store

	Synonyms   *services.SynonymStore
	Embedder   *services.LazyEmbedder
	ANN        *services.VectorStoreService
	Engines    *services.RetrievalEngines
	Ranker     *services.RetrievalRanker
	Metrics    *services.MetricsAggregator
	ChatCache  services.ChatCache
	Chat       *services.ChatService
	Forecasts  *services.ForecastService
	Importer   *services.SalesImporter
	Monitoring *services.MonitoringService
}

// New はストアを開いてスキーマを確認し、全サービスを初期化します。
// Qdrant と Redis は任意で、接続できない場合は機能を縮退して起動します。
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	a := &App{Config: cfg, Log: log, Store: st}
	if cfg.APIKey == "" {
		log.Warn().Msg("API_KEY is not set, /api routes accept unauthenticated requests")
	}

	a.Synonyms = services.NewSynonymStore(cfg.SynonymConfigPath, observability.Component(log, "synonyms"))
	a.Embedder = services.NewEmbedder(services.EmbedderConfig{
		Provider:   cfg.EmbeddingProvider,
		Model:      cfg.EmbeddingModel,
		URL:        cfg.EmbeddingURL,
		APIKey:     cfg.EmbeddingAPIKey,
		APIVersion: cfg.EmbeddingAPIVersion,
		Batch:      cfg.EmbeddingBatch,
	}, observability.Component(log, "embedding"))

	if cfg.QdrantURL != "" {
		ann, err := services.NewVectorStoreService(cfg.QdrantURL, cfg.QdrantAPIKey, observability.Component(log, "qdrant"))
		if err != nil {
			log.Warn().Err(err).Msg("qdrant unavailable, semantic search uses in-process index")
		} else {
			a.ANN = ann
		}
	}

	a.Engines = services.NewRetrievalEngines(st, a.Synonyms, a.Embedder, a.ANN, services.EngineConfig{
		IndexDir:         cfg.IndexDir,
		RefreshInterval:  time.Duration(cfg.InventoryRefreshSecs) * time.Second,
		SemanticMinScore: cfg.SemanticMinScore,
		KeywordTopK:      keywordTopK,
		SemanticTopK:     semanticTopK,
	}, observability.Component(log, "retrieval"))
	classifier := services.NewQueryClassifier(a.Synonyms)
	a.Ranker = services.NewRetrievalRanker(a.Synonyms, classifier, keywordTopK, semanticTopK, observability.Component(log, "ranker"))
	a.Metrics = services.NewMetricsAggregator(st, cfg.MetricsMaxTokens, cfg.MetricsRetentionDays, observability.Component(log, "metrics"))

	cacheTTL := time.Duration(cfg.ChatCacheSeconds) * time.Second
	if cfg.RedisAddr != "" {
		rc, err := services.NewRedisChatCache(cfg.RedisAddr, cfg.RedisPassword, cacheTTL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-memory chat cache")
		} else {
			a.ChatCache = rc
		}
	}
	if a.ChatCache == nil {
		a.ChatCache = services.NewMemoryChatCache(cacheTTL, chatCacheMaxEntries)
	}
	a.Chat = services.NewChatService(a.Engines, a.Ranker, services.NewResponseFormatter(), a.Metrics, a.ChatCache, observability.Component(log, "chat"))

	artifacts, err := services.NewArtifactStore(cfg.ModelsDir, observability.Component(log, "artifacts"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("model directory: %w", err)
	}
	a.Forecasts = services.NewForecastService(st, artifacts, observability.Component(log, "forecast"))
	a.Importer = services.NewSalesImporter(st, observability.Component(log, "import"))
	a.Monitoring = services.NewMonitoringService(observability.Component(log, "http"))

	return a, nil
}

// NewRetrainWorkflow builds the offline retrain job on top of the shared services.
func (a *App) NewRetrainWorkflow() *services.RetrainWorkflow {
	return services.NewRetrainWorkflow(a.Store, a.Store, a.Synonyms, a.Engines, a.Ranker, observability.Component(a.Log, "retrain"))
}

// RunBackground は在庫リフレッシュと指標フラッシュを ctx が終わるまで定期実行します。
func (a *App) RunBackground(ctx context.Context) {
	refresh := time.NewTicker(time.Duration(a.Config.InventoryRefreshSecs) * time.Second)
	flush := time.NewTicker(time.Duration(a.Config.MetricsFlushSeconds) * time.Second)
	defer refresh.Stop()
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			a.Engines.MaybeRefreshAll(ctx)
		case <-flush.C:
			if _, err := a.Metrics.Flush(ctx); err != nil {
				a.Log.Error().Err(err).Msg("scheduled metrics flush failed")
			}
		}
	}
}

// Close は接続を閉じます。
func (a *App) Close() error {
	var errs []error
	if a.Engines != nil {
		a.Engines.Wait()
	}
	if a.ChatCache != nil {
		errs = append(errs, a.ChatCache.Close())
	}
	if a.ANN != nil {
		errs = append(errs, a.ANN.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
