package handler

import (
	"context"
	"net/http"
	"sync"

	config "pharmacy-ai-api/configs"
	"pharmacy-ai-api/internal/app"
	"pharmacy-ai-api/pkg/observability"

	"github.com/gin-gonic/gin"
)

var (
	router  http.Handler
	initErr error
	once    sync.Once
)

// setupApp はGinアプリケーションを初期化します。
// サーバーレス環境では、リクエストごとに初期化が走らないようsync.Onceで一度だけ実行します。
func setupApp() (http.Handler, error) {
	once.Do(func() {
		// .envファイルはデプロイ先の環境変数設定から読み込まれるため、ここではgodotenvを呼び出しません。
		cfg := config.LoadConfig()
		logger := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
		gin.SetMode(gin.ReleaseMode)

		application, err := app.New(context.Background(), cfg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("serverless initialization failed")
			initErr = err
			return
		}
		router = application.Router()
		logger.Info().Msg("serverless application initialized")
	})
	return router, initErr
}

// Handler はサーバーレス環境からのすべてのリクエストを処理するエントリーポイントです。
// 関数インスタンスは短命なので、バックグラウンドのフラッシュは行わずリクエスト単位で処理します。
func Handler(w http.ResponseWriter, r *http.Request) {
	h, err := setupApp()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success":false,"error":"service unavailable"}`))
		return
	}
	h.ServeHTTP(w, r)
}
