package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Port        string
	Environment string
	APIKey      string
	LogLevel    string
	LogFormat   string

	AdminUsername string
	AdminPassword string

	DatabaseURL string

	SynonymConfigPath      string
	InventoryRefreshSecs   int
	IndexDir               string
	ModelsDir              string
	EmbeddingProvider      string
	EmbeddingModel         string
	EmbeddingBatch         int
	EmbeddingURL           string
	EmbeddingAPIKey        string
	EmbeddingAPIVersion    string
	SemanticMinScore       float64
	QdrantURL              string
	QdrantAPIKey           string
	RedisAddr              string
	RedisPassword          string
	ChatCacheSeconds       int
	MetricsMaxTokens       int
	MetricsRetentionDays   int
	MetricsFlushSeconds    int
	MetricsServiceToken    string
	RefreshEndpoint        string
	RetrainLookbackDays    int
	RetrainMinTokenCount   int
	RetrainRegressionFile  string
	ForecastDefaultDays    int
	ForecastDefaultHorizon int
}

// fileValues holds values read from CONFIG_FILE; environment variables win over them.
var fileValues map[string]string

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	fileValues = nil
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		values, err := loadConfigFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: config file %s ignored: %v\n", path, err)
		} else {
			fileValues = values
		}
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		APIKey:      getEnv("API_KEY", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		DatabaseURL: getEnv("DATABASE_URL", "sqlite://pharmacy.db"),

		SynonymConfigPath:      getEnv("AI_SYNONYM_CONFIG_PATH", "data/ai_synonyms.json"),
		InventoryRefreshSecs:   getEnvInt("AI_INVENTORY_REFRESH_SECONDS", 300),
		IndexDir:               getEnv("AI_INDEX_DIR", "data/index"),
		ModelsDir:              getEnv("AI_MODELS_DIR", "data/models"),
		EmbeddingProvider:      getEnv("AI_EMBEDDING_PROVIDER", "hash"),
		EmbeddingModel:         getEnv("AI_EMBEDDING_MODEL", "all-minilm"),
		EmbeddingBatch:         getEnvInt("AI_EMBEDDING_BATCH", 32),
		EmbeddingURL:           getEnv("AI_EMBEDDING_URL", ""),
		EmbeddingAPIKey:        getEnv("AI_EMBEDDING_API_KEY", ""),
		EmbeddingAPIVersion:    getEnv("AI_EMBEDDING_API_VERSION", ""),
		SemanticMinScore:       getEnvFloat("AI_SEMANTIC_MIN_SCORE", 0.15),
		QdrantURL:              getEnv("QDRANT_URL", ""),
		QdrantAPIKey:           getEnv("QDRANT_API_KEY", ""),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		ChatCacheSeconds:       getEnvInt("AI_CHAT_CACHE_SECONDS", 30),
		MetricsMaxTokens:       getEnvInt("AI_METRICS_MAX_TOKENS", 100),
		MetricsRetentionDays:   getEnvInt("AI_METRICS_RETENTION_DAYS", 90),
		MetricsFlushSeconds:    getEnvInt("AI_METRICS_FLUSH_SECONDS", 300),
		MetricsServiceToken:    getEnv("AI_METRICS_SERVICE_TOKEN", ""),
		RefreshEndpoint:        getEnv("AI_REFRESH_ENDPOINT", "http://localhost:8080/api/ai/enhanced/refresh-cache"),
		RetrainLookbackDays:    getEnvInt("AI_RETRAIN_LOOKBACK_DAYS", 14),
		RetrainMinTokenCount:   getEnvInt("AI_RETRAIN_MIN_TOKEN_COUNT", 3),
		RetrainRegressionFile:  getEnv("AI_RETRAIN_REGRESSION_FILE", ""),
		ForecastDefaultDays:    getEnvInt("AI_FORECAST_HISTORY_DAYS", 365),
		ForecastDefaultHorizon: getEnvInt("AI_FORECAST_DAYS", 30),
	}
}

// loadConfigFile reads a flat YAML map of VARIABLE: value pairs.
func loadConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := fileValues[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func getEnvFloat(key string, defaultValue float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return defaultValue
	}
	return v
}
