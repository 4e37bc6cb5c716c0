package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pharmacy-ai-api/pkg/models"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Model kinds stored in artifacts.
const (
	ModelSarimax = "sarimax"
	ModelProphet = "prophet"
)

// artifactVersion 2 stores SARIMAX state on the differenced series.
const artifactVersion = 2

// ErrArtifactNotFound is returned when no usable artifact exists for a target.
var ErrArtifactNotFound = errors.New("forecast model not found")

// forecastModel は当てはめ済み予測モデルの共通インターフェースです。
type forecastModel interface {
	Kind() string
	Predict(h int) (mean, lower, upper []float64)
}

// ForecastArtifact は永続化される予測モデルです。Kind に応じて Sarimax か Prophet の一方だけを持ちます。
type ForecastArtifact struct {
	Version    int                            `msgpack:"version"`
	RunID      string                         `msgpack:"run_id"`
	Kind       string                         `msgpack:"kind"`
	Sarimax    *SarimaxModel                  `msgpack:"sarimax,omitempty"`
	Prophet    *ProphetModel                  `msgpack:"prophet,omitempty"`
	Metrics    models.ModelMetrics            `msgpack:"metrics"`
	Comparison map[string]models.ModelMetrics `msgpack:"comparison"`
	PharmacyID int64                          `msgpack:"pharmacy_id"`
	TargetID   int64                          `msgpack:"target_id"`
	TargetName string                         `msgpack:"target_name"`
	ModelType  string                         `msgpack:"model_type"`
	DataPoints int                            `msgpack:"data_points"`
	LastDate   string                         `msgpack:"last_date"`
	TrainedAt  time.Time                      `msgpack:"trained_at"`
}

func newArtifact(model forecastModel) (*ForecastArtifact, error) {
	a := &ForecastArtifact{
		Version: artifactVersion,
		RunID:   ulid.Make().String(),
		Kind:    model.Kind(),
	}
	switch m := model.(type) {
	case *SarimaxModel:
		a.Sarimax = m
	case *ProphetModel:
		a.Prophet = m
	default:
		return nil, fmt.Errorf("unsupported model %T", model)
	}
	return a, nil
}

// Model returns the fitted model carried by the artifact.
func (a *ForecastArtifact) Model() (forecastModel, error) {
	switch a.Kind {
	case ModelSarimax:
		if a.Sarimax != nil {
			if err := a.Sarimax.validate(); err != nil {
				return nil, fmt.Errorf("artifact %s: %w", a.RunID, err)
			}
			return a.Sarimax, nil
		}
	case ModelProphet:
		if a.Prophet != nil {
			if err := a.Prophet.validate(); err != nil {
				return nil, fmt.Errorf("artifact %s: %w", a.RunID, err)
			}
			return a.Prophet, nil
		}
	}
	return nil, fmt.Errorf("artifact %s has no %q model", a.RunID, a.Kind)
}

// Outcome converts the artifact to its API summary.
func (a *ForecastArtifact) Outcome() *models.TrainOutcome {
	return &models.TrainOutcome{
		PharmacyID: a.PharmacyID,
		TargetID:   a.TargetID,
		TargetName: a.TargetName,
		ModelType:  a.ModelType,
		BestModel:  a.Kind,
		Metrics:    a.Metrics,
		Comparison: a.Comparison,
		DataPoints: a.DataPoints,
		TrainedAt:  a.TrainedAt,
		RunID:      a.RunID,
	}
}

// ArtifactStore はモデルをディレクトリ配下に forecast_{薬局ID}_{対象キー}.msgpack として保存します。
type ArtifactStore struct {
	dir string
	log zerolog.Logger
}

// NewArtifactStore creates the directory if needed.
func NewArtifactStore(dir string, log zerolog.Logger) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	return &ArtifactStore{dir: dir, log: log}, nil
}

// artifactKey は対象キーを返します。カテゴリは商品IDと衝突しないよう "cat" を前置します。
func artifactKey(pharmacyID int64, modelType string, targetID int64) string {
	target := strconv.FormatInt(targetID, 10)
	if modelType == models.TargetCategory {
		target = "cat" + target
	}
	return fmt.Sprintf("forecast_%d_%s", pharmacyID, target)
}

func (s *ArtifactStore) path(pharmacyID int64, modelType string, targetID int64) string {
	return filepath.Join(s.dir, artifactKey(pharmacyID, modelType, targetID)+".msgpack")
}

// Save writes the artifact atomically; the last writer wins.
func (s *ArtifactStore) Save(a *ForecastArtifact) error {
	data, err := msgpack.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return writeFileAtomic(s.path(a.PharmacyID, a.ModelType, a.TargetID), data, 0o644)
}

// Load は保存済みモデルを読み込みます。存在しない・壊れているファイルは ErrArtifactNotFound です。
func (s *ArtifactStore) Load(pharmacyID int64, modelType string, targetID int64) (*ForecastArtifact, error) {
	return s.loadFile(s.path(pharmacyID, modelType, targetID))
}

func (s *ArtifactStore) loadFile(path string) (*ForecastArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var a ForecastArtifact
	if err := msgpack.Unmarshal(data, &a); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("ignoring corrupt forecast artifact")
		return nil, ErrArtifactNotFound
	}
	if a.Version != artifactVersion {
		s.log.Warn().Int("version", a.Version).Str("path", path).Msg("ignoring forecast artifact of unknown version")
		return nil, ErrArtifactNotFound
	}
	if _, err := a.Model(); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("ignoring incomplete forecast artifact")
		return nil, ErrArtifactNotFound
	}
	return &a, nil
}

// List returns every readable artifact of a pharmacy, newest first.
func (s *ArtifactStore) List(pharmacyID int64) ([]*ForecastArtifact, error) {
	pattern := filepath.Join(s.dir, fmt.Sprintf("forecast_%d_*.msgpack", pharmacyID))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	out := make([]*ForecastArtifact, 0, len(paths))
	for _, p := range paths {
		if strings.Contains(filepath.Base(p), ".tmp") {
			continue
		}
		a, err := s.loadFile(p)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrainedAt.After(out[j].TrainedAt) })
	return out, nil
}
