package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pharmacy-ai-api/pkg/observability"

	"github.com/rs/zerolog"
)

// EngineConfig は検索エンジン共通の設定です。
type EngineConfig struct {
	IndexDir         string
	RefreshInterval  time.Duration
	SemanticMinScore float64
	KeywordTopK      int
	SemanticTopK     int
}

// backgroundSyncTimeout bounds one background refresh and rebuild.
const backgroundSyncTimeout = 5 * time.Minute

// PharmacyEngine は1薬局分の在庫キャッシュとキーワード・セマンティック索引です。
// リクエスト経路はアトミックなスナップショットを読むだけで、再読み込みと索引構築はバックグラウンドで行います。
type PharmacyEngine struct {
	PharmacyID int64

	cache    *InventoryCache
	keyword  atomic.Pointer[KeywordIndex]
	semantic atomic.Pointer[SemanticIndex]
	annReady atomic.Bool

	buildMu          sync.Mutex
	semanticFailedAt atomic.Int64 // unix nanos of the last failed build
	warmOnce         sync.Once
	syncing          atomic.Bool
	bg               sync.WaitGroup

	embedder *LazyEmbedder
	ann      *VectorStoreService
	cfg      EngineConfig
	log      zerolog.Logger
}

// Snapshot returns the current inventory snapshot.
func (e *PharmacyEngine) Snapshot() *InventorySnapshot { return e.cache.Snapshot() }

// Cache exposes the inventory cache.
func (e *PharmacyEngine) Cache() *InventoryCache { return e.cache }

// SemanticAvailable reports whether the semantic strategy can run.
func (e *PharmacyEngine) SemanticAvailable() bool { return e.semantic.Load() != nil }

// Sync は間隔経過時に在庫を再読み込みし、古くなった索引を作り直します。完了までブロックします。
func (e *PharmacyEngine) Sync(ctx context.Context) {
	if _, err := e.cache.MaybeRefresh(ctx); err != nil {
		// 以前のスナップショットで継続
		e.log.Debug().Err(err).Msg("serving stale snapshot")
	}
	e.syncKeyword(false)
	e.syncSemantic(ctx, false)
}

// warm loads the inventory and keyword index once so the first request has
// data. The semantic index is left to the background sync.
func (e *PharmacyEngine) warm(ctx context.Context) {
	e.warmOnce.Do(func() {
		if _, err := e.cache.Refresh(ctx, false); err != nil {
			e.log.Warn().Err(err).Msg("initial inventory load failed")
		}
		e.syncKeyword(false)
	})
}

// Schedule starts a background Sync unless one is already running.
func (e *PharmacyEngine) Schedule() bool {
	if !e.syncing.CompareAndSwap(false, true) {
		return false
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer e.syncing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), backgroundSyncTimeout)
		defer cancel()
		e.Sync(ctx)
	}()
	return true
}

// Wait blocks until scheduled background syncs have finished.
func (e *PharmacyEngine) Wait() { e.bg.Wait() }

// needsSync is the lock-free staleness check run on the request path.
func (e *PharmacyEngine) needsSync() bool {
	if e.cache.Due() {
		return true
	}
	snap := e.cache.Snapshot()
	if snap.Len() == 0 {
		return false
	}
	return e.keywordStale(snap) || e.semanticStale(snap)
}

// EngineStatus is the monitoring view of one pharmacy engine.
type EngineStatus struct {
	PharmacyID      int64      `json:"pharmacy_id"`
	Products        int        `json:"products"`
	LoadedAt        *time.Time `json:"loaded_at,omitempty"`
	CacheAgeSeconds float64    `json:"cache_age_seconds"`
	KeywordReady    bool       `json:"keyword_ready"`
	SemanticReady   bool       `json:"semantic_ready"`
	SemanticModel   string     `json:"semantic_model,omitempty"`
	SemanticDims    int        `json:"semantic_dims,omitempty"`
	ANNReady        bool       `json:"ann_ready"`
	Syncing         bool       `json:"syncing"`
}

// Status reports cache age and index state without blocking.
func (e *PharmacyEngine) Status(now time.Time) EngineStatus {
	snap := e.cache.Snapshot()
	st := EngineStatus{
		PharmacyID:   e.PharmacyID,
		Products:     snap.Len(),
		KeywordReady: e.keyword.Load() != nil,
		ANNReady:     e.annReady.Load(),
		Syncing:      e.syncing.Load(),
	}
	if e.cache.Loaded() {
		loaded := snap.LoadedAt
		st.LoadedAt = &loaded
		st.CacheAgeSeconds = now.Sub(loaded).Seconds()
	}
	if sem := e.semantic.Load(); sem != nil {
		st.SemanticReady = true
		st.SemanticModel = sem.Model
		st.SemanticDims = sem.Dims()
	}
	return st
}

// ForceRefresh reloads the catalog and rebuilds both indices.
func (e *PharmacyEngine) ForceRefresh(ctx context.Context) error {
	_, err := e.cache.Refresh(ctx, true)
	e.syncKeyword(true)
	e.syncSemantic(ctx, true)
	return err
}

// RebuildSemantic rebuilds only the semantic index from the current snapshot.
func (e *PharmacyEngine) RebuildSemantic(ctx context.Context) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	names, texts := composeCatalog(e.cache.Snapshot())
	return e.buildSemanticLocked(ctx, names, texts)
}

func (e *PharmacyEngine) syncKeyword(force bool) {
	snap := e.cache.Snapshot()
	if !force && (snap.Len() == 0 || !e.keywordStale(snap)) {
		return
	}
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	if force || e.keywordStale(snap) {
		names, texts := composeCatalog(snap)
		e.loadOrBuildKeyword(names, texts, force)
	}
}

func (e *PharmacyEngine) syncSemantic(ctx context.Context, force bool) {
	if e.embedder == nil {
		return
	}
	snap := e.cache.Snapshot()
	if !force && (snap.Len() == 0 || !e.semanticStale(snap)) {
		return
	}
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	model, dims, err := e.embedder.Describe(ctx)
	if err != nil {
		e.semanticFailedAt.Store(time.Now().UnixNano())
		e.log.Warn().Err(err).Msg("semantic index unavailable")
		return
	}
	if !force {
		if cur := e.semantic.Load(); cur != nil && cur.Len() == snap.Len() && cur.Matches(model, dims) {
			return
		}
		loaded, err := e.loadSemantic(model, dims, snap.Len())
		if err == nil {
			e.semantic.Store(loaded)
			e.semanticFailedAt.Store(0)
			e.pushANN(ctx, loaded)
			e.log.Info().Int("vectors", loaded.Len()).Msg("semantic index loaded from disk")
			return
		}
		if !errors.Is(err, os.ErrNotExist) {
			e.log.Info().Err(err).Msg("rebuilding semantic index")
		}
	}
	names, texts := composeCatalog(snap)
	if err := e.buildSemanticLocked(ctx, names, texts); err != nil {
		e.log.Warn().Err(err).Msg("semantic index unavailable")
	}
}

// loadSemantic reads the persisted index and accepts it only when it covers
// the catalog and was built by the current model at the current width.
func (e *PharmacyEngine) loadSemantic(model string, dims, products int) (*SemanticIndex, error) {
	loaded, err := LoadSemanticIndex(e.cfg.IndexDir, e.semanticPrefix())
	if err != nil {
		return nil, err
	}
	if loaded.Len() != products {
		return nil, fmt.Errorf("persisted semantic index has %d vectors, catalog has %d", loaded.Len(), products)
	}
	if !loaded.Matches(model, dims) {
		return nil, fmt.Errorf("%w: %s/%d, provider is %s/%d", ErrIndexMismatch, loaded.Model, loaded.Dims(), model, dims)
	}
	return loaded, nil
}

func (e *PharmacyEngine) keywordStale(snap *InventorySnapshot) bool {
	kw := e.keyword.Load()
	return kw == nil || kw.Len() != snap.Len()
}

// semanticStale reports whether the semantic index needs a rebuild. After a
// failed build it waits a minute before trying again.
func (e *PharmacyEngine) semanticStale(snap *InventorySnapshot) bool {
	if e.embedder == nil {
		return false
	}
	sem := e.semantic.Load()
	if sem != nil && sem.Len() == snap.Len() {
		return false
	}
	failed := e.semanticFailedAt.Load()
	return failed == 0 || time.Since(time.Unix(0, failed)) > time.Minute
}

func (e *PharmacyEngine) loadOrBuildKeyword(names, texts []string, force bool) {
	path := filepath.Join(e.cfg.IndexDir, fmt.Sprintf("keyword_%d.msgpack", e.PharmacyID))
	if !force {
		if idx, err := LoadKeywordIndex(path); err == nil && idx.Len() == len(names) {
			e.keyword.Store(idx)
			e.log.Info().Int("documents", idx.Len()).Msg("keyword index loaded from disk")
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warn().Err(err).Str("path", path).Msg("ignoring unreadable keyword index")
		}
	}

	start := time.Now()
	idx := BuildKeywordIndex(names, texts)
	observability.IndexBuildDuration.WithLabelValues("keyword").Observe(time.Since(start).Seconds())
	e.keyword.Store(idx)
	if err := idx.Save(path); err != nil {
		e.log.Warn().Err(err).Msg("could not persist keyword index")
	}
	e.log.Info().Int("documents", idx.Len()).Int("features", len(idx.Vocabulary)).Msg("keyword index built")
}

func (e *PharmacyEngine) buildSemanticLocked(ctx context.Context, names, texts []string) error {
	if e.embedder == nil {
		return ErrEmbeddingUnavailable
	}
	start := time.Now()
	idx, err := BuildSemanticIndex(ctx, e.embedder, names, texts)
	if err != nil {
		e.semanticFailedAt.Store(time.Now().UnixNano())
		return err
	}
	observability.IndexBuildDuration.WithLabelValues("semantic").Observe(time.Since(start).Seconds())
	e.semantic.Store(idx)
	e.semanticFailedAt.Store(0)
	if err := idx.Save(e.cfg.IndexDir, e.semanticPrefix()); err != nil {
		e.log.Warn().Err(err).Msg("could not persist semantic index")
	}
	e.pushANN(ctx, idx)
	e.log.Info().Int("vectors", idx.Len()).Int("dims", idx.Dims()).Msg("semantic index built")
	return nil
}

func (e *PharmacyEngine) pushANN(ctx context.Context, idx *SemanticIndex) {
	if e.ann == nil {
		return
	}
	e.annReady.Store(false)
	if err := e.ann.ReplaceCollection(ctx, e.collectionName(), idx.Names, idx.Vectors); err != nil {
		e.log.Warn().Err(err).Msg("ann index unavailable, using brute-force search")
		return
	}
	e.annReady.Store(true)
}

func (e *PharmacyEngine) semanticPrefix() string {
	return fmt.Sprintf("semantic_%d", e.PharmacyID)
}

func (e *PharmacyEngine) collectionName() string {
	return fmt.Sprintf("pharmacy_products_%d", e.PharmacyID)
}

// KeywordSearch runs a TF-IDF query.
func (e *PharmacyEngine) KeywordSearch(query string, topK int) ([]ScoredName, error) {
	idx := e.keyword.Load()
	if idx == nil {
		return nil, errors.New("keyword index not built")
	}
	return idx.Search(query, topK), nil
}

// SemanticSearch はクエリを埋め込み、ANN（利用可能なら）または総当たりで検索します。
func (e *PharmacyEngine) SemanticSearch(ctx context.Context, query string, topK int) ([]ScoredName, error) {
	idx := e.semantic.Load()
	if idx == nil || e.embedder == nil {
		return nil, ErrEmbeddingUnavailable
	}
	vecs, err := e.embedder.Encode(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	q := vecs[0]
	if len(q) != idx.Dims() {
		// 埋め込みモデルが変わった索引は破棄して作り直す
		if e.semantic.CompareAndSwap(idx, nil) {
			e.Schedule()
		}
		return nil, fmt.Errorf("%w: query vector has %d dims, index has %d", ErrIndexMismatch, len(q), idx.Dims())
	}

	if e.ann != nil && e.annReady.Load() {
		res, err := e.ann.Search(ctx, e.collectionName(), q, uint64(topK))
		if err == nil {
			out := res[:0]
			for _, r := range res {
				if r.Score >= e.cfg.SemanticMinScore {
					out = append(out, r)
				}
			}
			return out, nil
		}
		e.log.Warn().Err(err).Msg("ann search failed, falling back to brute force")
	}
	return idx.Search(q, topK, e.cfg.SemanticMinScore), nil
}

func composeCatalog(snap *InventorySnapshot) (names, texts []string) {
	products := snap.List()
	names = make([]string, len(products))
	texts = make([]string, len(products))
	for i, p := range products {
		names[i] = p.Name
		texts[i] = ComposeProductText(p)
	}
	return names, texts
}

// RetrievalEngines は薬局IDごとのエンジンを遅延生成して保持します。
type RetrievalEngines struct {
	mu       sync.Mutex
	engines  map[int64]*PharmacyEngine
	source   ProductSource
	synonyms *SynonymStore
	embedder *LazyEmbedder
	ann      *VectorStoreService
	cfg      EngineConfig
	log      zerolog.Logger
}

// NewRetrievalEngines は新しいレジストリを生成します。annはnilでも構いません。
func NewRetrievalEngines(source ProductSource, synonyms *SynonymStore, embedder *LazyEmbedder, ann *VectorStoreService, cfg EngineConfig, log zerolog.Logger) *RetrievalEngines {
	if cfg.KeywordTopK <= 0 {
		cfg.KeywordTopK = 10
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = 10
	}
	if cfg.IndexDir == "" {
		cfg.IndexDir = filepath.Join(os.TempDir(), "pharmacy-ai-index")
	}
	return &RetrievalEngines{
		engines:  map[int64]*PharmacyEngine{},
		source:   source,
		synonyms: synonyms,
		embedder: embedder,
		ann:      ann,
		cfg:      cfg,
		log:      log,
	}
}

// Synonyms returns the shared synonym store.
func (r *RetrievalEngines) Synonyms() *SynonymStore { return r.synonyms }

// Config returns the engine configuration.
func (r *RetrievalEngines) Config() EngineConfig { return r.cfg }

// Get returns the engine of a pharmacy. The first call for a pharmacy loads
// its inventory and keyword index; later calls never block on the store or the
// embedder and only schedule a background sync when something is stale.
func (r *RetrievalEngines) Get(ctx context.Context, pharmacyID int64) *PharmacyEngine {
	e := r.engine(pharmacyID)
	e.warm(ctx)
	if e.needsSync() {
		e.Schedule()
	}
	return e
}

// Synced returns the engine after a blocking sync, for batch jobs that must
// see built indices.
func (r *RetrievalEngines) Synced(ctx context.Context, pharmacyID int64) *PharmacyEngine {
	e := r.engine(pharmacyID)
	e.warm(ctx)
	e.Sync(ctx)
	return e
}

func (r *RetrievalEngines) engine(pharmacyID int64) *PharmacyEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[pharmacyID]
	if !ok {
		elog := r.log.With().Int64("pharmacy_id", pharmacyID).Logger()
		e = &PharmacyEngine{
			PharmacyID: pharmacyID,
			cache:      NewInventoryCache(pharmacyID, r.source, r.synonyms, r.cfg.RefreshInterval, elog),
			embedder:   r.embedder,
			ann:        r.ann,
			cfg:        r.cfg,
			log:        elog,
		}
		r.engines[pharmacyID] = e
	}
	return e
}

// All returns the engines created so far, ordered by pharmacy id.
func (r *RetrievalEngines) All() []*PharmacyEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PharmacyEngine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PharmacyID < out[j].PharmacyID })
	return out
}

// MaybeRefreshAll reloads a changed synonym file and runs the interval-gated
// sync on every engine. It is the body of the background refresh job.
func (r *RetrievalEngines) MaybeRefreshAll(ctx context.Context) {
	if r.synonyms != nil {
		r.synonyms.Load(false)
	}
	for _, e := range r.All() {
		e.Sync(ctx)
	}
}

// Status returns the status of every engine, ordered by pharmacy id.
func (r *RetrievalEngines) Status(now time.Time) []EngineStatus {
	engines := r.All()
	out := make([]EngineStatus, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Status(now))
	}
	return out
}

// Wait blocks until every scheduled background sync has finished.
func (r *RetrievalEngines) Wait() {
	for _, e := range r.All() {
		e.Wait()
	}
}

// ForceRefresh reloads synonyms and rebuilds the given pharmacy, or all engines when pharmacyID is 0.
func (r *RetrievalEngines) ForceRefresh(ctx context.Context, pharmacyID int64) (int, error) {
	if r.synonyms != nil {
		r.synonyms.Load(true)
	}
	var engines []*PharmacyEngine
	if pharmacyID != 0 {
		engines = []*PharmacyEngine{r.engine(pharmacyID)}
	} else {
		engines = r.All()
	}
	var errs []error
	total := 0
	for _, e := range engines {
		if err := e.ForceRefresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pharmacy %d: %w", e.PharmacyID, err))
			continue
		}
		total += e.Snapshot().Len()
	}
	return total, errors.Join(errs...)
}
