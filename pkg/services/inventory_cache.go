package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pharmacy-ai-api/pkg/models"
	"pharmacy-ai-api/pkg/observability"
	"pharmacy-ai-api/pkg/store"

	"github.com/rs/zerolog"
)

// ProductSource は有効な商品一覧を返すデータソースです。
type ProductSource interface {
	ListActiveProducts(ctx context.Context, pharmacyID int64) ([]store.ProductRow, error)
}

// InventorySnapshot is an immutable view of the catalog keyed by lowercased name.
type InventorySnapshot struct {
	Products map[string]*models.ProductEntry
	Order    []string
	LoadedAt time.Time
}

var emptySnapshot = &InventorySnapshot{Products: map[string]*models.ProductEntry{}}

// Len returns the number of products.
func (s *InventorySnapshot) Len() int { return len(s.Order) }

// Get looks a product up by name, case-insensitively.
func (s *InventorySnapshot) Get(name string) (*models.ProductEntry, bool) {
	p, ok := s.Products[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// List returns products in catalog order.
func (s *InventorySnapshot) List() []*models.ProductEntry {
	out := make([]*models.ProductEntry, 0, len(s.Order))
	for _, k := range s.Order {
		out = append(out, s.Products[k])
	}
	return out
}

// InventoryCache は薬局ごとの在庫スナップショットを保持し、一定間隔で更新します。
// 読み取りはロックなしで、更新時はマップ全体を差し替えます。
type InventoryCache struct {
	pharmacyID  int64
	source      ProductSource
	synonyms    *SynonymStore
	interval    time.Duration
	retryDelay  time.Duration
	snap        atomic.Pointer[InventorySnapshot]
	mu          sync.Mutex
	lastAttempt time.Time
	log         zerolog.Logger
	now         func() time.Time
}

// NewInventoryCache は新しいInventoryCacheを生成します。最初の読み込みは呼び出し側で行います。
func NewInventoryCache(pharmacyID int64, source ProductSource, synonyms *SynonymStore, interval time.Duration, log zerolog.Logger) *InventoryCache {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &InventoryCache{
		pharmacyID: pharmacyID,
		source:     source,
		synonyms:   synonyms,
		interval:   interval,
		retryDelay: 10 * time.Second,
		log:        log.With().Int64("pharmacy_id", pharmacyID).Logger(),
		now:        time.Now,
	}
}

// Snapshot returns the current snapshot; never nil.
func (c *InventoryCache) Snapshot() *InventorySnapshot {
	if s := c.snap.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// Loaded reports whether at least one refresh succeeded.
func (c *InventoryCache) Loaded() bool { return c.snap.Load() != nil }

// Due reports whether the snapshot is missing or older than the refresh interval.
func (c *InventoryCache) Due() bool {
	cur := c.snap.Load()
	return cur == nil || c.now().Sub(cur.LoadedAt) >= c.interval
}

// MaybeRefresh は前回の成功から更新間隔が経過している場合のみ再読み込みします。
func (c *InventoryCache) MaybeRefresh(ctx context.Context) (bool, error) {
	return c.Refresh(ctx, false)
}

// Refresh reloads the catalog. Without force it is a no-op until the interval
// has elapsed. On store failure the previous snapshot stays published.
func (c *InventoryCache) Refresh(ctx context.Context, force bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !force {
		if cur := c.snap.Load(); cur != nil && now.Sub(cur.LoadedAt) < c.interval {
			return false, nil
		}
		if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.retryDelay {
			return false, nil
		}
	}
	c.lastAttempt = now

	rows, err := c.source.ListActiveProducts(ctx, c.pharmacyID)
	if err != nil {
		observability.InventoryRefreshTotal.WithLabelValues("error").Inc()
		c.log.Error().Err(err).Int("cached_products", c.Snapshot().Len()).Msg("inventory refresh failed, keeping previous snapshot")
		return false, fmt.Errorf("inventory refresh: %w", err)
	}

	var cfg *SynonymConfig
	if c.synonyms != nil {
		cfg = c.synonyms.Get()
	}
	snap := buildSnapshot(rows, cfg, now)
	c.snap.Store(snap)
	observability.InventoryRefreshTotal.WithLabelValues("ok").Inc()
	c.log.Info().Int("products", snap.Len()).Bool("forced", force).Msg("inventory snapshot refreshed")
	return true, nil
}

func buildSnapshot(rows []store.ProductRow, cfg *SynonymConfig, loadedAt time.Time) *InventorySnapshot {
	snap := &InventorySnapshot{
		Products: make(map[string]*models.ProductEntry, len(rows)),
		Order:    make([]string, 0, len(rows)),
		LoadedAt: loadedAt,
	}
	for _, r := range rows {
		key := strings.ToLower(strings.TrimSpace(r.Name))
		if key == "" {
			continue
		}
		if _, dup := snap.Products[key]; dup {
			continue
		}
		entry := newProductEntry(r, cfg)
		snap.Products[key] = entry
		snap.Order = append(snap.Order, key)
	}
	return snap
}

// newProductEntry converts a store row and derives AI category tags from the
// synonym keywords found in the product name or raw category.
func newProductEntry(r store.ProductRow, cfg *SynonymConfig) *models.ProductEntry {
	qty := r.CurrentStock
	if qty < 0 {
		qty = 0
	}
	entry := &models.ProductEntry{
		ID:        r.ID,
		Name:      strings.TrimSpace(r.Name),
		Quantity:  qty,
		CostPrice: r.CostPrice,
		UnitPrice: r.UnitPrice,
		Category:  r.CategoryName,
		Location:  r.Location,
	}

	entry.AICategories = deriveCategories(entry.Name+" "+entry.Category, cfg)
	entry.IsAntibiotic = entry.HasCategory("antibiotics")
	entry.IsPainRelief = entry.HasCategory("pain_relief")
	entry.IsVitamin = entry.HasCategory("vitamins")
	return entry
}

func deriveCategories(text string, cfg *SynonymConfig) []string {
	tags := []string{}
	if cfg == nil {
		return tags
	}
	lower := normalizeText(text)
	for _, cat := range cfg.Categories() {
		for _, kw := range cfg.CategoryMappings[cat] {
			if k := normalizeText(kw); k != "" && strings.Contains(lower, k) {
				tags = append(tags, cat)
				break
			}
		}
	}
	for _, brand := range cfg.Brands() {
		if strings.Contains(lower, normalizeText(brand)) {
			if cat := cfg.CategoryForGeneric(cfg.BrandMappings[brand]); cat != "" && !containsString(tags, cat) {
				tags = append(tags, cat)
			}
		}
	}
	sort.Strings(tags)
	return tags
}
