package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"pharmacy-ai-api/pkg/models"
	"pharmacy-ai-api/pkg/observability"

	"github.com/rs/zerolog"
)

// StrategyKind は検索戦略の種類です。
type StrategyKind int

const (
	StrategyOverride StrategyKind = iota
	StrategyExact
	StrategySubstring
	StrategyWordSubset
	StrategyBrand
	StrategySynonym
	StrategyInventoryState
	StrategyCategory
	StrategyKeyword
	StrategySemantic
	StrategyFuzzy
)

var strategyNames = [...]string{
	StrategyOverride:       "override",
	StrategyExact:          "exact",
	StrategySubstring:      "substring",
	StrategyWordSubset:     "word_subset",
	StrategyBrand:          "brand",
	StrategySynonym:        "synonym",
	StrategyInventoryState: "inventory_state",
	StrategyCategory:       "category",
	StrategyKeyword:        "keyword",
	StrategySemantic:       "semantic",
	StrategyFuzzy:          "fuzzy",
}

func (k StrategyKind) String() string {
	if int(k) < len(strategyNames) {
		return strategyNames[k]
	}
	return fmt.Sprintf("strategy(%d)", int(k))
}

// mergeOrder is the concatenation order of strategy outputs.
var mergeOrder = []StrategyKind{
	StrategyOverride, StrategyExact, StrategySubstring, StrategyWordSubset,
	StrategyKeyword, StrategyBrand, StrategySynonym, StrategyInventoryState,
	StrategyCategory, StrategySemantic, StrategyFuzzy,
}

const (
	fuzzyNameThreshold = 60.0
	fuzzyTopK          = 10
)

// StrategyResult is the output of one strategy. Scores is set for keyword,
// semantic and fuzzy strategies.
type StrategyResult struct {
	Kind     StrategyKind
	Products []*models.ProductEntry
	Scores   map[string]float64
	Err      error
}

// RankedResult は C6 の出力です。
type RankedResult struct {
	Query         string
	ExtractedName string
	Categories    []string
	Products      []*models.ProductEntry
	Strategies    map[StrategyKind][]string
	// Tiers holds the primary sort key of each returned product, -1 for overrides.
	Tiers map[string]int
	// SemanticScores and KeywordScores keep the raw similarity per product name.
	SemanticScores map[string]float64
	KeywordScores  map[string]float64
	// Succeeded counts strategies that ran without error.
	Succeeded int
}

// StrategiesUsed returns the number of strategies that returned at least one product.
func (r *RankedResult) StrategiesUsed() int {
	n := 0
	for _, names := range r.Strategies {
		if len(names) > 0 {
			n++
		}
	}
	return n
}

// RankSource は ranker が参照する検索面です。PharmacyEngine が実装します。
type RankSource interface {
	Snapshot() *InventorySnapshot
	KeywordSearch(query string, topK int) ([]ScoredName, error)
	SemanticSearch(ctx context.Context, query string, topK int) ([]ScoredName, error)
}

// RetrievalRanker はハイブリッド検索の各戦略を実行し、結果を統合・順位付けします。
type RetrievalRanker struct {
	synonyms     *SynonymStore
	classifier   *QueryClassifier
	keywordTopK  int
	semanticTopK int
	log          zerolog.Logger
}

// NewRetrievalRanker は新しいRetrievalRankerを生成します。
func NewRetrievalRanker(synonyms *SynonymStore, classifier *QueryClassifier, keywordTopK, semanticTopK int, log zerolog.Logger) *RetrievalRanker {
	if keywordTopK <= 0 {
		keywordTopK = 10
	}
	if semanticTopK <= 0 {
		semanticTopK = 10
	}
	return &RetrievalRanker{
		synonyms:     synonyms,
		classifier:   classifier,
		keywordTopK:  keywordTopK,
		semanticTopK: semanticTopK,
		log:          log,
	}
}

var (
	whereLocatedPattern = regexp.MustCompile(`^where\s+is\s+(.+?)\s+located\??$`)
	showLimitPattern    = regexp.MustCompile(`\bshow\s+(all|more|less|\d+)\b`)
)

var namePrefixes = []string{
	"can you show me", "can you find", "do you have any", "do you have", "do you sell",
	"is there any", "is there", "where can i find", "where is the", "where is",
	"where are", "i need some", "i need", "i want", "looking for", "look for",
	"search for", "show me", "give me", "find me", "find", "search", "check",
	"what is", "what are", "how much is", "price of", "stock of", "any",
}

var nameSuffixes = []string{
	"located", "used for", "in stock", "available", "please", "pls",
	"price", "medicine", "medicines", "tablets", "tablet",
}

var leadingArticles = []string{"the", "a", "an", "some"}

// ExtractMedicineName はクエリから定型の前置き・後置きを除いた商品名候補を返します。
func ExtractMedicineName(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	q = strings.TrimRight(q, "?!., ")
	if m := whereLocatedPattern.FindStringSubmatch(q + "?"); m != nil {
		return normalizeText(m[1])
	}
	q = showLimitPattern.ReplaceAllString(q, " ")
	q = normalizeText(q)

	for changed := true; changed; {
		changed = false
		for _, p := range namePrefixes {
			if q == p {
				return ""
			}
			if strings.HasPrefix(q, p+" ") {
				q = strings.TrimSpace(q[len(p):])
				changed = true
			}
		}
		for _, s := range nameSuffixes {
			if strings.HasSuffix(q, " "+s) {
				q = strings.TrimSpace(q[:len(q)-len(s)])
				changed = true
			}
		}
		for _, a := range leadingArticles {
			if strings.HasPrefix(q, a+" ") {
				q = strings.TrimSpace(q[len(a):])
				changed = true
			}
		}
	}
	return q
}

// Rank はクエリに対する順位付き商品一覧を返します。limit が0以下なら全件です。
func (r *RetrievalRanker) Rank(ctx context.Context, src RankSource, query string, limit int) *RankedResult {
	snap := src.Snapshot()
	cfg := r.synonyms.Current()
	tags := r.classifier.ClassifyWith(cfg, query)

	rawNorm := normalizeText(showLimitPattern.ReplaceAllString(strings.ToLower(query), " "))
	ext := ExtractMedicineName(query)
	state := stateTag(tags)

	q := &rankQuery{
		raw:    query,
		rawN:   rawNorm,
		padded: " " + rawNorm + " ",
		ext:    ext,
		tags:   tags,
		state:  state,
		cfg:    cfg,
		snap:   snap,
		names:  make(map[string]string, snap.Len()),
	}
	for _, p := range snap.List() {
		q.names[p.Name] = normalizeText(p.Name)
	}

	results := make(map[StrategyKind]*StrategyResult, len(mergeOrder))
	run := func(kind StrategyKind, fn func() ([]*models.ProductEntry, map[string]float64, error)) {
		res := &StrategyResult{Kind: kind}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					res.Err = fmt.Errorf("panic: %v", rec)
				}
			}()
			res.Products, res.Scores, res.Err = fn()
		}()
		if res.Err != nil {
			observability.StrategyFailures.WithLabelValues(kind.String()).Inc()
			r.log.Debug().Err(res.Err).Str("strategy", kind.String()).Msg("strategy failed")
			res.Products, res.Scores = nil, nil
		} else if len(res.Products) > 0 {
			observability.StrategyHits.WithLabelValues(kind.String()).Inc()
		}
		results[kind] = res
	}

	run(StrategyOverride, q.override)
	run(StrategyExact, q.exact)
	run(StrategySubstring, func() ([]*models.ProductEntry, map[string]float64, error) {
		return q.substring(results[StrategyExact].Products)
	})
	run(StrategyWordSubset, q.wordSubset)
	direct := len(results[StrategyExact].Products)+len(results[StrategySubstring].Products)+len(results[StrategyWordSubset].Products) > 0

	if state != "" {
		run(StrategyInventoryState, func() ([]*models.ProductEntry, map[string]float64, error) {
			var base []*models.ProductEntry
			if direct {
				base = concatProducts(results[StrategyExact].Products, results[StrategySubstring].Products, results[StrategyWordSubset].Products)
			}
			return q.inventoryState(base)
		})
	} else {
		run(StrategyKeyword, func() ([]*models.ProductEntry, map[string]float64, error) {
			hits, err := src.KeywordSearch(query, r.keywordTopK)
			if err != nil {
				return nil, nil, err
			}
			return q.resolveScored(hits)
		})
		run(StrategyBrand, q.brand)
		run(StrategySynonym, q.synonym)
		if !direct {
			run(StrategyCategory, q.category)
		}
		run(StrategySemantic, func() ([]*models.ProductEntry, map[string]float64, error) {
			hits, err := src.SemanticSearch(ctx, query, r.semanticTopK)
			if err != nil {
				return nil, nil, err
			}
			return q.resolveScored(hits)
		})
		if !direct {
			run(StrategyFuzzy, q.fuzzy)
		}
	}

	out := &RankedResult{
		Query:          query,
		ExtractedName:  ext,
		Categories:     tags,
		Strategies:     make(map[StrategyKind][]string, len(results)),
		Tiers:          map[string]int{},
		SemanticScores: map[string]float64{},
		KeywordScores:  map[string]float64{},
	}
	for kind, res := range results {
		if res.Err == nil {
			out.Succeeded++
		}
		names := make([]string, len(res.Products))
		for i, p := range res.Products {
			names[i] = p.Name
		}
		out.Strategies[kind] = names
	}
	if res := results[StrategySemantic]; res != nil {
		for k, v := range res.Scores {
			out.SemanticScores[k] = v
		}
	}
	if res := results[StrategyKeyword]; res != nil {
		for k, v := range res.Scores {
			out.KeywordScores[k] = v
		}
	}

	// 統合と重複排除
	seen := map[string]bool{}
	overrides := map[string]bool{}
	var merged []*models.ProductEntry
	for _, kind := range mergeOrder {
		res := results[kind]
		if res == nil {
			continue
		}
		for _, p := range res.Products {
			if seen[p.Name] {
				continue
			}
			if state != "" && !matchesState(state, p.Quantity) {
				continue
			}
			seen[p.Name] = true
			if kind == StrategyOverride {
				overrides[p.Name] = true
			}
			merged = append(merged, p)
		}
	}

	multiWord := map[string]bool{}
	if res := results[StrategyWordSubset]; res != nil && len(q.subsetTokens()) > 1 {
		for _, p := range res.Products {
			multiWord[p.Name] = true
		}
	}

	type keyed struct {
		p     *models.ProductEntry
		tier  int
		score float64
		pos   int
	}
	ks := make([]keyed, len(merged))
	for i, p := range merged {
		k := keyed{p: p, pos: i}
		if overrides[p.Name] {
			k.tier = -1
		} else {
			k.tier, k.score = q.sortKey(p, direct, out.SemanticScores, out.KeywordScores, multiWord)
		}
		ks[i] = k
		out.Tiers[p.Name] = k.tier
	}
	sort.SliceStable(ks, func(i, j int) bool {
		a, b := ks[i], ks[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.tier == -1 {
			return a.pos < b.pos
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.p.Quantity > b.p.Quantity
	})

	out.Products = make([]*models.ProductEntry, len(ks))
	for i, k := range ks {
		out.Products[i] = k.p
	}
	if limit > 0 && len(out.Products) > limit {
		out.Products = out.Products[:limit]
	}
	return out
}

// rankQuery holds the per-request view used by every strategy. It is read-only.
type rankQuery struct {
	raw    string
	rawN   string
	padded string
	ext    string
	tags   []string
	state  string
	cfg    *SynonymConfig
	snap   *InventorySnapshot
	names  map[string]string // display name -> normalized name
}

func (q *rankQuery) norm(p *models.ProductEntry) string {
	if n, ok := q.names[p.Name]; ok {
		return n
	}
	return normalizeText(p.Name)
}

func (q *rankQuery) override() ([]*models.ProductEntry, map[string]float64, error) {
	var out []*models.ProductEntry
	if q.cfg == nil {
		return nil, nil, nil
	}
	for _, token := range q.cfg.OverrideTokens() {
		if !containsPhrase(q.padded, token) {
			continue
		}
		for _, name := range q.cfg.KeywordOverrides[token] {
			if p, ok := q.snap.Get(name); ok {
				out = append(out, p)
			}
		}
	}
	return out, nil, nil
}

func (q *rankQuery) exact() ([]*models.ProductEntry, map[string]float64, error) {
	var out []*models.ProductEntry
	for _, p := range q.snap.List() {
		n := q.norm(p)
		if n == "" {
			continue
		}
		if n == q.ext || n == q.rawN {
			out = append(out, p)
		}
	}
	return out, nil, nil
}

func (q *rankQuery) substring(exact []*models.ProductEntry) ([]*models.ProductEntry, map[string]float64, error) {
	skip := map[string]bool{}
	for _, p := range exact {
		skip[p.Name] = true
	}
	var out []*models.ProductEntry
	for _, p := range q.snap.List() {
		if skip[p.Name] {
			continue
		}
		if q.substringMatch(q.norm(p)) != 0 {
			out = append(out, p)
		}
	}
	return out, nil, nil
}

// minSubstringLen is the shortest needle the substring strategy and its sort
// tiers accept.
const minSubstringLen = 2

// substringMatch returns 1 when the extracted name occurs in n, 2 when only
// the raw query does and 0 otherwise.
func (q *rankQuery) substringMatch(n string) int {
	switch {
	case len(q.ext) >= minSubstringLen && strings.Contains(n, q.ext):
		return 1
	case len(q.rawN) >= minSubstringLen && strings.Contains(n, q.rawN):
		return 2
	}
	return 0
}

var subsetStopwords = map[string]bool{
	"for": true, "the": true, "a": true, "an": true, "of": true, "and": true, "with": true,
	"me": true, "my": true, "i": true, "is": true, "are": true, "any": true, "some": true,
	"to": true, "in": true, "on": true, "you": true, "do": true, "have": true,
}

func (q *rankQuery) subsetTokens() []string {
	src := q.ext
	if src == "" {
		src = q.rawN
	}
	var out []string
	for _, t := range strings.Fields(src) {
		if len(t) < 2 || subsetStopwords[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (q *rankQuery) wordSubset() ([]*models.ProductEntry, map[string]float64, error) {
	tokens := q.subsetTokens()
	if len(tokens) == 0 {
		return nil, nil, nil
	}
	var out []*models.ProductEntry
	for _, p := range q.snap.List() {
		n := q.norm(p)
		all := true
		for _, t := range tokens {
			if !strings.Contains(n, t) {
				all = false
				break
			}
		}
		if all {
			out = append(out, p)
		}
	}
	return out, nil, nil
}

func (q *rankQuery) brand() ([]*models.ProductEntry, map[string]float64, error) {
	if q.cfg == nil {
		return nil, nil, nil
	}
	var needles []string
	for _, b := range q.cfg.Brands() {
		if !containsPhrase(q.padded, b) {
			continue
		}
		g := normalizeText(q.cfg.BrandMappings[b])
		if g == "" {
			continue
		}
		needles = appendUnique(needles, g)
		if head := strings.Fields(g)[0]; len(head) >= 4 {
			needles = appendUnique(needles, head)
		}
	}
	return q.productsContainingAny(needles), nil, nil
}

func (q *rankQuery) synonym() ([]*models.ProductEntry, map[string]float64, error) {
	if q.cfg == nil {
		return nil, nil, nil
	}
	var terms []string
	for _, cat := range q.cfg.Categories() {
		if !q.mentionsCategory(cat) {
			continue
		}
		for _, kw := range q.cfg.CategoryMappings[cat] {
			if k := normalizeText(kw); k != "" {
				terms = appendUnique(terms, k)
			}
		}
	}
	return q.productsContainingAny(terms), nil, nil
}

// mentionsCategory reports whether a seed term of the category occurs in the query.
func (q *rankQuery) mentionsCategory(cat string) bool {
	if containsPhrase(q.padded, strings.ReplaceAll(cat, "_", " ")) {
		return true
	}
	for _, seed := range directCategorySeeds {
		if seed.category != cat {
			continue
		}
		for _, term := range seed.terms {
			if containsPhrase(q.padded, term) {
				return true
			}
		}
	}
	return false
}

func (q *rankQuery) productsContainingAny(needles []string) []*models.ProductEntry {
	if len(needles) == 0 {
		return nil
	}
	var out []*models.ProductEntry
	for _, p := range q.snap.List() {
		n := q.norm(p)
		for _, needle := range needles {
			if strings.Contains(n, needle) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func (q *rankQuery) inventoryState(base []*models.ProductEntry) ([]*models.ProductEntry, map[string]float64, error) {
	if base == nil {
		base = q.snap.List()
	}
	var out []*models.ProductEntry
	for _, p := range base {
		if matchesState(q.state, p.Quantity) {
			out = append(out, p)
		}
	}
	return out, nil, nil
}

func (q *rankQuery) category() ([]*models.ProductEntry, map[string]float64, error) {
	if containsString(q.tags, "pain_relief") {
		var out []*models.ProductEntry
		for _, p := range q.snap.List() {
			if p.IsPainRelief {
				out = append(out, p)
			}
		}
		return out, nil, nil
	}
	var cats []string
	for _, t := range q.tags {
		if t != TagOthers && !IsStateTag(t) {
			cats = append(cats, t)
		}
	}
	if len(cats) == 0 {
		return nil, nil, nil
	}
	var out []*models.ProductEntry
	for _, p := range q.snap.List() {
		for _, c := range cats {
			if p.HasCategory(c) {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil, nil
}

func (q *rankQuery) resolveScored(hits []ScoredName) ([]*models.ProductEntry, map[string]float64, error) {
	out := make([]*models.ProductEntry, 0, len(hits))
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		p, ok := q.snap.Get(h.Name)
		if !ok {
			continue
		}
		if _, dup := scores[p.Name]; dup {
			continue
		}
		scores[p.Name] = h.Score
		out = append(out, p)
	}
	return out, scores, nil
}

func (q *rankQuery) fuzzy() ([]*models.ProductEntry, map[string]float64, error) {
	needle := q.ext
	if needle == "" {
		needle = q.rawN
	}
	if needle == "" {
		return nil, nil, nil
	}
	type hit struct {
		p     *models.ProductEntry
		score float64
	}
	var hits []hit
	for _, p := range q.snap.List() {
		n := q.norm(p)
		s := tokenSetRatio(needle, n)
		if v := tokenSortRatio(needle, n); v > s {
			s = v
		}
		if v := partialRatio(needle, n); v > s {
			s = v
		}
		if s >= fuzzyNameThreshold {
			hits = append(hits, hit{p, s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > fuzzyTopK {
		hits = hits[:fuzzyTopK]
	}
	out := make([]*models.ProductEntry, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		out[i] = h.p
		scores[h.p.Name] = h.score
	}
	return out, scores, nil
}

// sortKey returns the primary tier and an in-tier score (higher is earlier).
func (q *rankQuery) sortKey(p *models.ProductEntry, direct bool, sem, kw map[string]float64, multiWord map[string]bool) (int, float64) {
	n := q.norm(p)
	if n != "" && (n == q.ext || n == q.rawN) {
		return 0, 0
	}
	if tier := q.substringMatch(n); tier != 0 {
		return tier, 0
	}
	s, hasSem := sem[p.Name]
	k, hasKw := kw[p.Name]
	if !direct {
		if hasSem {
			return 3, s
		}
		if hasKw {
			return 4, k
		}
	} else {
		if hasKw {
			return 3, k
		}
		if hasSem {
			return 4, s
		}
	}
	if multiWord[p.Name] {
		return 5, 0
	}
	return 6, 0
}

func concatProducts(lists ...[]*models.ProductEntry) []*models.ProductEntry {
	var out []*models.ProductEntry
	seen := map[string]bool{}
	for _, l := range lists {
		for _, p := range l {
			if !seen[p.Name] {
				seen[p.Name] = true
				out = append(out, p)
			}
		}
	}
	return out
}
