package services

import (
	"strings"
)

// 在庫状態を表すセンチネルタグ
const (
	TagOutOfStock     = "out_of_stock"
	TagAvailableItems = "available_items"
	TagLowStock       = "low_stock"
	TagStockReport    = "stock_report"
	TagOthers         = "others"
)

// LowStockThreshold is the inclusive upper bound of the low_stock predicate.
const LowStockThreshold = 20

const (
	keywordFuzzyThreshold = 80.0
	brandFuzzyThreshold   = 85.0
)

var statePhrases = []struct {
	tag     string
	phrases []string
}{
	{TagOutOfStock, []string{"out of stock", "out-of-stock", "no stock", "sold out", "zero stock", "not available", "unavailable", "walang stock"}},
	{TagLowStock, []string{"low stock", "low on stock", "running low", "almost out", "few left", "needs restock", "need restock", "reorder"}},
	{TagStockReport, []string{"stock levels", "stock level", "stock report", "inventory report", "inventory status", "stock status", "all stock", "whole inventory"}},
	{TagAvailableItems, []string{"available items", "available products", "available medicines", "in stock items", "what is available", "what's available", "whats available", "available", "in stock"}},
}

var directCategorySeeds = []struct {
	category string
	terms    []string
}{
	{"blood_pressure", []string{"blood pressure", "hypertension", "high blood", "bp meds"}},
	{"vitamins", []string{"vitamin", "vitamins", "multivitamin", "multivitamins", "supplement", "supplements"}},
	{"pain_relief", []string{"pain", "painkiller", "pain relief", "headache", "fever", "body ache", "analgesic"}},
	{"antibiotics", []string{"antibiotic", "antibiotics", "bacterial infection", "bacterial"}},
}

// QueryClassifier はクエリを在庫状態タグとカテゴリタグに分類します。
type QueryClassifier struct {
	synonyms *SynonymStore
}

// NewQueryClassifier は新しいQueryClassifierを生成します。
func NewQueryClassifier(synonyms *SynonymStore) *QueryClassifier {
	return &QueryClassifier{synonyms: synonyms}
}

// Classify は順序付き・重複なしのタグ一覧を返します。空なら ["others"] です。
func (c *QueryClassifier) Classify(query string) []string {
	return c.ClassifyWith(c.synonyms.Current(), query)
}

// ClassifyWith classifies against an explicit config snapshot.
func (c *QueryClassifier) ClassifyWith(cfg *SynonymConfig, query string) []string {
	q := normalizeText(query)
	if q == "" {
		return []string{TagOthers}
	}
	padded := " " + q + " "

	// 1. 在庫状態フレーズ
	for _, sp := range statePhrases {
		for _, phrase := range sp.phrases {
			if containsPhrase(padded, phrase) {
				return []string{sp.tag}
			}
		}
	}

	// 2. 直接カテゴリキーワード
	var tags []string
	for _, seed := range directCategorySeeds {
		for _, term := range seed.terms {
			if containsPhrase(padded, term) {
				tags = appendUnique(tags, seed.category)
				break
			}
		}
	}
	if len(tags) > 0 {
		return tags
	}

	// 3. ファジーマッチ
	if cfg != nil {
		for _, cat := range cfg.Categories() {
			for _, kw := range cfg.CategoryMappings[cat] {
				if fuzzyKeywordScore(q, kw) >= keywordFuzzyThreshold {
					tags = appendUnique(tags, cat)
					break
				}
			}
		}
		for _, brand := range cfg.Brands() {
			if fuzzyKeywordScore(q, brand) >= brandFuzzyThreshold {
				if cat := cfg.CategoryForGeneric(cfg.BrandMappings[brand]); cat != "" {
					tags = appendUnique(tags, cat)
				}
			}
		}
	}

	if len(tags) == 0 {
		return []string{TagOthers}
	}
	return tags
}

// IsStateTag reports whether tag is an inventory-state sentinel.
func IsStateTag(tag string) bool {
	switch tag {
	case TagOutOfStock, TagAvailableItems, TagLowStock, TagStockReport:
		return true
	}
	return false
}

// stateTag returns the first inventory-state sentinel in tags, or "".
func stateTag(tags []string) string {
	for _, t := range tags {
		if IsStateTag(t) {
			return t
		}
	}
	return ""
}

// matchesState applies the quantity predicate of an inventory-state tag.
func matchesState(tag string, quantity int) bool {
	switch tag {
	case TagOutOfStock:
		return quantity == 0
	case TagAvailableItems:
		return quantity > 0
	case TagLowStock:
		return quantity > 0 && quantity <= LowStockThreshold
	case TagStockReport:
		return true
	}
	return false
}

func fuzzyKeywordScore(query, keyword string) float64 {
	ts := tokenSetRatio(query, keyword)
	pr := partialRatio(query, keyword)
	if pr > ts {
		return pr
	}
	return ts
}

// containsPhrase matches a phrase on word boundaries. padded must be " "+text+" ".
func containsPhrase(padded, phrase string) bool {
	p := normalizeText(phrase)
	if p == "" {
		return false
	}
	return strings.Contains(padded, " "+p+" ")
}

func appendUnique(list []string, v string) []string {
	if containsString(list, v) {
		return list
	}
	return append(list, v)
}
