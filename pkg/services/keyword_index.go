package services

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pharmacy-ai-api/pkg/models"

	"github.com/vmihailenco/msgpack/v5"
)

const keywordMaxFeatures = 50000

// ComposeProductText は索引用の文書（名前 | カテゴリタグ | カテゴリ | 場所 | ヒント）を作ります。
func ComposeProductText(p *models.ProductEntry) string {
	parts := []string{p.Name, strings.Join(p.AICategories, " "), p.Category, p.Location}
	if p.UnitPrice > 0 {
		parts = append(parts, "price")
	}
	if p.Quantity > 0 {
		parts = append(parts, "available in stock")
	}
	return strings.Join(parts, " | ")
}

// ScoredName is a product name with a similarity score.
type ScoredName struct {
	Name  string
	Score float64
}

type sparseRow struct {
	Idx []int32   `msgpack:"i"`
	Val []float32 `msgpack:"v"`
}

// KeywordIndex はユニグラム＋バイグラムのTF-IDF索引です。行iは Names[i] に対応します。
type KeywordIndex struct {
	Vocabulary map[string]int32 `msgpack:"vocabulary"`
	IDF        []float32        `msgpack:"idf"`
	Rows       []sparseRow      `msgpack:"rows"`
	Names      []string         `msgpack:"names"`
}

// Len returns the number of indexed documents.
func (k *KeywordIndex) Len() int { return len(k.Names) }

// keywordTerms returns the unigram and bigram terms of a text. Tokens are runs
// of at least two letters or digits.
func keywordTerms(text string) []string {
	var tokens []string
	for _, t := range strings.Fields(normalizeText(text)) {
		if len([]rune(t)) >= 2 {
			tokens = append(tokens, t)
		}
	}
	terms := make([]string, 0, len(tokens)*2)
	terms = append(terms, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		terms = append(terms, tokens[i]+" "+tokens[i+1])
	}
	return terms
}

// BuildKeywordIndex fits the vectoriser over texts and returns an index with L2-normalised rows.
func BuildKeywordIndex(names, texts []string) *KeywordIndex {
	n := len(texts)
	docTerms := make([]map[string]int, n)
	df := map[string]int{}
	tf := map[string]int{}
	for i, text := range texts {
		counts := map[string]int{}
		for _, term := range keywordTerms(text) {
			counts[term]++
			tf[term]++
		}
		for term := range counts {
			df[term]++
		}
		docTerms[i] = counts
	}

	// 語彙が多すぎる場合はコーパス全体の出現頻度上位を残す
	terms := make([]string, 0, len(tf))
	for term := range tf {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if tf[terms[i]] != tf[terms[j]] {
			return tf[terms[i]] > tf[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > keywordMaxFeatures {
		terms = terms[:keywordMaxFeatures]
	}
	sort.Strings(terms)

	idx := &KeywordIndex{
		Vocabulary: make(map[string]int32, len(terms)),
		IDF:        make([]float32, len(terms)),
		Rows:       make([]sparseRow, n),
		Names:      append([]string(nil), names...),
	}
	for i, term := range terms {
		idx.Vocabulary[term] = int32(i)
		idx.IDF[i] = float32(math.Log(float64(1+n)/float64(1+df[term])) + 1)
	}
	for i, counts := range docTerms {
		idx.Rows[i] = idx.vectorize(counts)
	}
	return idx
}

func (k *KeywordIndex) vectorize(counts map[string]int) sparseRow {
	var row sparseRow
	var norm float64
	for term, c := range counts {
		col, ok := k.Vocabulary[term]
		if !ok {
			continue
		}
		w := float64(c) * float64(k.IDF[col])
		row.Idx = append(row.Idx, col)
		row.Val = append(row.Val, float32(w))
		norm += w * w
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range row.Val {
			row.Val[i] = float32(float64(row.Val[i]) / norm)
		}
	}
	return row
}

// Search はクエリとのコサイン類似度が正の上位topK件を返します。
func (k *KeywordIndex) Search(query string, topK int) []ScoredName {
	counts := map[string]int{}
	for _, term := range keywordTerms(query) {
		counts[term]++
	}
	q := k.vectorize(counts)
	if len(q.Idx) == 0 {
		return nil
	}
	qv := make(map[int32]float32, len(q.Idx))
	for i, col := range q.Idx {
		qv[col] = q.Val[i]
	}

	var out []ScoredName
	for i, row := range k.Rows {
		var dot float64
		for j, col := range row.Idx {
			if v, ok := qv[col]; ok {
				dot += float64(v) * float64(row.Val[j])
			}
		}
		if dot > 0 {
			out = append(out, ScoredName{Name: k.Names[i], Score: dot})
		}
	}
	sortScored(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// Save persists the index with msgpack.
func (k *KeywordIndex) Save(path string) error {
	data, err := msgpack.Marshal(k)
	if err != nil {
		return fmt.Errorf("encode keyword index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// LoadKeywordIndex reads a persisted index. Corrupt files are reported as errors.
func LoadKeywordIndex(path string) (*KeywordIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var k KeywordIndex
	if err := msgpack.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("decode keyword index: %w", err)
	}
	if len(k.Rows) != len(k.Names) || len(k.IDF) != len(k.Vocabulary) {
		return nil, fmt.Errorf("keyword index %s is inconsistent", path)
	}
	return &k, nil
}

// sortScored orders by descending score, then name for stable output.
func sortScored(s []ScoredName) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		return s[i].Name < s[j].Name
	})
}
