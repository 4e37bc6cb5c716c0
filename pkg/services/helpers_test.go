package services

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pharmacy-ai-api/pkg/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestSynonyms writes the default config, optionally modified, to a temp file.
func newTestSynonyms(t *testing.T, mutate func(cfg *SynonymConfig)) *SynonymStore {
	t.Helper()
	cfg := DefaultSynonymConfig()
	if mutate != nil {
		mutate(cfg)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "synonyms.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return NewSynonymStore(path, zerolog.Nop())
}

func testCatalogRows() []store.ProductRow {
	return []store.ProductRow{
		{ID: 1, Name: "Biogesic 500mg", UnitPrice: 5, CostPrice: 3, CategoryName: "Analgesics", CurrentStock: 200, Location: "Aisle 1"},
		{ID: 2, Name: "Amlodipine 5mg", UnitPrice: 12, CostPrice: 8, CategoryName: "Cardio", CurrentStock: 20, Location: "Shelf B"},
		{ID: 3, Name: "Ceelin Drops", UnitPrice: 150, CostPrice: 110, CategoryName: "Supplements", CurrentStock: 0, Location: "Shelf C"},
		{ID: 4, Name: "Amoxicillin 500mg", UnitPrice: 9, CostPrice: 6, CategoryName: "Antibiotics", CurrentStock: 5, Location: "Rx Counter"},
		{ID: 5, Name: "Losartan 50mg", UnitPrice: 15, CostPrice: 10, CategoryName: "Cardio", CurrentStock: 40, Location: "Shelf B"},
		{ID: 6, Name: "Paracetamol Generic", UnitPrice: 2, CostPrice: 1, CategoryName: "Analgesics", CurrentStock: 80, Location: "Aisle 1"},
	}
}

type fakeProductSource struct {
	rows  []store.ProductRow
	err   error
	calls int
}

func (f *fakeProductSource) ListActiveProducts(_ context.Context, _ int64) ([]store.ProductRow, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

// fakeRankSource serves a fixed snapshot with canned keyword and semantic hits.
type fakeRankSource struct {
	snap          *InventorySnapshot
	keyword       []ScoredName
	semantic      []ScoredName
	keywordErr    error
	semanticErr   error
	panicSemantic bool
}

func newFakeRankSource(rows []store.ProductRow, synonyms *SynonymStore) *fakeRankSource {
	return &fakeRankSource{snap: buildSnapshot(rows, synonyms.Get(), time.Now())}
}

func (f *fakeRankSource) Snapshot() *InventorySnapshot { return f.snap }

func (f *fakeRankSource) KeywordSearch(_ string, _ int) ([]ScoredName, error) {
	return f.keyword, f.keywordErr
}

func (f *fakeRankSource) SemanticSearch(_ context.Context, _ string, _ int) ([]ScoredName, error) {
	if f.panicSemantic {
		panic("embedding backend crashed")
	}
	return f.semantic, f.semanticErr
}
