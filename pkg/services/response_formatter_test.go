package services

import (
	"context"
	"testing"

	"pharmacy-ai-api/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShowLimit(t *testing.T) {
	tests := []struct {
		query string
		total int
		want  int
	}{
		{"show all vitamins", 12, 12},
		{"show more pain relievers", 40, 15},
		{"show more pain relievers", 7, 7},
		{"show less", 9, 1},
		{"show 5 vitamins", 12, 5},
		{"show 0 vitamins", 12, 3},
		{"vitamins", 12, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseShowLimit(tt.query, tt.total), tt.query)
	}
}

func TestStockStatus(t *testing.T) {
	assert.Equal(t, "Out of Stock", StockStatus(0))
	assert.Equal(t, "Out of Stock", StockStatus(-3))
	assert.Equal(t, "Low Stock", StockStatus(1))
	assert.Equal(t, "Low Stock", StockStatus(LowStockThreshold))
	assert.Equal(t, "In Stock", StockStatus(LowStockThreshold+1))
}

func formatQuery(t *testing.T, rows []store.ProductRow, query string) *RankedResult {
	t.Helper()
	synonyms := newTestSynonyms(t, nil)
	src := newFakeRankSource(rows, synonyms)
	return newTestRanker(synonyms).Rank(context.Background(), src, query, 0)
}

func TestFormatSearchResults(t *testing.T) {
	rows := testCatalogRows()
	ranked := formatQuery(t, rows, "blood pressure")
	payload := NewResponseFormatter().Format(ranked, newFakeRankSource(rows, newTestSynonyms(t, nil)).Snapshot())

	assert.Equal(t, TypeSearchResults, payload.Type)
	assert.Equal(t, 2, payload.TotalMatches)
	assert.Equal(t, 3, payload.ShowLimit)
	require.Len(t, payload.Data, 2)
	assert.Equal(t, 0, payload.Pagination.Remaining)
	assert.Empty(t, payload.Pagination.Suggestion)
	assert.Equal(t, []string{"blood_pressure"}, payload.SearchAnalysis.DetectedCategories)
	assert.Contains(t, payload.Message, "Found 2 matching products")
	assert.Contains(t, payload.Message, "Amlodipine 5mg")

	for _, d := range payload.Data {
		assert.Equal(t, "Management of hypertension", d.Uses)
	}
	assert.Greater(t, payload.Confidence, 0.0)
	assert.LessOrEqual(t, payload.Confidence, 1.0)
}

func TestFormatPagination(t *testing.T) {
	rows := testCatalogRows()
	snap := newFakeRankSource(rows, newTestSynonyms(t, nil)).Snapshot()

	payload := NewResponseFormatter().Format(formatQuery(t, rows, "stock report"), snap)
	assert.Equal(t, 6, payload.TotalMatches)
	assert.Len(t, payload.Data, 3)
	assert.Equal(t, 3, payload.Pagination.Remaining)
	assert.Contains(t, payload.Pagination.Suggestion, "show more")

	all := NewResponseFormatter().Format(formatQuery(t, rows, "show all stock report"), snap)
	assert.Len(t, all.Data, 6)
	assert.Equal(t, 0, all.Pagination.Remaining)
}

func TestFormatOutOfStockWhenEverythingIsStocked(t *testing.T) {
	var rows []store.ProductRow
	for _, r := range testCatalogRows() {
		if r.CurrentStock > 0 {
			rows = append(rows, r)
		}
	}
	snap := newFakeRankSource(rows, newTestSynonyms(t, nil)).Snapshot()

	payload := NewResponseFormatter().Format(formatQuery(t, rows, "out of stock items"), snap)

	assert.Equal(t, TypeNoMatches, payload.Type)
	assert.Equal(t, 0, payload.TotalMatches)
	assert.Empty(t, payload.Data)
	assert.Contains(t, payload.Message, "all items are currently in stock")
	assert.Len(t, payload.Suggestions, 5)
	assert.Equal(t, 0.0, payload.Confidence)
}

func TestFormatNoMatchSuggestsCategory(t *testing.T) {
	rows := testCatalogRows()
	snap := newFakeRankSource(rows, newTestSynonyms(t, nil)).Snapshot()
	ranked := &RankedResult{Query: "antibiotic for kids", Categories: []string{"antibiotics"}}

	payload := NewResponseFormatter().Format(ranked, snap)

	assert.Equal(t, TypeNoMatches, payload.Type)
	assert.Equal(t, []string{"Amoxicillin 500mg"}, payload.Suggestions)
	assert.Contains(t, payload.Message, `couldn't find any product matching "antibiotic for kids"`)
	assert.Contains(t, payload.Message, "1. Amoxicillin 500mg")
}
