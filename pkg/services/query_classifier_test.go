package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	classifier := NewQueryClassifier(newTestSynonyms(t, nil))

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"out of stock phrase", "out of stock items", []string{TagOutOfStock}},
		{"low stock phrase", "low stock items", []string{TagLowStock}},
		{"stock report phrase", "stock report", []string{TagStockReport}},
		{"available phrase", "what is available", []string{TagAvailableItems}},
		{"blood pressure seed", "blood pressure", []string{"blood_pressure"}},
		{"vitamin seed", "vitamins for kids", []string{"vitamins"}},
		{"pain seed", "headache medicine", []string{"pain_relief"}},
		{"antibiotic seed", "antibiotic", []string{"antibiotics"}},
		{"misspelled generic", "amoxicilin", []string{"antibiotics"}},
		{"misspelled brand", "biogesik", []string{"pain_relief"}},
		{"unknown", "xyzzyx", []string{TagOthers}},
		{"empty", "", []string{TagOthers}},
		{"punctuation only", "?!", []string{TagOthers}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifier.Classify(tt.query))
		})
	}
}

func TestClassifyStatePhraseWins(t *testing.T) {
	classifier := NewQueryClassifier(newTestSynonyms(t, nil))
	assert.Equal(t, []string{TagOutOfStock}, classifier.Classify("vitamins out of stock"))
}

func TestClassifyBrandMapsToGenericCategory(t *testing.T) {
	classifier := NewQueryClassifier(newTestSynonyms(t, nil))
	assert.Contains(t, classifier.Classify("norvasc"), "blood_pressure")
}

func TestMatchesState(t *testing.T) {
	assert.True(t, matchesState(TagOutOfStock, 0))
	assert.False(t, matchesState(TagOutOfStock, 1))

	assert.True(t, matchesState(TagAvailableItems, 1))
	assert.False(t, matchesState(TagAvailableItems, 0))

	assert.True(t, matchesState(TagLowStock, 1))
	assert.True(t, matchesState(TagLowStock, LowStockThreshold))
	assert.False(t, matchesState(TagLowStock, LowStockThreshold+1))
	assert.False(t, matchesState(TagLowStock, 0))

	assert.True(t, matchesState(TagStockReport, 0))
	assert.True(t, matchesState(TagStockReport, 500))

	assert.False(t, matchesState("pain_relief", 10))
}

func TestIsStateTag(t *testing.T) {
	assert.True(t, IsStateTag(TagLowStock))
	assert.False(t, IsStateTag(TagOthers))
	assert.Equal(t, TagStockReport, stateTag([]string{"vitamins", TagStockReport}))
	assert.Equal(t, "", stateTag([]string{"vitamins"}))
}
