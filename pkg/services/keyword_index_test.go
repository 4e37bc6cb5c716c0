package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalogIndex(t *testing.T) *KeywordIndex {
	t.Helper()
	snap := buildSnapshot(testCatalogRows(), DefaultSynonymConfig().normalize(), time.Now())
	names, texts := composeCatalog(snap)
	return BuildKeywordIndex(names, texts)
}

func TestComposeProductText(t *testing.T) {
	snap := buildSnapshot(testCatalogRows(), DefaultSynonymConfig().normalize(), time.Now())
	p, _ := snap.Get("amlodipine 5mg")
	assert.Equal(t, "Amlodipine 5mg | blood_pressure | Cardio | Shelf B | price | available in stock", ComposeProductText(p))

	empty, _ := snap.Get("ceelin drops")
	assert.NotContains(t, ComposeProductText(empty), "available in stock")
}

func TestKeywordTerms(t *testing.T) {
	assert.Equal(t, []string{"vitamin", "500mg", "vitamin 500mg"}, keywordTerms("Vitamin C 500mg"))
	assert.Empty(t, keywordTerms("a ?"))
}

func TestKeywordIndexSearch(t *testing.T) {
	idx := testCatalogIndex(t)
	assert.Equal(t, 6, idx.Len())

	hits := idx.Search("amlodipine", 3)
	require.NotEmpty(t, hits)
	assert.Equal(t, "Amlodipine 5mg", hits[0].Name)
	assert.LessOrEqual(t, len(hits), 3)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}

	cardio := idx.Search("cardio", 0)
	names := make([]string, len(cardio))
	for i, h := range cardio {
		names[i] = h.Name
	}
	assert.ElementsMatch(t, []string{"Amlodipine 5mg", "Losartan 50mg"}, names)

	assert.Empty(t, idx.Search("xyzzyx", 5))
}

func TestKeywordIndexPersistence(t *testing.T) {
	idx := testCatalogIndex(t)
	path := filepath.Join(t.TempDir(), "index", "keyword_1.msgpack")
	require.NoError(t, idx.Save(path))

	loaded, err := LoadKeywordIndex(path)
	require.NoError(t, err)
	assert.Equal(t, idx.Names, loaded.Names)
	assert.Equal(t, idx.Search("antibiotics", 5), loaded.Search("antibiotics", 5))

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err = LoadKeywordIndex(path)
	assert.Error(t, err)
}
