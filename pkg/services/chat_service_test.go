package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChatService(t *testing.T, src ProductSource) (*ChatService, *MemoryChatCache) {
	t.Helper()
	engines := newTestEngines(t, src, nil)
	ranker := newTestRanker(engines.Synonyms())
	cache := NewMemoryChatCache(time.Minute, 100)
	metrics := NewMetricsAggregator(newFakeMetricsSink(), 100, 90, zerolog.Nop())
	return NewChatService(engines, ranker, NewResponseFormatter(), metrics, cache, zerolog.Nop()), cache
}

func TestChatServiceRespond(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestChatService(t, &fakeProductSource{rows: testCatalogRows()})

	payload, in := svc.Respond(ctx, 1, "do you have biogesic?")
	assert.Equal(t, TypeSearchResults, payload.Type)
	require.NotEmpty(t, payload.Data)
	assert.Equal(t, "Biogesic 500mg", payload.Data[0].Name)
	assert.Equal(t, "In Stock", payload.Data[0].StockStatus)
	assert.Equal(t, "biogesic", payload.SearchAnalysis.ExtractedName)
	assert.False(t, in.Cached)
	assert.Equal(t, payload.TotalMatches, in.MatchCount)

	again, in2 := svc.Respond(ctx, 1, "Do you have Biogesic")
	assert.True(t, in2.Cached)
	assert.Same(t, payload, again)
}

func TestChatServiceRecordsAfterResponse(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestChatService(t, &fakeProductSource{rows: testCatalogRows()})

	for i := 0; i < 3; i++ {
		payload, in := svc.Respond(ctx, 1, "xyzzyx")
		assert.Equal(t, 0, payload.TotalMatches)
		assert.Equal(t, TypeNoMatches, payload.Type)
		svc.Record(in)
	}
	svc.Feedback(1, 1)

	rows := svc.Metrics().Pending(1)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].TotalQueries)
	assert.Equal(t, 3, rows[0].NoMatchQueries)
	assert.Equal(t, 1, rows[0].PositiveFeedback)
	require.NotEmpty(t, rows[0].TopUnmatchedTokens)
	assert.Equal(t, "xyzzyx", rows[0].TopUnmatchedTokens[0].Term)
	assert.Equal(t, 3, rows[0].TopUnmatchedTokens[0].Count)
}

func TestChatServiceRefreshInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	src := &fakeProductSource{rows: testCatalogRows()}
	svc, cache := newTestChatService(t, src)

	svc.Respond(ctx, 1, "biogesic")
	_, err := cache.Get(ctx, 1, "biogesic")
	require.NoError(t, err)

	n, err := svc.RefreshCache(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = cache.Get(ctx, 1, "biogesic")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestChatServiceEmptyCatalog(t *testing.T) {
	svc, _ := newTestChatService(t, &fakeProductSource{})

	payload, _ := svc.Respond(context.Background(), 9, "biogesic")
	assert.Equal(t, TypeNoMatches, payload.Type)
	assert.Empty(t, payload.Suggestions)
}
