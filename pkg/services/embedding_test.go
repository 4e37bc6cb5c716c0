package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderIsDeterministic(t *testing.T) {
	h := NewHashEmbedder(64)
	a, err := h.Embed(context.Background(), []string{"Amlodipine 5mg", "amlodipine 5MG"})
	require.NoError(t, err)
	assert.Equal(t, a[0], a[1])
	assert.Len(t, a[0], 64)
	assert.Equal(t, 384, NewHashEmbedder(0).Dims())
}

func TestLazyEmbedderBatchesAndNormalizes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req.Model)
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float32{3, 4}})
	}))
	defer srv.Close()

	emb := NewEmbedder(EmbedderConfig{Provider: "ollama", URL: srv.URL, Batch: 2}, zerolog.Nop())
	vecs, err := emb.Encode(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.InDelta(t, 0.6, vecs[2][0], 1e-6)
	assert.InDelta(t, 0.8, vecs[2][1], 1e-6)
	// one connectivity check plus three texts
	assert.Equal(t, int32(4), calls.Load())
	assert.True(t, emb.Available())
	assert.Equal(t, "all-minilm", emb.Model())
}

func TestLazyEmbedderBacksOffAfterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	emb := NewEmbedder(EmbedderConfig{Provider: "ollama", URL: srv.URL}, zerolog.Nop())
	_, err := emb.Encode(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.False(t, emb.Available())

	_, err = emb.Encode(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)

	disabled := NewEmbedder(EmbedderConfig{Provider: "none"}, zerolog.Nop())
	_, err = disabled.Encode(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(srv.URL+"/", "sk-test", "text-embedding-3-small")
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1}, vecs[1])

	_, err = e.Embed(context.Background(), []string{"a", "b", "c"})
	assert.ErrorContains(t, err, "missing vector 2")
}

func TestLazyEmbedderAzureProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/pharmacy-embed/embeddings", r.URL.Path)
		assert.Equal(t, "az-key", r.Header.Get("api-key"))
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[3,4]}]}`))
	}))
	defer srv.Close()

	l := NewEmbedder(EmbedderConfig{Provider: "azure", URL: srv.URL, APIKey: "az-key", Model: "pharmacy-embed"}, zerolog.Nop())
	vecs, err := l.Encode(context.Background(), []string{"amoxicillin"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.InDelta(t, 0.6, vecs[0][0], 1e-6)
	assert.Equal(t, "pharmacy-embed", l.Model())

	_, err = NewEmbedder(EmbedderConfig{Provider: "azure"}, zerolog.Nop()).Encode(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}
