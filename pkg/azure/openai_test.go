package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/embed-small/embeddings", r.URL.Path)
		assert.Equal(t, DefaultAPIVersion, r.URL.Query().Get("api-version"))
		assert.Equal(t, "k1", r.Header.Get("api-key"))

		var req EmbeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"biogesic", "losartan"}, req.Input)

		// 順不同で返す
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(srv.URL+"/", "k1", "", "embed-small", "")
	require.NoError(t, err)
	assert.Equal(t, "embed-small", c.Deployment())

	vecs, err := c.CreateEmbeddings(context.Background(), []string{"biogesic", "losartan"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestCreateEmbeddingsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"429","message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()
	ctx := context.Background()

	c, err := NewOpenAIClient(srv.URL, "k1", "2024-06-01", "embed-small", "")
	require.NoError(t, err)
	_, err = c.CreateEmbeddings(ctx, []string{"x"})
	assert.EqualError(t, err, "azure openai error (status 429): rate limit exceeded")

	noKey, err := NewOpenAIClient(srv.URL, "", "", "embed-small", "")
	require.NoError(t, err)
	_, err = noKey.CreateEmbeddings(ctx, []string{"x"})
	assert.ErrorContains(t, err, "api key")

	noDeployment, err := NewOpenAIClient(srv.URL, "k1", "", "", "")
	require.NoError(t, err)
	_, err = noDeployment.CreateEmbeddings(ctx, []string{"x"})
	assert.ErrorContains(t, err, "deployment")

	_, err = NewOpenAIClient("", "k1", "", "d", "")
	assert.Error(t, err)
	_, err = NewOpenAIClient(srv.URL, "k1", "", "d", "://bad proxy")
	assert.Error(t, err)
}

func TestCreateEmbeddingsMissingVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(srv.URL, "k1", "", "d", "")
	require.NoError(t, err)
	_, err = c.CreateEmbeddings(context.Background(), []string{"a", "b"})
	assert.EqualError(t, err, "azure openai returned no embedding for input 1")
}
