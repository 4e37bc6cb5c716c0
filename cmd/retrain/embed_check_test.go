package main

import (
	"context"
	"testing"

	"pharmacy-ai-api/pkg/services"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckEmbeddingHashProvider(t *testing.T) {
	e := services.NewEmbedder(services.EmbedderConfig{Provider: "hash"}, zerolog.Nop())

	res, err := checkEmbedding(context.Background(), "hash", e, []string{"biogesic 500mg", "biogesic 500mg", "amlodipine"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Vectors)
	assert.Equal(t, 384, res.Dims)
	assert.InDelta(t, 1.0, res.Similarity, 1e-6)
}

func TestCheckEmbeddingUnavailable(t *testing.T) {
	e := services.NewEmbedder(services.EmbedderConfig{Provider: "disabled"}, zerolog.Nop())

	_, err := checkEmbedding(context.Background(), "disabled", e, []string{"x"})
	assert.ErrorIs(t, err, services.ErrEmbeddingUnavailable)
}
