package main

import (
	"context"
	"fmt"
	"time"

	"pharmacy-ai-api/pkg/services"

	"github.com/spf13/cobra"
)

// embeddingCheck is the result of one round trip to the embedding provider.
type embeddingCheck struct {
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	Dims       int     `json:"dims"`
	Vectors    int     `json:"vectors"`
	Similarity float64 `json:"similarity,omitempty"`
	LatencyMS  int64   `json:"latency_ms"`
}

// checkEmbedding encodes texts and, for two or more, reports the cosine
// similarity of the first pair.
func checkEmbedding(ctx context.Context, provider string, e *services.LazyEmbedder, texts []string) (embeddingCheck, error) {
	res := embeddingCheck{Provider: provider}
	start := time.Now()
	vecs, err := e.Encode(ctx, texts)
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return res, err
	}
	res.Model = e.Model()
	res.Vectors = len(vecs)
	if len(vecs) > 0 {
		res.Dims = len(vecs[0])
	}
	if len(vecs) >= 2 && len(vecs[0]) == len(vecs[1]) {
		// vectors are normalised
		var s float64
		for i := range vecs[0] {
			s += float64(vecs[0][i]) * float64(vecs[1][i])
		}
		res.Similarity = s
	}
	return res, nil
}

func newCheckEmbeddingCmd() *cobra.Command {
	var texts []string

	cmd := &cobra.Command{
		Use:   "check-embedding",
		Short: "Send a test request to the configured embedding provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			embedder := services.NewEmbedder(services.EmbedderConfig{
				Provider:   cfg.EmbeddingProvider,
				Model:      cfg.EmbeddingModel,
				URL:        cfg.EmbeddingURL,
				APIKey:     cfg.EmbeddingAPIKey,
				APIVersion: cfg.EmbeddingAPIVersion,
				Batch:      cfg.EmbeddingBatch,
			}, logger)

			res, err := checkEmbedding(ctx, cfg.EmbeddingProvider, embedder, texts)
			if err != nil {
				return fmt.Errorf("embedding provider %q: %w", cfg.EmbeddingProvider, err)
			}
			if outputJSON {
				ui.JSON(res)
				return nil
			}
			ui.Success("%s/%s: %d vectors, %d dims in %dms", res.Provider, res.Model, res.Vectors, res.Dims, res.LatencyMS)
			if res.Vectors >= 2 {
				ui.Success("similarity(%q, %q) = %.3f", texts[0], texts[1], res.Similarity)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&texts, "text", []string{"paracetamol 500mg", "biogesic tablet"}, "texts to embed")
	return cmd
}
