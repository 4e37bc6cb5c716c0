package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pharmacy-ai-api/pkg/azure"

	"github.com/rs/zerolog"
)

// ErrEmbeddingUnavailable is returned when no embedding provider can serve requests.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// Embedder はテキストを埋め込みベクトルに変換します。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dims() int
	Model() string
}

// EmbedderConfig selects and configures a provider.
type EmbedderConfig struct {
	Provider   string // hash, ollama, openai or azure
	Model      string // deployment name for azure
	URL        string
	APIKey     string
	APIVersion string
	Batch      int
}

// NewEmbedder builds the configured provider wrapped in a lazily initialised handle.
func NewEmbedder(cfg EmbedderConfig, log zerolog.Logger) *LazyEmbedder {
	return &LazyEmbedder{cfg: cfg, log: log, retryAfter: time.Minute}
}

func buildProvider(cfg EmbedderConfig) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "hash":
		return NewHashEmbedder(384), nil
	case "ollama":
		return NewOllamaEmbedder(cfg.URL, cfg.Model), nil
	case "openai":
		if cfg.URL == "" {
			return nil, fmt.Errorf("openai embedding provider requires AI_EMBEDDING_URL")
		}
		return NewOpenAIEmbedder(cfg.URL, cfg.APIKey, cfg.Model), nil
	case "azure":
		client, err := azure.NewOpenAIClient(cfg.URL, cfg.APIKey, cfg.APIVersion, cfg.Model, "")
		if err != nil {
			return nil, err
		}
		return &AzureEmbedder{client: client}, nil
	case "none", "disabled":
		return nil, ErrEmbeddingUnavailable
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}

// LazyEmbedder はプロバイダを初回使用時に初期化し、失敗時は一定時間セマンティック検索を無効化します。
// 読み込み済みのプロバイダはロックなしで参照します。
type LazyEmbedder struct {
	cfg        EmbedderConfig
	log        zerolog.Logger
	ready      atomic.Pointer[loadedEmbedder]
	mu         sync.Mutex // serialises provider loading
	failedAt   time.Time
	lastErr    error
	retryAfter time.Duration
}

// loadedEmbedder is a provider that answered the first request, with the width it returned.
type loadedEmbedder struct {
	Embedder
	dims int
}

// WithProvider returns a handle around an already constructed provider.
func WithProvider(e Embedder) *LazyEmbedder {
	l := &LazyEmbedder{log: zerolog.Nop(), retryAfter: time.Minute}
	l.ready.Store(&loadedEmbedder{Embedder: e, dims: e.Dims()})
	return l
}

func (l *LazyEmbedder) provider(ctx context.Context) (*loadedEmbedder, error) {
	if r := l.ready.Load(); r != nil {
		return r, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.ready.Load(); r != nil {
		return r, nil
	}
	if !l.failedAt.IsZero() && time.Since(l.failedAt) < l.retryAfter {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, l.lastErr)
	}

	p, err := buildProvider(l.cfg)
	var first [][]float32
	if err == nil {
		// 疎通確認
		first, err = p.Embed(ctx, []string{"ping"})
		if err == nil && (len(first) != 1 || len(first[0]) == 0) {
			err = errors.New("provider returned no vector")
		}
	}
	if err != nil {
		l.failedAt = time.Now()
		l.lastErr = err
		l.log.Warn().Err(err).Str("provider", l.cfg.Provider).Msg("embedding provider unavailable, semantic search disabled")
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	r := &loadedEmbedder{Embedder: p, dims: len(first[0])}
	l.ready.Store(r)
	l.log.Info().Str("provider", l.cfg.Provider).Str("model", p.Model()).Int("dims", r.dims).Msg("embedding model loaded")
	return r, nil
}

// Describe loads the provider if needed and returns its model name and vector width.
func (l *LazyEmbedder) Describe(ctx context.Context) (string, int, error) {
	r, err := l.provider(ctx)
	if err != nil {
		return "", 0, err
	}
	if r.dims == 0 {
		vecs, err := r.Embed(ctx, []string{"ping"})
		if err != nil {
			return "", 0, err
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return "", 0, errors.New("provider returned no vector")
		}
		r = &loadedEmbedder{Embedder: r.Embedder, dims: len(vecs[0])}
		l.ready.Store(r)
	}
	return r.Model(), r.dims, nil
}

// Available reports whether a provider has been loaded.
func (l *LazyEmbedder) Available() bool { return l.ready.Load() != nil }

// Model returns the loaded model name, or the configured one before loading.
func (l *LazyEmbedder) Model() string {
	if r := l.ready.Load(); r != nil {
		return r.Model()
	}
	return l.cfg.Model
}

// Encode embeds texts in batches and L2-normalises every vector.
func (l *LazyEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	p, err := l.provider(ctx)
	if err != nil {
		return nil, err
	}
	batch := l.cfg.Batch
	if batch <= 0 {
		batch = 32
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embed batch %d-%d: got %d vectors", start, end, len(vecs))
		}
		for _, v := range vecs {
			out = append(out, normalizeVector(v))
		}
	}
	return out, nil
}

func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// --- Hash provider ---

// HashEmbedder is an offline embedder that hashes character trigrams and
// word tokens of the normalised text into a fixed number of dimensions.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embedOne(t)
	}
	return out, nil
}

func (h *HashEmbedder) embedOne(text string) []float32 {
	v := make([]float32, h.dims)
	for _, word := range strings.Fields(normalizeText(text)) {
		h.add(v, "w:"+word, 1.0)
		padded := []rune("#" + word + "#")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(v, string(padded[i:i+3]), 0.5)
		}
	}
	return v
}

func (h *HashEmbedder) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

func (h *HashEmbedder) Dims() int     { return h.dims }
func (h *HashEmbedder) Model() string { return "hash-trigram" }

// --- Ollama provider ---

// OllamaEmbedder uses a local Ollama instance for embeddings.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
// all-minilm has 384 dims, nomic-embed-text 768.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "all-minilm"
	}
	dims := 768
	if strings.Contains(model, "minilm") {
		dims = 384
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		body, _ := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
		var result ollamaResponse
		if err := postJSON(ctx, e.client, e.baseURL+"/api/embeddings", "", body, &result); err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		out = append(out, result.Embedding)
	}
	return out, nil
}

func (e *OllamaEmbedder) Dims() int     { return e.dims }
func (e *OllamaEmbedder) Model() string { return e.model }

// --- OpenAI-compatible provider ---

// OpenAIEmbedder uses any OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

type openaiEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIEmbedder creates an embedder for an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, _ := json.Marshal(openaiEmbedRequest{Input: texts, Model: e.model})
	var result openaiEmbedResponse
	if err := postJSON(ctx, e.client, e.baseURL+"/embeddings", e.apiKey, body, &result); err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector %d", i)
		}
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dims() int     { return 0 }
func (e *OpenAIEmbedder) Model() string { return e.model }

// --- Azure OpenAI provider ---

// AzureEmbedder adapts an Azure OpenAI embedding deployment.
type AzureEmbedder struct {
	client *azure.OpenAIClient
}

func (e *AzureEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.client.CreateEmbeddings(ctx, texts)
}

func (e *AzureEmbedder) Dims() int     { return 0 }
func (e *AzureEmbedder) Model() string { return e.client.Deployment() }

func postJSON(ctx context.Context, client *http.Client, url, bearer string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
