// Package azure は Azure OpenAI の埋め込み API クライアントです。
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIVersion is used when no api-version is configured.
const DefaultAPIVersion = "2024-02-01"

// OpenAIClient はAzure OpenAI REST APIへのリクエストを管理します。
// endpoint にはリソースのURL、またはリクエストを転送するプロキシのURLを設定します。
type OpenAIClient struct {
	endpoint                string
	apiKey                  string
	apiVersion              string
	embeddingDeploymentName string
	httpClient              *http.Client
}

// NewOpenAIClient は新しいAzure OpenAIクライアントを作成します。
// proxyURL が空でなければ HTTP トランスポートのプロキシとして使います。
func NewOpenAIClient(endpoint, apiKey, apiVersion, embeddingDeploymentName, proxyURL string) (*OpenAIClient, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("azure openai endpoint is required")
	}
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &OpenAIClient{
		endpoint:                strings.TrimSuffix(endpoint, "/"),
		apiKey:                  apiKey,
		apiVersion:              apiVersion,
		embeddingDeploymentName: embeddingDeploymentName,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}, nil
}

// EmbeddingRequest Embedding APIリクエスト
type EmbeddingRequest struct {
	Input []string `json:"input"`
}

// EmbeddingResponse Embedding APIレスポンス
type EmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// ErrorResponse エラーレスポンス
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Deployment returns the embedding deployment name.
func (c *OpenAIClient) Deployment() string { return c.embeddingDeploymentName }

// CreateEmbeddings は texts のベクトル表現を入力順に返します。
func (c *OpenAIClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embeddingDeploymentName == "" {
		return nil, errors.New("embedding deployment name is not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		c.endpoint, url.PathEscape(c.embeddingDeploymentName), url.QueryEscape(c.apiVersion))

	var resp EmbeddingResponse
	if err := c.doRequest(ctx, endpoint, EmbeddingRequest{Input: texts}, &resp); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("azure openai returned no embedding for input %d", i)
		}
	}
	return out, nil
}

// doRequest はHTTPリクエストの実行と基本的なレスポンス処理を行う共通メソッドです。
func (c *OpenAIClient) doRequest(ctx context.Context, endpoint string, requestData, responseData interface{}) error {
	if c.apiKey == "" {
		return errors.New("azure openai api key is not configured")
	}

	requestBody, err := json.Marshal(requestData)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("azure openai request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp ErrorResponse
		if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
			return fmt.Errorf("azure openai error (status %d): %s", resp.StatusCode, errorResp.Error.Message)
		}
		return fmt.Errorf("azure openai error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, responseData); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
