// Package openai is a minimal client for the OpenAI embeddings endpoint.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// EmbedClient produces embeddings through POST {baseURL}/embeddings.
type EmbedClient struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

// NewEmbedClient creates an OpenAI embedding client. An empty baseURL uses
// DefaultBaseURL.
func NewEmbedClient(baseURL, apiKey, model string, dim int) *EmbedClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &EmbedClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dim:     dim,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type embedReq struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

type errorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// APIError is a non-200 answer from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
}

// Embed returns the embedding of text.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedReq{Input: text, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("openai: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		var er errorResp
		if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
		}
		return nil, apiErr
	}

	var out embedResp
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("openai: decode: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("openai: no embedding data in response")
	}
	return out.Data[0].Embedding, nil
}

// Dimensions returns the configured vector size.
func (c *EmbedClient) Dimensions() int { return c.dim }

// Model returns the embedding model name.
func (c *EmbedClient) Model() string { return c.model }
