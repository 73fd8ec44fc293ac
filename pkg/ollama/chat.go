package ollama

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ChatClient sends single-turn, non-streaming chat requests to /api/chat.
type ChatClient struct {
	baseURL     string
	model       string
	temperature float64
	client      *http.Client
}

// NewChatClient creates a chat client for model.
func NewChatClient(baseURL, model string) *ChatClient {
	return &ChatClient{
		baseURL:     baseURL,
		model:       model,
		temperature: 0.2,
		client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatReq struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type chatResp struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Chat sends messages and returns the assistant's content. When format is
// a JSON schema the model output is constrained to it.
func (c *ChatClient) Chat(ctx context.Context, messages []Message, format json.RawMessage) ([]byte, error) {
	body, err := json.Marshal(chatReq{
		Model:    c.model,
		Messages: messages,
		Format:   format,
		Options:  map[string]any{"temperature": c.temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out chatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama chat decode: %w", err)
	}
	return []byte(out.Message.Content), nil
}

// Model returns the chat model name.
func (c *ChatClient) Model() string { return c.model }
