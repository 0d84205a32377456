// Package litellm provides an HTTP client for the LiteLLM proxy's
// OpenAI-compatible chat completions API, used by the phase functions.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/craftplan/craftplan/internal/config"
	"github.com/craftplan/craftplan/internal/domain/cost"
	"github.com/craftplan/craftplan/internal/resilience"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for a chat completion.
type ChatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

// ChatResponse is the relevant subset of a chat completion response.
type ChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Content returns the first choice's message text.
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// TokenUsage maps the response usage into the domain type.
func (r *ChatResponse) TokenUsage() cost.TokenUsage {
	return cost.TokenUsage{
		InputTokens:  r.Usage.PromptTokens,
		OutputTokens: r.Usage.CompletionTokens,
	}
}

// Client talks to the LiteLLM proxy.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a chat client from the LiteLLM config section.
func NewClient(cfg config.LiteLLM) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:   cfg.URL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Model returns the configured default model name.
func (c *Client) Model() string { return c.model }

// Complete performs a chat completion. The configured model and token
// limit are applied when the request leaves them unset.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.maxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var result ChatResponse
	call := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("chat completion: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("chat completion: status %d: %s", resp.StatusCode, truncate(data, 256))
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("unmarshal chat response: %w", err)
		}
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
