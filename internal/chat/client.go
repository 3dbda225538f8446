// Package chat proxies the site's chat widget to an OpenAI-compatible chat
// completions endpoint.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoReply is returned when the upstream answered without any choice.
var ErrNoReply = errors.New("chat: upstream returned no reply")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces the assistant's next message.
type Completer interface {
	Complete(ctx context.Context, system string, messages []Message) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system string, messages []Message) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	return f(ctx, system, messages)
}

// ClientConfig describes the upstream API.
type ClientConfig struct {
	URL       string
	APIKey    string
	Model     string
	MaxTokens int
	HTTP      *http.Client
}

// Client talks to an OpenAI chat completions endpoint.
type Client struct {
	url       string
	apiKey    string
	model     string
	maxTokens int
	http      *http.Client
}

// NewClient returns a Client, or nil when no URL is configured.
func NewClient(cfg ClientConfig) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Client{url: cfg.URL, apiKey: cfg.APIKey, model: cfg.Model, maxTokens: maxTokens, http: httpClient}
}

type completionRequest struct {
	Model     string    `json:"model,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends system as the first message followed by messages.
func (c *Client) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	wire := completionRequest{Model: c.model, MaxTokens: c.maxTokens}
	if system != "" {
		wire.Messages = append(wire.Messages, Message{Role: "system", Content: system})
	}
	wire.Messages = append(wire.Messages, messages...)

	body, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("chat: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat: send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("chat: upstream %d: %s: %s", res.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
		}
		return "", fmt.Errorf("chat: upstream %d", res.StatusCode)
	}

	var out completionResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("chat: decode response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrNoReply
	}
	return out.Choices[0].Message.Content, nil
}
