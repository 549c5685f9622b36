// Package llm provides the model gateway: a single prompt/response call to a hosted
// OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"persona-research-go/internal/config"
	"persona-research-go/pkg/metrics"
	"strings"
	"time"
)

var (
	// ErrModelUnavailable covers network, auth, rate-limit and server-side failures.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelTimeout is returned when the call exceeds its deadline.
	ErrModelTimeout = errors.New("model timeout")
	// ErrEmptyPrompt rejects calls without content.
	ErrEmptyPrompt = errors.New("prompt must not be empty")
)

// Client defines the interface for an LLM client.
// Generate performs exactly one remote call; retry policy belongs to the caller.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new gateway client from config.
func NewClient(cfg config.LLMConfig) Client {
	return &chatClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Generate sends the prompt (with the configured system prompt) and returns the reply text.
func (c *chatClient) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := c.do(ctx, prompt)
	metrics.ObserveLLMCall(outcomeOf(err), time.Since(start))
	return text, err
}

func (c *chatClient) do(ctx context.Context, prompt string) (string, error) {
	messages := make([]Message, 0, 2)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: c.cfg.SystemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   false,
	}
	// 从全局配置注入生成参数（若非零值）
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create chat request: %v", ErrModelUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return "", fmt.Errorf("%w: %v", ErrModelTimeout, err)
		}
		return "", fmt.Errorf("%w: failed to call chat api: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return "", fmt.Errorf("%w: %v", ErrModelTimeout, err)
		}
		return "", fmt.Errorf("%w: failed to read chat response: %v", ErrModelUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: chat api returned non-200 status: %s, body: %s", ErrModelUnavailable, resp.Status, truncate(string(bodyBytes), 512))
	}

	var parsed chatResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return "", fmt.Errorf("%w: failed to decode chat response: %v", ErrModelUnavailable, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: chat api returned no choices", ErrModelUnavailable)
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrModelTimeout)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrModelTimeout):
		return "timeout"
	default:
		return "unavailable"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
