// Package llm talks to an OpenAI-compatible chat completion endpoint and
// turns its JSON replies into planner decisions and event requests.
package llm

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

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/logging"
)

const DefaultTimeout = 30 * time.Second

// Message is one chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Client calls /chat/completions in JSON mode.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	timeout  time.Duration
	client   *http.Client
}

func NewClient(endpoint, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

// Complete sends messages and returns the content of the first choice.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	const op = "llm.Complete"
	logger := logging.With("provider", "openai", "model", c.model, "message_count", len(messages))
	start := time.Now()

	body, err := json.Marshal(map[string]any{
		"model":           c.model,
		"messages":        messages,
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("llm: failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		logger.Error("completion request failed", err, "latency_ms", time.Since(start).Milliseconds())
		if errors.Is(err, context.DeadlineExceeded) {
			return "", apperr.E(apperr.KindUpstream, op, "", fmt.Errorf("language model timed out: %w", err))
		}
		return "", apperr.E(apperr.KindUpstream, op, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		logger.Warn("completion returned non-OK status", "status", resp.StatusCode, "latency_ms", time.Since(start).Milliseconds())
		return "", apperr.E(apperr.KindUpstream, op, "", fmt.Errorf("language model returned status %d", resp.StatusCode))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperr.E(apperr.KindUpstream, op, "", fmt.Errorf("decode completion: %w", err))
	}
	if len(result.Choices) == 0 {
		return "", apperr.E(apperr.KindUpstream, op, "", errors.New("completion has no choices"))
	}

	logger.Debug("completion finished", "latency_ms", time.Since(start).Milliseconds())
	return result.Choices[0].Message.Content, nil
}
