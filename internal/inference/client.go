// Package inference wraps the OpenAI-compatible chat endpoint the engine
// uses for tester generation, grading stages, and prompt-variant proposals.
// Every call is bounded by a context timeout, retried with exponential
// backoff on transient failures, and charged against the per-run call
// budget when one is attached to the context.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sashabaranov/go-openai"
)

var (
	ErrBudgetExhausted = errors.New("inference call budget exhausted")
	ErrMalformedOutput = errors.New("malformed model output")
)

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	MaxTries    uint
	RPM         int
}

type ChatRequest struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Gateway is the model-call surface the rest of the engine depends on;
// tests substitute fakes.
type Gateway interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
	// ChatJSON requests a JSON object response and decodes it into out.
	// Malformed output is re-prompted once with a stricter instruction
	// before ErrMalformedOutput is returned.
	ChatJSON(ctx context.Context, req ChatRequest, out any) error
}

type Client struct {
	api      *openai.Client
	model    string
	temp     float32
	maxTok   int
	timeout  time.Duration
	maxTries uint
	window   *rateWindow
}

func NewClient(cfg Config) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = 3
	}
	return &Client{
		api:      openai.NewClientWithConfig(clientCfg),
		model:    model,
		temp:     cfg.Temperature,
		maxTok:   cfg.MaxTokens,
		timeout:  timeout,
		maxTries: maxTries,
		window:   newRateWindow(cfg.RPM),
	}
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	return c.complete(ctx, req, false)
}

func (c *Client) ChatJSON(ctx context.Context, req ChatRequest, out any) error {
	raw, err := c.complete(ctx, req, true)
	if err != nil {
		return err
	}
	if json.Unmarshal([]byte(extractJSON(raw)), out) == nil {
		return nil
	}

	// One stricter re-prompt, then give up.
	strict := req
	strict.User = req.User + "\n\nYour previous reply was not valid JSON. Respond with a single valid JSON object and nothing else."
	raw, err = c.complete(ctx, strict, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, req ChatRequest, jsonMode bool) (string, error) {
	if !takeBudget(ctx) {
		return "", ErrBudgetExhausted
	}
	if err := c.window.Wait(ctx); err != nil {
		return "", err
	}

	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: c.temp,
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if c.maxTok > 0 {
		chatReq.MaxCompletionTokens = c.maxTok
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	if jsonMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	operation := func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		resp, err := c.api.CreateChatCompletion(callCtx, chatReq)
		if err != nil {
			if isTransient(err) {
				slog.Warn("inference call failed, retrying", "model", c.model, "error", err)
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return "", backoff.Permanent(errors.New("model returned no choices"))
		}
		return resp.Choices[0].Message.Content, nil
	}
	content, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return "", fmt.Errorf("inference call: %w", err)
	}
	return content, nil
}

// isTransient reports whether the error is worth retrying: rate limits,
// server-side failures, and network timeouts.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// extractJSON trims code fences some models wrap around JSON-mode output.
func extractJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if start := strings.Index(trimmed, "{"); start > 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	return trimmed
}

var _ Gateway = (*Client)(nil)
