// Package target talks to the conversational agent under test over its
// text transport. Voice transports live outside this repo and reuse the
// same request shape.
package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	MaxTries uint
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type MessageRequest struct {
	AgentType string    `json:"agent_type"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Messages  []Message `json:"messages,omitempty"`
}

type MessageResponse struct {
	Text     string    `json:"text"`
	Messages []Message `json:"messages,omitempty"`
}

// APIError carries the status and body of a non-2xx target response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("target api status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL  string
	apiKey   string
	maxTries uint
	client   *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = 3
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		maxTries: maxTries,
		client:   &http.Client{Timeout: timeout},
	}
}

// SendMessage posts one tester utterance with the conversation so far and
// returns the agent's reply. Transient failures are retried with backoff.
func (c *Client) SendMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	operation := func() (*MessageResponse, error) {
		resp, err := c.post(ctx, "/message", req)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode != 429 && apiErr.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("target message: %w", err)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*MessageResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer response.Body.Close()

	bodyBytes, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return nil, fmt.Errorf("read response body: %w", readErr)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &APIError{StatusCode: response.StatusCode, Body: string(bodyBytes)}
	}

	var decoded MessageResponse
	if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
		return nil, fmt.Errorf("decode message response: %w", err)
	}
	return &decoded, nil
}
