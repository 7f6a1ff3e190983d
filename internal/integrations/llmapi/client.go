package llmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"homework-tutor/internal/domain"
)

const (
	defaultTimeout  = 60 * time.Second
	maxErrorBodyLen = 4096
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("llmapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client posts one chat request to the language-model backend and decodes
// one reply. It never retries.
type Client struct {
	http *resty.Client
}

type Option func(*Client)

// WithTimeout bounds a single call, on top of ctx cancellation.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = resty.NewWithClient(httpClient)
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{http: resty.New().SetTimeout(defaultTimeout)}
	for _, opt := range opts {
		opt(c)
	}
	c.http.SetHeader("Accept", "application/json")
	return c
}

// Send posts req to endpoint. The live user prompt is appended to
// req.ChatHistory as the final user message. A non-2xx reply yields
// *HTTPStatusError; a body that is not a JSON object yields an error matching
// domain.ErrInvalidLLMResponse. Transport errors are returned wrapped.
func (c *Client) Send(ctx context.Context, endpoint string, req domain.LLMRequest, prompt string) (domain.LLMResponse, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return domain.LLMResponse{}, errors.New("llmapi: endpoint must not be empty")
	}
	req.ChatHistory = withPrompt(req.ChatHistory, prompt)

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(endpoint)
	if err != nil {
		return domain.LLMResponse{}, fmt.Errorf("llmapi: request failed: %w", err)
	}

	if !res.IsSuccess() {
		body := res.Body()
		if len(body) > maxErrorBodyLen {
			body = body[:maxErrorBodyLen]
		}
		return domain.LLMResponse{}, &HTTPStatusError{
			StatusCode: res.StatusCode(),
			URL:        endpoint,
			Body:       string(body),
		}
	}
	return decodeResponse(res.Body())
}

func withPrompt(history []domain.ChatMessage, prompt string) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+1)
	out = append(out, history...)
	if strings.TrimSpace(prompt) == "" {
		return out
	}
	return append(out, domain.ChatMessage{Role: domain.RoleUser, Content: prompt})
}

func decodeResponse(raw []byte) (domain.LLMResponse, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return domain.LLMResponse{}, fmt.Errorf("llmapi: empty response body: %w", domain.ErrInvalidLLMResponse)
	}
	if raw[0] != '{' {
		return domain.LLMResponse{}, fmt.Errorf("llmapi: response body is not a JSON object: %w", domain.ErrInvalidLLMResponse)
	}
	var out domain.LLMResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.LLMResponse{}, fmt.Errorf("llmapi: decode response: %w: %w", domain.ErrInvalidLLMResponse, err)
	}
	return out, nil
}
