package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/prgate/internal/config"
	"github.com/fyrsmithlabs/prgate/internal/retry"
)

const (
	defaultMessagesBaseURL = "https://api.anthropic.com"
	defaultHTTPTimeout     = 60 * time.Second
	defaultMessagesRetries = 3
	defaultRateLimit       = 1.0
	defaultBurst           = 1
	anthropicVersion       = "2023-06-01"
	maxResponseBytes       = 4 << 20
)

const systemPrompt = "You are a senior engineer reviewing a pull request. Be specific and concise. Reply with JSON only."

// MessagesClient is the fallback reviewer. It calls a Messages API
// (POST /v1/messages) with client-side rate limiting, and retries 429 and 5xx
// responses and transport errors.
type MessagesClient struct {
	model      string
	apiKey     config.Secret
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retrier    *retry.Retrier
}

// MessagesOption configures a MessagesClient.
type MessagesOption func(*MessagesClient)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) MessagesOption {
	return func(m *MessagesClient) { m.httpClient = c }
}

// WithRetrier replaces the retry policy.
func WithRetrier(r *retry.Retrier) MessagesOption {
	return func(m *MessagesClient) { m.retrier = r }
}

// NewMessagesClient creates the fallback reviewer.
func NewMessagesClient(cfg config.ProviderConfig, opts ...MessagesOption) (*MessagesClient, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("fallback reviewer: api key required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultMessagesBaseURL
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMessagesRetries
	}
	rc := retry.DefaultConfig()
	rc.MaxRetries = retries

	m := &MessagesClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		limiter:    rate.NewLimiter(rate.Limit(limit), defaultBurst),
		retrier:    retry.New(rc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Name implements Reviewer.
func (m *MessagesClient) Name() string { return "messages:" + m.model }

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type messagesError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Review implements Reviewer.
func (m *MessagesClient) Review(ctx context.Context, req Request) (*Result, error) {
	body := messagesRequest{
		Model:       m.model,
		MaxTokens:   defaultMaxTokens,
		System:      systemPrompt,
		Temperature: defaultTemperature,
		Messages:    []message{{Role: "user", Content: BuildPrompt(req)}},
	}

	var text string
	err := m.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := m.limiter.Wait(ctx); err != nil {
			return retry.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		t, err := m.do(ctx, body)
		if err != nil {
			return err
		}
		text = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ParseResponse(text), nil
}

func (m *MessagesClient) do(ctx context.Context, body messagesRequest) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("marshaling request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", m.apiKey.Value())
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errors.New("rate limited (429)")
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("server error (%d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		var apiErr messagesError
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", retry.Permanent(fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message))
		}
		return "", retry.Permanent(fmt.Errorf("API error (%d)", resp.StatusCode))
	}

	var out messagesResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", retry.Permanent(fmt.Errorf("parsing response: %w", err))
	}
	for _, c := range out.Content {
		if c.Type == "" || c.Type == "text" {
			if c.Text != "" {
				return c.Text, nil
			}
		}
	}
	return "", retry.Permanent(errors.New("empty response from API"))
}
