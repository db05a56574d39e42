// Package completion is a client for an OpenAI-compatible chat completion
// endpoint with bounded exponential-backoff retries.
package completion

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

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/metrics"
)

const maxResponseBytes = 4 << 20

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one generated alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Response is a validated completion response with at least one choice.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Content returns the first choice's message content.
func (r Response) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// RetryConfig bounds retries. Attempt n (zero based) waits BaseDelay*2^n
// before the next one.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Config configures a Client.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
	Retry    RetryConfig
}

// Option customizes one GenerateResponse call.
type Option func(*callOptions)

type callOptions struct {
	retry       RetryConfig
	temperature *float64
	maxTokens   int
	jsonMode    bool
}

// WithRetry overrides the client's retry configuration.
func WithRetry(cfg RetryConfig) Option {
	return func(o *callOptions) { o.retry = cfg }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *callOptions) { o.temperature = &t }
}

// WithMaxTokens caps the generated tokens.
func WithMaxTokens(n int) Option {
	return func(o *callOptions) { o.maxTokens = n }
}

// WithJSONMode asks the service for a JSON object response.
func WithJSONMode() Option {
	return func(o *callOptions) { o.jsonMode = true }
}

// Client calls the completion endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a Client.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("completion endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger, sleep: sleepCtx}, nil
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

type requestBody struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// GenerateResponse sends messages to the endpoint, retrying retryable
// failures. An empty model selects the configured default.
func (c *Client) GenerateResponse(
	ctx context.Context,
	messages []Message,
	model string,
	opts ...Option,
) (Response, error) {
	options := callOptions{retry: c.cfg.Retry}
	for _, opt := range opts {
		opt(&options)
	}
	if options.retry.MaxRetries < 0 {
		options.retry.MaxRetries = 0
	}
	if model == "" {
		model = c.cfg.Model
	}
	body := requestBody{
		Model:       model,
		Messages:    messages,
		Temperature: options.temperature,
		MaxTokens:   options.maxTokens,
	}
	if options.jsonMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal completion request: %w", err)
	}

	var lastErr *Error
	for attempt := 0; attempt <= options.retry.MaxRetries; attempt++ {
		resp, attemptErr := c.attempt(ctx, payload, model, attempt)
		if attemptErr == nil {
			return resp, nil
		}
		attemptErr.Attempts = attempt + 1
		lastErr = attemptErr
		if !attemptErr.retryable || attempt == options.retry.MaxRetries {
			break
		}
		delay := options.retry.BaseDelay * time.Duration(1<<attempt)
		c.logger.Warn("completion attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.String("kind", string(attemptErr.Kind)),
			zap.Duration("backoff", delay),
			zap.Error(attemptErr.Err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return Response{}, &Error{Kind: KindOther, Attempts: attempt + 1, Err: err}
		}
	}
	c.logger.Error("completion request failed",
		zap.String("kind", string(lastErr.Kind)),
		zap.Int("attempts", lastErr.Attempts),
		zap.Error(lastErr.Err),
	)
	return Response{}, lastErr
}

func (c *Client) attempt(ctx context.Context, payload []byte, model string, attempt int) (Response, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, tokens, cerr := c.do(attemptCtx, payload)
	latency := time.Since(start)

	if cerr != nil && cerr.Kind == KindOther && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		cerr = &Error{Kind: KindTimeout, Err: cerr.Err, retryable: true}
	}

	outcome := "success"
	if cerr != nil {
		outcome = string(cerr.Kind)
	}
	metrics.ObserveCompletionAttempt(outcome, latency, tokens)
	c.logger.Info("completion attempt",
		zap.Int("attempt", attempt+1),
		zap.String("model", model),
		zap.String("outcome", outcome),
		zap.Duration("latency", latency),
		zap.Int("status", statusOf(cerr)),
		zap.Int("total_tokens", tokens),
	)
	return resp, cerr
}

func (c *Client) do(ctx context.Context, payload []byte) (Response, int, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, 0, &Error{Kind: KindOther, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Response{}, 0, &Error{Kind: KindTimeout, Err: err, retryable: true}
		}
		return Response{}, 0, &Error{Kind: KindOther, Err: err}
	}
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			c.logger.Debug("close completion body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, 0, &Error{Kind: KindOther, Err: fmt.Errorf("read body: %w", err), retryable: true}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return Response{}, 0, statusError(httpResp.StatusCode, snippet(body))
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, 0, &Error{Kind: KindOther, Err: fmt.Errorf("decode response: %w", err), retryable: true}
	}
	if len(out.Choices) == 0 {
		return Response{}, out.Usage.TotalTokens, &Error{Kind: KindOther, Err: errors.New("response has no choices"), retryable: true}
	}
	return out, out.Usage.TotalTokens, nil
}

func statusOf(err *Error) int {
	if err == nil {
		return http.StatusOK
	}
	return err.StatusCode
}

func snippet(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
