package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 60 * time.Second

// HTTPClient talks to the sandbox runner service over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the HTTP runner client.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger configures the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewHTTPClient creates a runner client for the given base URL.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("runner base url is required")
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     slog.Default().With("component", "runner"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Typecheck statically validates program text.
func (c *HTTPClient) Typecheck(ctx context.Context, code string) (*TypecheckResult, error) {
	var result TypecheckResult
	err := c.post(ctx, "/typecheck", map[string]any{"code": code}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Run executes program text with an optional event payload.
func (c *HTTPClient) Run(ctx context.Context, code string, eventPayload json.RawMessage) (*RunResult, error) {
	body := map[string]any{"code": code}
	if len(eventPayload) > 0 {
		body["event"] = eventPayload
	}
	var result RunResult
	if err := c.post(ctx, "/run", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EntryPoints returns the exported entry-point names of a workflow program.
func (c *HTTPClient) EntryPoints(ctx context.Context, code string) ([]string, error) {
	var result struct {
		Names []string `json:"names"`
	}
	if err := c.post(ctx, "/entrypoints", map[string]any{"code": code}, &result); err != nil {
		return nil, err
	}
	return result.Names, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode runner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create runner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runner request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("runner call",
		"path", path,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runner returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode runner response: %w", err)
	}
	return nil
}
