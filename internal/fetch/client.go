package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/apisync/internal/endpoint"
)

// Config holds HTTP client settings for one integration.
type Config struct {
	BaseURL     string
	Integration string

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration

	// RequestsPerSecond of zero or less disables rate limiting.
	RequestsPerSecond float64
	Burst             int

	UserAgent string

	// MocksDir holds recorded responses at <MocksDir>/<integration>/<mockKey>.json.
	MocksDir  string
	UseMocks  bool
	SaveMocks bool
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Timeout:        30 * time.Second,
		Burst:          1,
		UserAgent:      "apisync",
		MocksDir:       "mocks",
	}
}

// Response is a decoded response body.
type Response struct {
	StatusCode int
	Data       any
	Raw        []byte
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       []byte

	// Data is the decoded body, or nil when it was not JSON.
	Data any
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// Client executes endpoint requests with retries, rate limiting and
// optional mock replay.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a client from cfg.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Fetch executes req, retrying transient failures. Non-retryable HTTP
// failures are returned as *HTTPError.
func (c *Client) Fetch(ctx context.Context, req endpoint.Request, header http.Header) (*Response, error) {
	if c.config.UseMocks {
		return c.readMock(req)
	}

	target, body, err := c.buildURL(req)
	if err != nil {
		return nil, err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.config.InitialBackoff
	if c.config.MaxBackoff > 0 {
		exp.MaxInterval = c.config.MaxBackoff
	}
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.config.MaxAttempts-1)), ctx)

	var resp *Response
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		r, err := c.do(ctx, req.Method, target, body, header)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && !httpErr.Retryable() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying",
			"path", req.Path,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}

	c.logger.Debug("request completed", "path", req.Path, "status", resp.StatusCode, "attempts", attempt)

	if c.config.SaveMocks {
		if err := c.saveMock(req, resp.Raw); err != nil {
			c.logger.Warn("failed to save mock response", "key", req.MockKey, "error", err)
		}
	}
	return resp, nil
}

func (c *Client) buildURL(req endpoint.Request) (string, []byte, error) {
	base := c.config.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base + strings.TrimPrefix(req.Path, "/"))
	if err != nil {
		return "", nil, fmt.Errorf("invalid request url for %s: %w", req.Path, err)
	}

	if len(req.Params) == 0 {
		return u.String(), nil, nil
	}

	if req.Method == "" || req.Method == http.MethodGet {
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, formatParam(v))
		}
		u.RawQuery = q.Encode()
		return u.String(), nil, nil
	}

	body, err := json.Marshal(req.Params)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return u.String(), body, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, header http.Header) (*Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", target, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: httpResp.StatusCode, Body: raw}
		var decoded any
		if json.Unmarshal(raw, &decoded) == nil {
			httpErr.Data = decoded
		}
		return nil, httpErr
	}

	data, err := decode(raw)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Data: data, Raw: raw}, nil
}

func (c *Client) mockPath(key string) string {
	return filepath.Join(c.config.MocksDir, c.config.Integration, MockName(key)+".json")
}

func (c *Client) readMock(req endpoint.Request) (*Response, error) {
	p := c.mockPath(req.MockKey)
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read mock response %s: %w", p, err)
	}
	data, err := decode(raw)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("replayed mock response", "path", req.Path, "mock", p)
	return &Response{StatusCode: http.StatusOK, Data: data, Raw: raw}, nil
}

func (c *Client) saveMock(req endpoint.Request, raw []byte) error {
	p := c.mockPath(req.MockKey)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, raw, 0o644)
}

// MockName turns a request path into a flat mock file name.
func MockName(key string) string {
	return strings.ReplaceAll(strings.Trim(key, "/"), "/", "--")
}

func decode(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return data, nil
}

func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
