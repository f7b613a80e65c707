package reporting

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

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 7 * time.Second

	// DefaultRateLimit is the collector's submission allowance per minute.
	DefaultRateLimit = 10

	apiKeyPath = "/get_api_key"
	submitPath = "/submit_new_phish_urls"
)

// ErrUnauthorized is wrapped by APIError for 401 and 403 responses
var ErrUnauthorized = errors.New("collector rejected credential")

// APIError represents an error from the collector API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("collector API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Unwrap exposes ErrUnauthorized for authorization failures
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Client talks to the remote URL collector.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the allowed requests per minute (0 disables limiting).
func WithRateLimit(perMinute int) ClientOption {
	return func(c *Client) {
		if perMinute <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
}

// NewClient creates a collector client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(time.Minute/DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type apiKeyResponse struct {
	APIKey string `json:"api_key"`
}

type submitRequest struct {
	DailyURLs []string `json:"daily_urls"`
}

type submitResponse struct {
	Content struct {
		Count int `json:"count"`
	} `json:"content"`
}

// FetchAPIKey requests a fresh credential.
func (c *Client) FetchAPIKey(ctx context.Context) (string, error) {
	var result apiKeyResponse
	if err := c.do(ctx, http.MethodGet, apiKeyPath, "", nil, &result); err != nil {
		return "", fmt.Errorf("failed to fetch api key: %w", err)
	}
	if result.APIKey == "" {
		return "", fmt.Errorf("no api_key in %s response", apiKeyPath)
	}
	return result.APIKey, nil
}

// SubmitURLs uploads a batch and returns the count the collector reports.
func (c *Client) SubmitURLs(ctx context.Context, apiKey string, urls []string) (int, error) {
	body, err := json.Marshal(submitRequest{DailyURLs: urls})
	if err != nil {
		return 0, fmt.Errorf("failed to encode batch: %w", err)
	}

	var result submitResponse
	if err := c.do(ctx, http.MethodPut, submitPath, apiKey, body, &result); err != nil {
		return 0, fmt.Errorf("failed to submit %d urls: %w", len(urls), err)
	}
	return result.Content.Count, nil
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, body []byte, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-KEY", apiKey)
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("method", method).
			Str("url", c.baseURL+path).
			Msg("Collector API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Endpoint:   path,
		}
	}

	if result == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
