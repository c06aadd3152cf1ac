// Package client provides the catalog API HTTP client: the total-count probe
// and single-page fetches, both with classified retry and backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/catalog"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/logging"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for catalog client operations.
var (
	catalogRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_requests_total",
		Help: "Total catalog API requests by operation and status",
	}, []string{"operation", "status"})

	catalogRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_request_duration_seconds",
		Help:    "Catalog API request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	catalogErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_errors_total",
		Help: "Total catalog API errors by class",
	}, []string{"class"})
)

// Operation labels.
const (
	operationCount = "count"
	operationPage  = "page"
)

// MaxPageSize is the largest page size the catalog API accepts.
const MaxPageSize = 250

// DefaultBaseURL is the cards endpoint of the Pokémon TCG API.
const DefaultBaseURL = "https://api.pokemontcg.io/v2/cards"

// Client is the catalog API client.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	config     Config
	logger     zerolog.Logger

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the paginated endpoint, queried with page and pageSize parameters
	BaseURL string

	// APIKey is sent as X-Api-Key when non-empty
	APIKey string

	// UserAgent header
	UserAgent string

	// PageSize for page fetches (1..MaxPageSize)
	PageSize int

	// Timeout per HTTP request
	Timeout time.Duration

	// Retry policy shared by the count probe and page fetches
	Retry RetryPolicy

	// Rate limiting (RequestsPerSecond <= 0 disables it)
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a configuration matching the public API limits.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		APIKey:    apiKey,
		UserAgent: "tcg-catalog-fetcher/0.1.0",
		PageSize:  MaxPageSize,
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryPolicy(),
		Burst:     1,
	}
}

// New creates a new catalog client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.PageSize < 1 || cfg.PageSize > MaxPageSize {
		return nil, fmt.Errorf("page_size must be between 1 and %d (got %d)", MaxPageSize, cfg.PageSize)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("backoff_factor must be >= 1 (got %v)", cfg.Retry.BackoffFactor)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := logging.NewLogger("catalog-client")

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: ratelimit.New(cfg.RequestsPerSecond, cfg.Burst, logger),
		config:  cfg,
		logger:  logger,
		sleep:   sleepContext,
		jitter:  rand.Float64,
	}, nil
}

// pageResponse is the envelope of every catalog API response.
type pageResponse struct {
	Data       []catalog.Record `json:"data"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	Count      int              `json:"count"`
	TotalCount *int             `json:"totalCount"`
}

// TotalCount probes the API with a one-record page and returns the reported
// total record count. Failures wrap ErrCountUnavailable.
func (c *Client) TotalCount(ctx context.Context) (int, error) {
	var total int

	err := c.retryWithBackoff(ctx, operationCount, 1, func(attempt int) error {
		resp, err := c.getPage(ctx, operationCount, 1, 1)
		if err != nil {
			return err
		}
		if resp.TotalCount == nil {
			return fmt.Errorf("%w: totalCount missing from probe response", ErrMalformedResponse)
		}
		if *resp.TotalCount < 0 {
			return fmt.Errorf("%w: negative totalCount %d", ErrMalformedResponse, *resp.TotalCount)
		}
		total = *resp.TotalCount
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCountUnavailable, err)
	}

	c.logger.Info().Int("total_count", total).Msg("Resolved total record count")
	return total, nil
}

// FetchPage fetches one page at the configured page size. A missing data
// array is an empty page. After the retry budget is spent the error wraps
// ErrRetryExhausted.
func (c *Client) FetchPage(ctx context.Context, page int) ([]catalog.Record, error) {
	var records []catalog.Record

	err := c.retryWithBackoff(ctx, operationPage, page, func(attempt int) error {
		resp, err := c.getPage(ctx, operationPage, page, c.config.PageSize)
		if err != nil {
			return err
		}
		records = resp.Data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}

	c.logger.Debug().Int("page", page).Int("records", len(records)).Msg("Page fetched")
	return records, nil
}

// PageSize returns the page size used by FetchPage.
func (c *Client) PageSize() int {
	return c.config.PageSize
}

// getPage performs one HTTP attempt for page at pageSize.
func (c *Client) getPage(ctx context.Context, operation string, page, pageSize int) (*pageResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	defer func() {
		catalogRequestDuration.WithLabelValues(operation).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isContextError(ctx, err) {
			return nil, err
		}
		catalogErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		catalogRequestsTotal.WithLabelValues(operation, "network_error").Inc()
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	catalogRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		errClass := classifyStatus(resp.StatusCode)
		catalogErrorsTotal.WithLabelValues(string(errClass)).Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
		}
	}

	var body pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if isContextError(ctx, err) {
			return nil, err
		}
		catalogErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "decode response body",
			Err:        err,
		}
	}

	return &body, nil
}

// newRequest builds GET <BaseURL>?page=<page>&pageSize=<pageSize>.
func (c *Client) newRequest(ctx context.Context, page, pageSize int) (*http.Request, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	query := u.Query()
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(pageSize))
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-Api-Key", c.config.APIKey)
	}
	return req, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Limiter returns the request rate limiter.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// IsRetryExhausted reports whether err means the retry budget was spent.
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}
