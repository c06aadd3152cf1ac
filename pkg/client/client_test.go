package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tcg-catalog-fetcher/internal/testutil"
)

// sleepRecorder replaces real backoff sleeps and records requested durations.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waits)
}

func newTestClient(t *testing.T, baseURL string, pageSize int) (*Client, *sleepRecorder) {
	t.Helper()

	cfg := DefaultConfig("test-key")
	cfg.BaseURL = baseURL
	cfg.PageSize = pageSize
	cfg.Timeout = 5 * time.Second

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	c.jitter = func() float64 { return 0.5 }
	t.Cleanup(func() { c.Close() })
	return c, rec
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			modify: func(*Config) {},
		},
		{
			name:        "empty base url",
			modify:      func(c *Config) { c.BaseURL = "" },
			expectError: true,
			errorMsg:    "base url is required",
		},
		{
			name:        "page size too large",
			modify:      func(c *Config) { c.PageSize = 251 },
			expectError: true,
			errorMsg:    "page_size must be between 1 and 250 (got 251)",
		},
		{
			name:        "page size zero",
			modify:      func(c *Config) { c.PageSize = 0 },
			expectError: true,
			errorMsg:    "page_size must be between 1 and 250 (got 0)",
		},
		{
			name:        "no attempts",
			modify:      func(c *Config) { c.Retry.MaxAttempts = 0 },
			expectError: true,
			errorMsg:    "max_attempts must be >= 1 (got 0)",
		},
		{
			name:        "shrinking backoff",
			modify:      func(c *Config) { c.Retry.BackoffFactor = 0.5 },
			expectError: true,
			errorMsg:    "backoff_factor must be >= 1 (got 0.5)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("key")
			tt.modify(&cfg)

			c, err := New(cfg)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c.PageSize() != MaxPageSize {
				t.Errorf("PageSize() = %d, want %d", c.PageSize(), MaxPageSize)
			}
		})
	}
}

func TestClient_TotalCount(t *testing.T) {
	mock := testutil.NewMockCatalog(1234)
	defer mock.Close()

	c, rec := newTestClient(t, mock.URL(), 250)

	total, err := c.TotalCount(context.Background())
	if err != nil {
		t.Fatalf("TotalCount() error = %v", err)
	}
	if total != 1234 {
		t.Errorf("TotalCount() = %d, want 1234", total)
	}
	if mock.GetProbeCount() != 1 {
		t.Errorf("probe requests = %d, want 1", mock.GetProbeCount())
	}
	if rec.count() != 0 {
		t.Errorf("unexpected backoff waits: %d", rec.count())
	}

	header := mock.LastRequestHeader()
	if header.Get("X-Api-Key") != "test-key" {
		t.Errorf("X-Api-Key = %q, want test-key", header.Get("X-Api-Key"))
	}
	if header.Get("Accept") != "application/json" {
		t.Errorf("Accept = %q", header.Get("Accept"))
	}
}

func TestClient_TotalCount_MissingField(t *testing.T) {
	mock := testutil.NewMockCatalog(10)
	defer mock.Close()
	mock.SetOmitTotalCount(true)

	c, rec := newTestClient(t, mock.URL(), 250)

	_, err := c.TotalCount(context.Background())
	if err == nil {
		t.Fatal("Expected error for missing totalCount")
	}
	if !errors.Is(err, ErrCountUnavailable) {
		t.Errorf("Expected ErrCountUnavailable, got %v", err)
	}
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
	if mock.GetProbeCount() != 1 {
		t.Errorf("malformed probe must not be retried, got %d requests", mock.GetProbeCount())
	}
	if rec.count() != 0 {
		t.Errorf("malformed probe must not back off, got %d waits", rec.count())
	}
}

func TestClient_TotalCount_Exhausted(t *testing.T) {
	mock := testutil.NewMockCatalog(10)
	defer mock.Close()
	mock.QueueProbeStatuses(503, 503, 503, 503, 503, 503, 503, 503)

	c, rec := newTestClient(t, mock.URL(), 250)

	_, err := c.TotalCount(context.Background())
	if !errors.Is(err, ErrCountUnavailable) {
		t.Fatalf("Expected ErrCountUnavailable, got %v", err)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if mock.GetProbeCount() != 8 {
		t.Errorf("probe requests = %d, want 8", mock.GetProbeCount())
	}
	if rec.count() != 7 {
		t.Errorf("backoff waits = %d, want 7", rec.count())
	}
}

func TestClient_FetchPage(t *testing.T) {
	mock := testutil.NewMockCatalog(5)
	defer mock.Close()

	c, _ := newTestClient(t, mock.URL(), 2)

	tests := []struct {
		page int
		want []string
	}{
		{1, []string{"card-1", "card-2"}},
		{2, []string{"card-3", "card-4"}},
		{3, []string{"card-5"}},
		{4, nil},
	}

	for _, tt := range tests {
		records, err := c.FetchPage(context.Background(), tt.page)
		if err != nil {
			t.Fatalf("FetchPage(%d) error = %v", tt.page, err)
		}
		if len(records) != len(tt.want) {
			t.Fatalf("FetchPage(%d) returned %d records, want %d", tt.page, len(records), len(tt.want))
		}
		for i, id := range tt.want {
			if !strings.Contains(string(records[i]), `"`+id+`"`) {
				t.Errorf("page %d record %d = %s, want id %s", tt.page, i, records[i], id)
			}
		}
	}
}

func TestClient_FetchPage_TransientThenSuccess(t *testing.T) {
	mock := testutil.NewMockCatalog(4)
	defer mock.Close()
	mock.QueuePageStatuses(1, http.StatusServiceUnavailable, http.StatusServiceUnavailable)

	c, rec := newTestClient(t, mock.URL(), 2)

	records, err := c.FetchPage(context.Background(), 1)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("records = %d, want 2", len(records))
	}
	if rec.count() != 2 {
		t.Fatalf("backoff waits = %d, want exactly 2", rec.count())
	}

	// 2^0 + 0.5 jitter, then 2^1 + 0.5 jitter
	want := []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond}
	for i, w := range want {
		if rec.waits[i] != w {
			t.Errorf("wait %d = %v, want %v", i, rec.waits[i], w)
		}
	}
}

func TestClient_FetchPage_OtherStatusUsesLinearBackoff(t *testing.T) {
	mock := testutil.NewMockCatalog(4)
	defer mock.Close()
	mock.QueuePageStatuses(2, http.StatusNotFound, http.StatusForbidden)

	c, rec := newTestClient(t, mock.URL(), 2)

	if _, err := c.FetchPage(context.Background(), 2); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if rec.count() != len(want) {
		t.Fatalf("backoff waits = %d, want %d", rec.count(), len(want))
	}
	for i, w := range want {
		if rec.waits[i] != w {
			t.Errorf("wait %d = %v, want %v", i, rec.waits[i], w)
		}
	}
}

func TestClient_FetchPage_Exhausted(t *testing.T) {
	mock := testutil.NewMockCatalog(4)
	defer mock.Close()
	mock.QueuePageStatuses(1, 500, 502, 503, 504, 429, 500, 500, 500)

	c, _ := newTestClient(t, mock.URL(), 2)

	records, err := c.FetchPage(context.Background(), 1)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if !IsRetryExhausted(err) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if records != nil {
		t.Errorf("Expected no records, got %d", len(records))
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected wrapped APIError, got %T", err)
	}
	if apiErr.StatusCode != 500 {
		t.Errorf("last status = %d, want 500", apiErr.StatusCode)
	}
	if mock.GetPageRequests(1) != 8 {
		t.Errorf("requests = %d, want 8", mock.GetPageRequests(1))
	}
}

func TestClient_FetchPage_UndecodableBody(t *testing.T) {
	mock := testutil.NewMockCatalog(4)
	defer mock.Close()

	calls := 0
	var mu sync.Mutex
	mock.SetHandler(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Write([]byte(`{"data": [`))
			return
		}
		w.Write([]byte(testutil.NewPageResponse(testutil.GenerateRecords(2), 1, 2, 4)))
	})

	c, rec := newTestClient(t, mock.URL(), 2)

	records, err := c.FetchPage(context.Background(), 1)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("records = %d, want 2", len(records))
	}
	if rec.count() != 1 || rec.waits[0] != 2*time.Second {
		t.Errorf("waits = %v, want one linear 2s wait", rec.waits)
	}
}

func TestClient_FetchPage_NetworkError(t *testing.T) {
	mock := testutil.NewMockCatalog(4)
	url := mock.URL()
	mock.Close()

	c, rec := newTestClient(t, url, 2)
	c.config.Retry.MaxAttempts = 3

	_, err := c.FetchPage(context.Background(), 1)
	if !IsRetryExhausted(err) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if classifyError(err) != ErrorClassNetwork {
		t.Errorf("class = %s, want network", classifyError(err))
	}
	if rec.count() != 2 {
		t.Errorf("waits = %d, want 2", rec.count())
	}
}

func TestClient_FetchPage_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockCatalog(4)
	defer mock.Close()
	mock.QueuePageStatuses(1, 503, 503, 503)

	c, _ := newTestClient(t, mock.URL(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := c.FetchPage(ctx, 1)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if mock.GetPageRequests(1) != 1 {
		t.Errorf("requests = %d, want 1", mock.GetPageRequests(1))
	}
}

func TestClient_RateLimited(t *testing.T) {
	mock := testutil.NewMockCatalog(10)
	defer mock.Close()

	cfg := DefaultConfig("")
	cfg.BaseURL = mock.URL()
	cfg.PageSize = 2
	cfg.RequestsPerSecond = 20
	cfg.Burst = 1

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	if c.Limiter().Limit() != 20 {
		t.Errorf("Limit() = %v, want 20", c.Limiter().Limit())
	}

	start := time.Now()
	for page := 1; page <= 5; page++ {
		if _, err := c.FetchPage(context.Background(), page); err != nil {
			t.Fatalf("FetchPage(%d) error = %v", page, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("expected rate limiter to pace requests, took %v", elapsed)
	}
	if mock.LastRequestHeader().Get("X-Api-Key") != "" {
		t.Error("X-Api-Key must not be sent without an API key")
	}
}

func TestClient_FetchPage_LogsOneBasedAttempt(t *testing.T) {
	mock := testutil.NewMockCatalog(4)
	defer mock.Close()
	mock.QueuePageStatuses(1, http.StatusServiceUnavailable)

	c, _ := newTestClient(t, mock.URL(), 2)
	var buf bytes.Buffer
	c.logger = zerolog.New(&buf)

	if _, err := c.FetchPage(context.Background(), 1); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	attempts := make(map[string]int)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry struct {
			Message string `json:"message"`
			Attempt int    `json:"attempt"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		if entry.Attempt != 0 {
			attempts[entry.Message] = entry.Attempt
		}
	}

	// the failed first request is attempt 1, the retry that succeeds is attempt 2
	if got := attempts["Retrying request after backoff"]; got != 1 {
		t.Errorf("retry warning attempt = %d, want 1", got)
	}
	if got := attempts["Request succeeded after retry"]; got != 2 {
		t.Errorf("success attempt = %d, want 2", got)
	}
}
