// Package testutil provides testing utilities for the catalog fetcher.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// DefaultPageSize is used when a request carries no pageSize parameter.
const DefaultPageSize = 250

// MockCatalog is a configurable mock of the paginated catalog API.
//
// Requests with pageSize=1 are treated as count probes; scripted probe
// failures apply to them only.
type MockCatalog struct {
	server *httptest.Server
	mu     sync.Mutex

	records        []json.RawMessage
	omitTotalCount bool
	pageStatuses   map[int][]int
	probeStatuses  []int
	delays         map[int]time.Duration
	handler        http.HandlerFunc

	// Tracking
	requestCount      int
	probeCount        int
	pageRequests      map[int]int
	lastRequestHeader http.Header
}

// NewMockCatalog creates a mock serving n generated card records.
func NewMockCatalog(n int) *MockCatalog {
	mock := &MockCatalog{
		records:      GenerateRecords(n),
		pageStatuses: make(map[int][]int),
		delays:       make(map[int]time.Duration),
		pageRequests: make(map[int]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// GenerateRecords returns n card records with ids card-1..card-n.
func GenerateRecords(n int) []json.RawMessage {
	records := make([]json.RawMessage, n)
	for i := range records {
		records[i] = json.RawMessage(fmt.Sprintf(`{"id":"card-%d","number":%d}`, i+1, i+1))
	}
	return records
}

// URL returns the mock endpoint URL.
func (m *MockCatalog) URL() string {
	return m.server.URL + "/v2/cards"
}

// Close shuts down the mock server.
func (m *MockCatalog) Close() {
	m.server.Close()
}

// SetRecords replaces the served records.
func (m *MockCatalog) SetRecords(records []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
}

// SetOmitTotalCount drops totalCount from every response.
func (m *MockCatalog) SetOmitTotalCount(omit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.omitTotalCount = omit
}

// QueuePageStatuses makes the next requests for page answer with the given
// statuses, in order, before the page is served normally.
func (m *MockCatalog) QueuePageStatuses(page int, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageStatuses[page] = append(m.pageStatuses[page], statuses...)
}

// QueueProbeStatuses does the same for count probes.
func (m *MockCatalog) QueueProbeStatuses(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeStatuses = append(m.probeStatuses, statuses...)
}

// SetDelay delays every response for page.
func (m *MockCatalog) SetDelay(page int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[page] = d
}

// SetHandler replaces the default behaviour entirely. Tracking still applies.
func (m *MockCatalog) SetHandler(handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCatalog) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// GetProbeCount returns the number of count probes.
func (m *MockCatalog) GetProbeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeCount
}

// GetPageRequests returns how often page was requested (probes excluded).
func (m *MockCatalog) GetPageRequests(page int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageRequests[page]
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockCatalog) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequestHeader
}

func (m *MockCatalog) serve(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", DefaultPageSize)
	probe := pageSize == 1

	m.mu.Lock()
	m.requestCount++
	m.lastRequestHeader = r.Header.Clone()
	if probe {
		m.probeCount++
	} else {
		m.pageRequests[page]++
	}

	status := 0
	if probe && len(m.probeStatuses) > 0 {
		status, m.probeStatuses = m.probeStatuses[0], m.probeStatuses[1:]
	} else if !probe && len(m.pageStatuses[page]) > 0 {
		status, m.pageStatuses[page] = m.pageStatuses[page][0], m.pageStatuses[page][1:]
	}
	delay := m.delays[page]
	handler := m.handler
	records := m.records
	omitTotal := m.omitTotalCount
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if handler != nil {
		handler(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if status != 0 {
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":{"message":"scripted failure","code":%d}}`, status)
		return
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(records) || page < 1 {
		start = len(records)
	}
	if end > len(records) {
		end = len(records)
	}
	data := records[start:end]

	body := map[string]any{
		"data":     data,
		"page":     page,
		"pageSize": pageSize,
		"count":    len(data),
	}
	if !omitTotal {
		body["totalCount"] = len(records)
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, key string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// NewPageResponse renders a response body the way the catalog API does.
func NewPageResponse(records []json.RawMessage, page, pageSize, totalCount int) string {
	body, _ := json.Marshal(map[string]any{
		"data":       records,
		"page":       page,
		"pageSize":   pageSize,
		"count":      len(records),
		"totalCount": totalCount,
	})
	return string(body)
}
