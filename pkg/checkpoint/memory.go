package checkpoint

import (
	"context"
	"sync"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/catalog"
)

const backendMemory = "memory"

// MemoryStore is a process-local Store, used by tests and dry runs.
type MemoryStore struct {
	mu       sync.Mutex
	pageSize int
	pages    map[int][]catalog.Record
	appends  []int
}

// NewMemoryStore creates an empty in-memory checkpoint for pages of pageSize.
func NewMemoryStore(pageSize int) *MemoryStore {
	return &MemoryStore{
		pageSize: pageSize,
		pages:    make(map[int][]catalog.Record),
	}
}

// PageSize implements Store.
func (m *MemoryStore) PageSize() int {
	return m.pageSize
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := NewState()
	for page, records := range m.pages {
		state.Pages[page] = copyRecords(records)
	}
	return state, nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, page int, records []catalog.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pages[page] = copyRecords(records)
	m.appends = append(m.appends, page)
	Appends.WithLabelValues(backendMemory).Inc()
	Pages.WithLabelValues(backendMemory).Set(float64(len(m.pages)))
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pages = make(map[int][]catalog.Record)
	Pages.WithLabelValues(backendMemory).Set(0)
	return nil
}

// AppendOrder returns the pages in the order Append was called.
func (m *MemoryStore) AppendOrder() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int, len(m.appends))
	copy(out, m.appends)
	return out
}
