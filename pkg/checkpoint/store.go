// Package checkpoint persists partial fetch progress so an interrupted run
// can resume without refetching completed pages.
//
// Entries are keyed by page number rather than stored as one flat record
// array, so pages completing out of order, or a short final page landing
// before earlier pages, never corrupt the resume point. Every checkpoint also
// records the page size its pages were fetched at; page N only means the same
// records at the same page size, so a checkpoint written at another page size
// is discarded on Load.
package checkpoint

import (
	"context"
	"sort"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/catalog"
)

// Store is the durable checkpoint of one run.
//
// Implementations must be safe for concurrent Append calls.
type Store interface {
	// Load returns the checkpointed pages. A missing or unparseable
	// checkpoint, or one written at a different page size, yields an empty
	// State and no error; an error means the backend itself could not be read.
	Load(ctx context.Context) (State, error)

	// Append durably records the records of page, replacing any earlier
	// entry for the same page.
	Append(ctx context.Context, page int, records []catalog.Record) error

	// Clear removes the checkpoint. Clearing a missing checkpoint is not an error.
	Clear(ctx context.Context) error

	// PageSize returns the page size the checkpointed pages belong to.
	PageSize() int
}

// State is a snapshot of checkpointed pages.
type State struct {
	Pages map[int][]catalog.Record
}

// NewState returns an empty State.
func NewState() State {
	return State{Pages: make(map[int][]catalog.Record)}
}

// Records flattens the checkpoint in ascending page order.
func (s State) Records() []catalog.Record {
	return catalog.Flatten(s.Pages)
}

// Len returns the number of checkpointed records.
func (s State) Len() int {
	n := 0
	for _, records := range s.Pages {
		n += len(records)
	}
	return n
}

// PageCount returns the number of checkpointed pages.
func (s State) PageCount() int {
	return len(s.Pages)
}

// Has reports whether page is checkpointed.
func (s State) Has(page int) bool {
	_, ok := s.Pages[page]
	return ok
}

// PageNumbers returns the checkpointed page numbers in ascending order.
func (s State) PageNumbers() []int {
	numbers := make([]int, 0, len(s.Pages))
	for number := range s.Pages {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)
	return numbers
}

// Missing returns the pages in [1, totalPages] not yet checkpointed, ascending.
func (s State) Missing(totalPages int) []int {
	var missing []int
	for page := 1; page <= totalPages; page++ {
		if !s.Has(page) {
			missing = append(missing, page)
		}
	}
	return missing
}

// ResumePage returns the first page in [1, totalPages] not checkpointed,
// or totalPages+1 when every page is present.
func (s State) ResumePage(totalPages int) int {
	for page := 1; page <= totalPages; page++ {
		if !s.Has(page) {
			return page
		}
	}
	return totalPages + 1
}

func copyRecords(records []catalog.Record) []catalog.Record {
	out := make([]catalog.Record, len(records))
	copy(out, records)
	return out
}
