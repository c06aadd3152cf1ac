// Package catalog defines the record and page types moved between the
// remote API, the checkpoint store and the final snapshot.
package catalog

import (
	"encoding/json"
	"sort"
)

// Record is one opaque catalog entry (a card). The raw JSON bytes are kept
// as received so nothing is reordered or re-encoded on the way to disk.
type Record = json.RawMessage

// Page is the ordered set of records returned by a single page request.
type Page struct {
	// Number is the 1-based page number
	Number int

	// Records in the order the API returned them
	Records []Record
}

// TotalPages returns ceil(totalCount / pageSize).
// Returns 0 for a non-positive count or page size.
func TotalPages(totalCount, pageSize int) int {
	if totalCount <= 0 || pageSize <= 0 {
		return 0
	}
	return (totalCount + pageSize - 1) / pageSize
}

// ResumePage returns the first page to fetch when checkpointed records form a
// whole-page prefix: floor(checkpointed / pageSize) + 1.
func ResumePage(checkpointed, pageSize int) int {
	if checkpointed <= 0 || pageSize <= 0 {
		return 1
	}
	return checkpointed/pageSize + 1
}

// Flatten concatenates pages in ascending page number, preserving in-page order.
// The map iteration order of pages never leaks into the result.
func Flatten(pages map[int][]Record) []Record {
	numbers := make([]int, 0, len(pages))
	total := 0
	for number, records := range pages {
		numbers = append(numbers, number)
		total += len(records)
	}
	sort.Ints(numbers)

	out := make([]Record, 0, total)
	for _, number := range numbers {
		out = append(out, pages[number]...)
	}
	return out
}

// Chunk splits records into pages of pageSize numbered from 1. The last page
// may be short.
func Chunk(records []Record, pageSize int) map[int][]Record {
	pages := make(map[int][]Record)
	if pageSize <= 0 {
		return pages
	}
	for i, number := 0, 1; i < len(records); i, number = i+pageSize, number+1 {
		end := i + pageSize
		if end > len(records) {
			end = len(records)
		}
		pages[number] = records[i:end]
	}
	return pages
}
