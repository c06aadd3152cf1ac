package pagination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/catalog"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/checkpoint"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for fetch runs.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_pages_fetched_total",
		Help: "Total number of pages fetched successfully",
	})

	pagesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_pages_failed_total",
		Help: "Total number of pages dropped after exhausting retries",
	})

	pagesRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_pages_remaining",
		Help: "Pages still queued or in flight in the current run",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_runs_total",
		Help: "Total number of fetch runs by outcome",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_run_duration_seconds",
		Help:    "Duration of complete fetch runs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// ErrCountResolution is returned by Run when the total record count cannot
// be determined. It is the only failure that aborts a run before fetching.
var ErrCountResolution = errors.New("count resolution failed")

// ErrPageSizeMismatch is returned by Run when the checkpoint store or the
// page fetcher works at a different page size than the run.
var ErrPageSizeMismatch = errors.New("page size mismatch")

// CountResolver determines the total number of remote records.
type CountResolver interface {
	TotalCount(ctx context.Context) (int, error)
}

// PageFetcher fetches a single page of records.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int) ([]catalog.Record, error)
}

// SnapshotWriter persists the final ordered record list.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, records []catalog.Record) error
}

// Config holds orchestrator configuration
type Config struct {
	// PageSize must match the page size the PageFetcher requests
	PageSize int
	// MaxConcurrency is the maximum number of parallel page fetches
	// Recommendation: 10 workers for the public API
	MaxConcurrency int
	// ProgressInterval logs progress every N completed pages
	ProgressInterval int
}

// DefaultConfig returns safe default configuration
func DefaultConfig() Config {
	return Config{
		PageSize:         250,
		MaxConcurrency:   10,
		ProgressInterval: 10,
	}
}

// Phase is the position of a run in its lifecycle.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseCountResolved Phase = "count_resolved"
	PhaseResumed       Phase = "resumed"
	PhaseFetching      Phase = "fetching"
	PhaseMerged        Phase = "merged"
	PhaseFinalized     Phase = "finalized"
	PhaseAborted       Phase = "aborted"
)

// Result summarises a run. FetchedPages and FailedPages are ascending.
type Result struct {
	RunID               string
	Phase               Phase
	TotalCount          int
	TotalPages          int
	ResumePage          int
	CheckpointedPages   int
	CheckpointedRecords int
	FetchedPages        []int
	FailedPages         []int
	Records             int
	AlreadyComplete     bool
	Duration            time.Duration
}

// pageResult represents the result of fetching a single page
type pageResult struct {
	catalog.Page
	Error error
}

// Orchestrator runs a resumable, bounded-concurrency fetch of all pages.
type Orchestrator struct {
	resolver CountResolver
	fetcher  PageFetcher
	store    checkpoint.Store
	writer   SnapshotWriter
	config   Config
	logger   zerolog.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(resolver CountResolver, fetcher PageFetcher, store checkpoint.Store, writer SnapshotWriter, config Config) *Orchestrator {
	defaults := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = defaults.ProgressInterval
	}

	return &Orchestrator{
		resolver: resolver,
		fetcher:  fetcher,
		store:    store,
		writer:   writer,
		config:   config,
		logger:   logging.NewLogger("orchestrator"),
	}
}

// Run executes one fetch run. Only a page size mismatch between the
// components (ErrPageSizeMismatch), a failed count probe (ErrCountResolution),
// a failed snapshot write or a cancelled ctx return an error; the checkpoint
// is kept in every one of those cases.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{
		RunID: uuid.NewString(),
		Phase: PhaseInit,
	}
	logger := o.logger.With().Str("run_id", result.RunID).Logger()

	transition := func(phase Phase) {
		result.Phase = phase
		logger.Debug().Str("phase", string(phase)).Msg("Run phase changed")
	}

	if err := o.checkPageSizes(); err != nil {
		transition(PhaseAborted)
		runsTotal.WithLabelValues("misconfigured").Inc()
		logger.Error().Err(err).Msg("Refusing to run")
		return result, err
	}

	// Step 1: Resolve total count
	total, err := o.resolver.TotalCount(ctx)
	if err != nil {
		transition(PhaseAborted)
		runsTotal.WithLabelValues("count_failed").Inc()
		logger.Error().Err(err).Msg("Could not resolve total record count")
		return result, fmt.Errorf("%w: %w", ErrCountResolution, err)
	}
	result.TotalCount = total
	result.TotalPages = catalog.TotalPages(total, o.config.PageSize)
	transition(PhaseCountResolved)

	// Step 2: Resume from checkpoint
	state, err := o.store.Load(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Checkpoint unavailable, starting from scratch")
		state = checkpoint.NewState()
	}
	result.CheckpointedPages = state.PageCount()
	result.CheckpointedRecords = state.Len()
	result.ResumePage = state.ResumePage(result.TotalPages)

	pending := state.Missing(result.TotalPages)
	if state.Len() >= total {
		pending = nil
	}
	result.AlreadyComplete = len(pending) == 0
	transition(PhaseResumed)

	logger.Info().
		Int("total_count", total).
		Int("total_pages", result.TotalPages).
		Int("checkpointed_pages", result.CheckpointedPages).
		Int("checkpointed_records", result.CheckpointedRecords).
		Int("resume_page", result.ResumePage).
		Int("pending_pages", len(pending)).
		Msg("Starting parallel page fetch")

	// Step 3: Fetch remaining pages
	transition(PhaseFetching)
	fetched, failed := o.fetchPages(ctx, logger, pending)
	if err := ctx.Err(); err != nil {
		runsTotal.WithLabelValues("cancelled").Inc()
		logger.Warn().
			Int("fetched_pages", len(fetched)).
			Msg("Run interrupted, checkpoint kept for resume")
		return result, err
	}
	result.FetchedPages = sortedKeys(fetched)
	result.FailedPages = failed

	// Step 4: Merge in page order, independent of completion order
	pages := make(map[int][]catalog.Record, len(state.Pages)+len(fetched))
	for page, records := range state.Pages {
		pages[page] = records
	}
	for page, records := range fetched {
		pages[page] = records
	}
	records := catalog.Flatten(pages)
	result.Records = len(records)
	transition(PhaseMerged)

	// Step 5: Finalize
	if err := o.writer.WriteSnapshot(ctx, records); err != nil {
		runsTotal.WithLabelValues("write_failed").Inc()
		logger.Error().Err(err).Msg("Snapshot write failed, checkpoint kept")
		return result, fmt.Errorf("write snapshot: %w", err)
	}
	if err := o.store.Clear(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to clear checkpoint after snapshot")
	}
	transition(PhaseFinalized)

	result.Duration = time.Since(start)
	runsTotal.WithLabelValues("success").Inc()
	runDuration.Observe(result.Duration.Seconds())

	level := zerolog.InfoLevel
	if len(failed) > 0 {
		level = zerolog.WarnLevel
	}
	logger.WithLevel(level).
		Ints("failed_pages", failed).
		Int("records", result.Records).
		Int("total_count", total).
		Int("fetched_pages", len(result.FetchedPages)).
		Bool("already_complete", result.AlreadyComplete).
		Dur("duration", result.Duration).
		Msg("Fetch complete")

	return result, nil
}

// fetchPages fetches pages with a bounded worker pool and returns the
// successful pages keyed by number plus the ascending list of failed pages.
func (o *Orchestrator) fetchPages(ctx context.Context, logger zerolog.Logger, pages []int) (map[int][]catalog.Record, []int) {
	results := make(map[int][]catalog.Record, len(pages))
	if len(pages) == 0 {
		return results, nil
	}

	workers := o.config.MaxConcurrency
	if workers > len(pages) {
		workers = len(pages)
	}

	// Create channels
	pageQueue := make(chan int, len(pages))
	pageResults := make(chan pageResult, workers)

	for _, page := range pages {
		pageQueue <- page
	}
	close(pageQueue)
	pagesRemaining.Set(float64(len(pages)))

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(ctx, logger, pageQueue, pageResults, &wg, i)
	}

	// Close results channel when all workers done
	go func() {
		wg.Wait()
		close(pageResults)
	}()

	// Collect results
	var failed []int
	completed := 0
	for result := range pageResults {
		completed++
		pagesRemaining.Dec()

		if result.Error != nil {
			failed = append(failed, result.Number)
			pagesFailedTotal.Inc()
		} else {
			results[result.Number] = result.Records
			pagesFetchedTotal.Inc()
		}

		if completed%o.config.ProgressInterval == 0 || completed == len(pages) {
			logger.Info().
				Int("completed", completed).
				Int("total", len(pages)).
				Int("failed", len(failed)).
				Float64("progress_pct", float64(completed)/float64(len(pages))*100).
				Msg("Fetch progress")
		}
	}
	pagesRemaining.Set(0)

	sort.Ints(failed)
	return results, failed
}

// worker processes pages from the queue: fetch, then checkpoint, then report.
func (o *Orchestrator) worker(ctx context.Context, logger zerolog.Logger, pageQueue <-chan int, results chan<- pageResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for pageNum := range pageQueue {
		// Check context cancellation
		select {
		case <-ctx.Done():
			logger.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		records, err := o.safeFetch(ctx, pageNum)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Int("page", pageNum).
				Msg("Page fetch failed, continuing without it")
			results <- pageResult{Page: catalog.Page{Number: pageNum}, Error: err}
			continue
		}

		if err := o.store.Append(ctx, pageNum, records); err != nil {
			logger.Error().
				Err(err).
				Int("page", pageNum).
				Msg("Failed to checkpoint page")
		}

		results <- pageResult{Page: catalog.Page{Number: pageNum, Records: records}}
		pagesProcessed++
	}

	if pagesProcessed > 0 {
		logger.Debug().
			Int("worker_id", workerID).
			Int("pages_processed", pagesProcessed).
			Msg("Worker completed")
	}
}

// checkPageSizes verifies that store and fetcher agree with the run on what
// a page number means. Fetchers that do not report a page size are trusted.
func (o *Orchestrator) checkPageSizes() error {
	if got := o.store.PageSize(); got != o.config.PageSize {
		return fmt.Errorf("%w: checkpoint store uses %d, run uses %d", ErrPageSizeMismatch, got, o.config.PageSize)
	}
	if sized, ok := o.fetcher.(interface{ PageSize() int }); ok && sized.PageSize() != o.config.PageSize {
		return fmt.Errorf("%w: fetcher uses %d, run uses %d", ErrPageSizeMismatch, sized.PageSize(), o.config.PageSize)
	}
	return nil
}

// safeFetch turns a panicking fetch into a page failure.
func (o *Orchestrator) safeFetch(ctx context.Context, page int) (records []catalog.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d fetch panicked: %v", page, r)
		}
	}()
	return o.fetcher.FetchPage(ctx, page)
}

func sortedKeys(m map[int][]catalog.Record) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
