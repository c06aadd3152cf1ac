// Package metrics exposes the Prometheus metrics of the catalog fetcher.
// All metrics are defined in their respective packages (client, checkpoint,
// pagination, ratelimit) to maintain modularity and avoid circular dependencies.
//
// This package serves them over HTTP and documents what is available.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the fetcher.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns a mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Server runs the metrics endpoint next to a fetch run.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and starts serving in the background.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}

	logger := logging.NewLogger("metrics")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - catalog_requests_total{operation, status} (Counter): Requests by operation (count, page) and HTTP status
//   - catalog_request_duration_seconds{operation} (Histogram): Request duration by operation
//   - catalog_errors_total{class} (Counter): Errors by class (transient, network, malformed)
//
// Retry Metrics (pkg/client):
//   - catalog_retries_total{error_class} (Counter): Retry attempts by error class
//   - catalog_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - catalog_retry_exhausted_total{operation} (Counter): Operations that exhausted max attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - catalog_rate_limit_wait_seconds (Histogram): Time spent waiting for a request slot
//   - catalog_rate_limit_cancelled_total (Counter): Waits abandoned because the context ended
//
// Checkpoint Metrics (pkg/checkpoint):
//   - catalog_checkpoint_appends_total{backend} (Counter): Pages appended
//   - catalog_checkpoint_pages{backend} (Gauge): Pages currently checkpointed
//   - catalog_checkpoint_corrupt_total{backend} (Counter): Unreadable checkpoints discarded
//   - catalog_checkpoint_errors_total{backend, operation} (Counter): Backend failures
//
// Run Metrics (pkg/pagination):
//   - catalog_pages_fetched_total (Counter): Pages fetched successfully
//   - catalog_pages_failed_total (Counter): Pages dropped after exhausting retries
//   - catalog_pages_remaining (Gauge): Pages queued or in flight
//   - catalog_runs_total{outcome} (Counter): Runs by outcome (success, count_failed, write_failed, cancelled)
//   - catalog_run_duration_seconds (Histogram): Duration of completed runs
//
// Example Prometheus Queries:
//
//   # Page failure ratio
//   rate(catalog_pages_failed_total[1h]) /
//   (rate(catalog_pages_fetched_total[1h]) + rate(catalog_pages_failed_total[1h]))
//
//   # Transient error pressure
//   rate(catalog_retries_total{error_class="transient"}[5m])
//
//   # P95 page latency
//   histogram_quantile(0.95, rate(catalog_request_duration_seconds_bucket{operation="page"}[5m]))
