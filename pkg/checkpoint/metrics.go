package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Appends tracks pages written to the checkpoint by backend
	Appends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_checkpoint_appends_total",
			Help: "Total number of pages appended to the checkpoint",
		},
		[]string{"backend"}, // "file", "redis", "memory"
	)

	// Pages tracks the number of checkpointed pages by backend
	Pages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalog_checkpoint_pages",
			Help: "Number of pages currently held in the checkpoint",
		},
		[]string{"backend"},
	)

	// Corrupt tracks checkpoints or entries discarded as unparseable
	Corrupt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_checkpoint_corrupt_total",
			Help: "Total number of unparseable checkpoints or entries discarded",
		},
		[]string{"backend"},
	)

	// Errors tracks checkpoint operation errors
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_checkpoint_errors_total",
			Help: "Total number of checkpoint operation errors",
		},
		[]string{"backend", "operation"}, // "load", "append", "clear"
	)
)
