package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/catalog"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/client"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/logging"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/metrics"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/pagination"
	"github.com/spf13/cobra"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fetch every page not yet checkpointed and write the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := a.run(cmd.Context())
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, %d pages fetched, %d failed (%s)\n",
					result.Phase, result.Records, len(result.FetchedPages), len(result.FailedPages), result.Duration.Round(time.Millisecond))
			}
			return err
		},
	}
}

func (a *app) run(ctx context.Context) (*pagination.Result, error) {
	logger := logging.NewLogger("cli")

	if a.cfg.MetricsAddr != "" {
		srv, err := metrics.Listen(a.cfg.MetricsAddr)
		if err != nil {
			return nil, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}()
	}

	c, err := client.New(a.cfg.Client())
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	defer c.Close()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	writer := catalog.NewSnapshotWriter(a.cfg.OutputPath)

	logger.Info().
		Str("endpoint", a.cfg.Endpoint).
		Str("output", a.cfg.OutputPath).
		Str("checkpoint_backend", a.cfg.CheckpointBackend).
		Int("page_size", a.cfg.PageSize).
		Int("workers", a.cfg.Workers).
		Bool("api_key", a.cfg.APIKey != "").
		Msg("Starting catalog fetch")

	return pagination.NewOrchestrator(c, c, store, writer, a.cfg.Pagination()).Run(ctx)
}
