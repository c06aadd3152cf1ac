package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckpointCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or remove the resume checkpoint",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show checkpointed pages and records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			state, err := store.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pages: %d\n", state.PageCount())
			fmt.Fprintf(out, "records: %d\n", state.Len())
			if state.PageCount() > 0 {
				fmt.Fprintf(out, "page numbers: %v\n", state.PageNumbers())
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the checkpoint so the next run starts from page 1",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("clear checkpoint: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "checkpoint cleared")
			return nil
		},
	})

	return cmd
}
