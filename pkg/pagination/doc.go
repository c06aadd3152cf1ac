// Package pagination fetches every page of the remote card catalog in
// parallel, checkpointing each completed page so an interrupted run resumes
// where it stopped, and reassembles the pages in page order.
//
// Example usage:
//
//	cfg := pagination.DefaultConfig()
//	o := pagination.NewOrchestrator(apiClient, apiClient, store, writer, cfg)
//	result, err := o.Run(ctx)
//
// A run:
//   - Probes the API for the total record count (fatal on failure)
//   - Loads the checkpoint and skips pages already in it
//   - Spawns a bounded worker pool (default 10 workers) over a page queue
//   - Appends each completed page to the checkpoint as it arrives
//   - Merges checkpointed and fetched pages in ascending page order
//   - Writes the snapshot, then clears the checkpoint
//
// A page that still fails after its retries is logged and left out of the
// snapshot; it never aborts the run.
package pagination
