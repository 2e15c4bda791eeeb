// Package sync mirrors a time-partitioned remote chat log into a local store.
//
// Overview
//
// A run resolves the channel, reads its checkpoint, plans one window per
// calendar month from the checkpoint (minus a configurable overlap) to now,
// and processes the windows on a bounded worker pool. Each worker streams the
// window body line by line, parses records, and commits them through the
// writer in chunks. The checkpoint only moves after all chunks of a window are
// committed, so an interrupted run resumes without losing data; the overlap
// and the store's uniqueness constraint make refetching harmless.
//
// Architecture
//
//	             Store.Checkpoint ──► ResumeFrom ──► window.Plan
//	                                                    │
//	                      failure ledger ──► window.Merge
//	                                                    │
//	                                    errgroup (Workers)
//	                                   ┌────────┼────────┐
//	                                 window   window   window
//	                                   │
//	   fetch.Client ─► LineSplitter ─► schema.ParseRecord ─► writer.Batch ─► Store
//	        │
//	        └─► archive.File (optional raw copy)
//
// Failures
//
// Windows are independent. A timeout, remote error, transport error or
// persistence error fails only its own window: the failure is written to the
// failure ledger and, with Options.ReplayFailed, the window is re-planned on
// the next run even if the checkpoint has moved past it. Malformed lines are
// counted and skipped.
//
// Cancellation
//
// Cancelling the run context stops new windows from starting. Windows that
// are already fetching finish normally (bounded by the fetch timeout) so their
// records and checkpoint stay consistent; windows that never started are
// reported with StatusSkipped.
//
// Usage
//
//	store, err := db.Open("data/chatlog.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	if err := store.InitSchema(); err != nil {
//	    return err
//	}
//
//	syncer, err := sync.NewWithConfig(store, fetch.New(fetch.DefaultBaseURL), writer.New(store, 0, nil), sync.Config{
//	    Workers:  4,
//	    Reporter: ui.NewConsoleReporter(os.Stdout),
//	})
//	if err != nil {
//	    return err
//	}
//
//	summary, err := syncer.Run(ctx, sync.Options{
//	    Channel:      "xqc",
//	    Overlap:      sync.DefaultOverlap,
//	    ReplayFailed: true,
//	})
package sync
