package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/chatlog/internal/chatlog/report"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
	"github.com/mschirtzinger/chatlog/internal/chatlog/sync"
	"github.com/mschirtzinger/chatlog/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [channel...]",
	GroupID: "sync",
	Short:   "Download new chat history for one or more channels",
	Long: `Sync channels from the remote log service into the local store.

For each channel, sync:
  1. Resumes one overlap (default 1h) before the channel's checkpoint
  2. Plans one window per calendar month up to now
  3. Downloads windows concurrently (--workers) and stores new records
  4. Retries months that failed on earlier runs (replay_failed)
  5. Advances the checkpoint to the newest stored record

Channels given as arguments replace the configured channel list.
A failed month never stops the others; it is listed in the summary and
retried on the next run. Press Ctrl+C to stop starting new months; months
already downloading are finished and stored.

Examples:
  chatlog sync xqc --db chat.db
  chatlog sync xqc forsen --workers 8 --archive-dir ./archive
  chatlog sync xqc --force --yes          # discard the checkpoint, re-download all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		yes, _ := cmd.Flags().GetBool("yes")
		verbose, _ := cmd.Flags().GetBool("verbose")

		if len(args) > 0 {
			cfg.Channels = cfg.Channels[:0]
			for _, a := range args {
				cfg.Channels = append(cfg.Channels, schema.NormalizeChannelName(a))
			}
		}
		if err := cfg.ValidateSync(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}

		if force && !yes {
			err := ui.Confirm(
				"Discard the checkpoint of "+strings.Join(cfg.Channels, ", ")+"?",
				"Every month since the earliest date is downloaded again. Stored records are kept.",
			)
			if errors.Is(err, ui.ErrNotConfirmed) {
				fmt.Println("Aborted.")
				return nil
			}
			if err != nil {
				return err
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		reporter := ui.NewConsoleReporter(os.Stdout)
		reporter.Verbose = verbose

		syncer, err := newSyncer(cfg, store, reporter)
		if err != nil {
			return err
		}

		failed := 0
		for _, channel := range cfg.Channels {
			if ctx.Err() != nil {
				break
			}
			opts, err := cfg.SyncOptions(channel, force, time.Now())
			if err != nil {
				return err
			}

			run, err := syncer.Run(ctx, opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error syncing %s: %v\n", channel, err)
				failed++
				continue
			}
			if !run.Success {
				failed++
			}
			writeReport(run)
		}

		if failed > 0 {
			return errReported
		}
		return nil
	},
}

// writeReport saves run under report.dir when one is configured.
func writeReport(run *sync.RunSummary) {
	if cfg.Report.Dir == "" {
		return
	}
	path, err := report.WriteFile(cfg.Report.Dir, cfg.Report.Format, run)
	if err != nil {
		slog.Warn("failed to write run report", "channel", run.Channel, "error", err)
		return
	}
	slog.Debug("run report written", "channel", run.Channel, "path", path)
}

func init() {
	syncCmd.Flags().Bool("force", false, "discard each channel's checkpoint and start from the earliest date")
	syncCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	syncCmd.Flags().BoolP("verbose", "v", false, "show window start events")
	rootCmd.AddCommand(syncCmd)
}
