package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/chatlog/internal/chatlog/importer"
	"github.com/mschirtzinger/chatlog/internal/chatlog/writer"
	"github.com/mschirtzinger/chatlog/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <channel> <file-or-dir>...",
	GroupID: "sync",
	Short:   "Import newline-delimited log files into the store",
	Long: `Import local log dumps for a channel.

Files contain one JSON message per line, the same format the remote service
serves. Compressed files (.zst, .lz4, .gz) are decoded by extension, so an
archive directory written by 'chatlog sync --archive-dir' can be imported
into another store. Directories are searched recursively.

Records already in the store are skipped. Imported records are added to the
channel totals, but the checkpoint is not moved: an import says nothing about
the months before it, so a later sync still fills any gap.

Examples:
  chatlog import xqc dump.ndjson
  chatlog import xqc ./archive/xqc --dry-run`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		im := importer.New(store, writer.New(store, cfg.BatchSize, slog.Default()), slog.Default())
		result, err := im.Import(ctx, importer.Options{
			Channel:     args[0],
			ChannelType: cfg.ChannelType,
			Paths:       args[1:],
			DryRun:      dryRun,
		})
		if err != nil {
			return err
		}

		t := ui.NewTheme(os.Stdout)
		for _, f := range result.Files {
			if f.Err != nil {
				fmt.Printf("%s %s: %v\n", t.Fail.Render("✗"), f.Path, f.Err)
				continue
			}
			fmt.Printf("%s %s: %s parsed, %s new", t.OK.Render("✓"), f.Path,
				humanize.Comma(int64(f.Parsed)), humanize.Comma(int64(f.Inserted)))
			if f.ParseErrors > 0 {
				fmt.Printf(", %s", t.Warn.Render(fmt.Sprintf("%d malformed", f.ParseErrors)))
			}
			fmt.Println()
		}

		verb := "Imported"
		if dryRun {
			verb = "Dry run:"
		}
		fmt.Printf("\n%s %s records into %s (%s new) in %v\n", verb,
			humanize.Comma(int64(result.Parsed)), result.Channel,
			humanize.Comma(int64(result.Inserted)), result.Elapsed.Round(time.Millisecond))

		if result.Failed() > 0 {
			return errReported
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "parse and count without writing")
	rootCmd.AddCommand(importCmd)
}
