package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/loadtest"
	"github.com/mschirtzinger/chatlog/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Load test the store with concurrent overlapping writers",
	Long: `Measure commit latency and throughput of the persistence path.

bench simulates sync workers whose windows overlap: each writer commits
synthetic records in batches, and consecutive writers share --overlap of
their records. Afterwards it verifies every unique record was stored and
counted exactly once.

By default bench runs against a fresh SQLite database in a temporary
directory. With --use-store it writes to the configured store under the
channel "chatlog_loadtest", which must not exist yet.

Examples:
  # Default load (16 writers, 5000 records each, 50% overlap)
  chatlog bench

  # Heavier load with small batches
  chatlog bench --writers 64 --records 2000 --batch 100

  # Output as JSON
  chatlog bench --json`,
	RunE: runBench,
}

func init() {
	defaults := loadtest.DefaultOptions()
	benchCmd.Flags().Int("writers", defaults.Writers, "Number of concurrent writers")
	benchCmd.Flags().Int("records", defaults.RecordsPerWriter, "Records committed by each writer")
	benchCmd.Flags().Float64("overlap", defaults.Overlap, "Fraction of records shared by consecutive writers (0.0-0.99)")
	benchCmd.Flags().Int("batch", defaults.BatchSize, "Records per commit")
	benchCmd.Flags().Bool("use-store", false, "Write to the configured store instead of a temporary database")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	writers, _ := cmd.Flags().GetInt("writers")
	records, _ := cmd.Flags().GetInt("records")
	overlap, _ := cmd.Flags().GetFloat64("overlap")
	batch, _ := cmd.Flags().GetInt("batch")
	useStore, _ := cmd.Flags().GetBool("use-store")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx := context.Background()

	var store db.Store
	if useStore {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		s, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		if ch, err := s.GetChannel(ctx, loadtest.Channel); err == nil && ch != nil {
			_ = s.Close()
			return fmt.Errorf("channel %s already exists in the store", loadtest.Channel)
		}
		store = s
	} else {
		dir, err := os.MkdirTemp("", "chatlog-bench-*")
		if err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
		defer os.RemoveAll(dir)

		database, err := db.Open(filepath.Join(dir, "bench.db"))
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.InitSchema(); err != nil {
			_ = database.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		store = database
	}
	defer store.Close()

	result, err := loadtest.Run(ctx, store, loadtest.Options{
		Writers:          writers,
		RecordsPerWriter: records,
		Overlap:          overlap,
		BatchSize:        batch,
	})

	if jsonOutput && result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else if result != nil {
		result.Print(os.Stdout)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.NewTheme(os.Stderr).Fail.Render("FAIL"), err)
		return errReported
	}
	if !jsonOutput {
		fmt.Printf("%s every record stored exactly once\n", ui.NewTheme(os.Stdout).OK.Render("PASS"))
	}
	return nil
}
