package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/chatlog/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show checkpoints, record counts and failed windows",
	Long: `Display the sync state of every channel in the store.

Shows for each channel:
  - The checkpoint (newest stored record timestamp)
  - When it was last synced
  - Number of stored records
  - Months that failed and will be retried on the next sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		statuses, err := ui.LoadStatus(ctx, store)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(statuses); err != nil {
				return err
			}
			return nil
		}

		ui.RenderStatus(os.Stdout, ui.NewTheme(os.Stdout), statuses, time.Now())
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
