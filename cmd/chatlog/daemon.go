package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/chatlog/internal/chatlog/daemon"
	"github.com/mschirtzinger/chatlog/internal/chatlog/dashboard"
	"github.com/mschirtzinger/chatlog/internal/chatlog/sync"
	"github.com/mschirtzinger/chatlog/internal/config"
	"github.com/mschirtzinger/chatlog/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the configured channels synced in the background",
	Long: `Run sync for every configured channel on an interval.

The daemon:
  1. Syncs all channels on start
  2. Repeats every daemon.interval (default 15m, --interval)
  3. Re-reads the config file when it changes and syncs right away, so
     channels can be added without a restart
  4. Finishes in-flight months and exits on Ctrl+C or SIGTERM

Store, worker and archive settings are read once at start; the channel
list and date range are re-read every cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		return runDaemon(cmd, withDashboard)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the daemon with a real-time WebSocket dashboard",
	Long: `Run the sync daemon and serve live progress over WebSocket.

Endpoints:
  ws://ADDR/ws          live events
  http://ADDR/api/status channel checkpoints, record counts, failed windows
  http://ADDR/health     health check

WebSocket messages include:
- run_started: A channel sync planned its windows
- window_started: A worker picked up a month
- window_finished: A month finished, with run progress
- run_finished: A channel sync finished, with its summary
- stats: State of every channel (sent to new clients first)

Example usage:
  chatlog dashboard                          # Listen on 127.0.0.1:8787
  chatlog dashboard --addr 0.0.0.0:9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, true)
	},
}

func runDaemon(cmd *cobra.Command, withDashboard bool) error {
	if err := cfg.ValidateSync(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
		cfg.Daemon.Interval = interval
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Dashboard.Addr = addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var reporter sync.Reporter = sync.NopReporter{}
	if withDashboard {
		server := dashboard.NewServer(&dashboard.Config{
			Addr: cfg.Dashboard.Addr,
			Status: func(ctx context.Context) (any, error) {
				return ui.LoadStatus(ctx, store)
			},
			Logger: slog.Default(),
		})
		reporter = dashboard.NewHandler(server, slog.Default())

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer server.Stop()

		fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
	}

	syncer, err := newSyncer(cfg, store, reporter)
	if err != nil {
		return err
	}

	// Re-read config every cycle; flags still take precedence.
	loadOpts := config.LoadOptions{File: cfg.File, Flags: cmd.Flags(), FlagKeys: flagKeys}
	load := func() ([]sync.Options, error) {
		c, err := config.Load(loadOpts)
		if err != nil {
			return nil, err
		}
		if err := c.ValidateSync(); err != nil {
			return nil, err
		}
		now := time.Now()
		jobs := make([]sync.Options, 0, len(c.Channels))
		for _, ch := range c.Channels {
			opts, err := c.SyncOptions(ch, false, now)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, opts)
		}
		return jobs, nil
	}

	d, err := daemon.NewWithConfig(syncer, load, &daemon.Config{
		Interval:   cfg.Daemon.Interval,
		ConfigFile: cfg.File,
		OnRun: func(run *sync.RunSummary) {
			slog.Info("channel synced",
				"channel", run.Channel,
				"inserted", run.Inserted,
				"failed", run.Failed,
				"success", run.Success)
			writeReport(run)
		},
		Logger: slog.Default(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Syncing %d channel(s) every %s. Press Ctrl+C to stop...\n", len(cfg.Channels), cfg.Daemon.Interval)
	if err := d.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Daemon stopped")
	return nil
}

func init() {
	for _, c := range []*cobra.Command{daemonCmd, dashboardCmd} {
		c.Flags().Duration("interval", 0, "time between sync cycles (default daemon.interval)")
		c.Flags().String("addr", "", "dashboard listen address (default dashboard.addr)")
	}
	daemonCmd.Flags().Bool("dashboard", false, "also serve the WebSocket dashboard")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}
