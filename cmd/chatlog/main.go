// Command chatlog mirrors time-partitioned remote chat logs into a local store.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/chatlog/internal/config"
	"github.com/mschirtzinger/chatlog/internal/logging"
)

var (
	// cfg is loaded before every command runs.
	cfg        *config.Config
	configFile string
	logCloser  io.Closer
)

// errReported is returned by commands that already printed their failures.
// It only sets the exit status.
var errReported = errors.New("command failed")

// flagKeys maps persistent flags to the config keys they override.
var flagKeys = map[string]string{
	"db":          "store.dsn",
	"driver":      "store.driver",
	"database":    "store.database",
	"workers":     "workers",
	"timeout":     "timeout",
	"batch-size":  "batch_size",
	"overlap":     "overlap",
	"earliest":    "earliest",
	"until":       "until",
	"base-url":    "base_url",
	"archive-dir": "archive.dir",
	"report-dir":  "report.dir",
	"log-level":   "log.level",
	"log-format":  "log.format",
	"log-file":    "log.file",
}

var rootCmd = &cobra.Command{
	Use:   "chatlog",
	Short: "Mirror remote chat logs into a local database",
	Long: `chatlog keeps a local copy of a channel's chat history.

The remote log service serves history one calendar month at a time. chatlog
plans the months since the last checkpoint, downloads them concurrently,
parses every line into a record and stores new records, skipping ones it
already has. Re-running a sync is always safe.

Settings come from defaults, a config file (chatlog.toml), CHATLOG_*
environment variables and flags, in increasing order of precedence.
Run 'chatlog config init' to write a starter config file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(config.LoadOptions{
			File:     configFile,
			Flags:    cmd.Flags(),
			FlagKeys: flagKeys,
		})
		if err != nil {
			return err
		}
		cfg = loaded

		closer, err := logging.Init(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		logCloser = closer
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default: ./chatlog.toml or $XDG_CONFIG_HOME/chatlog/chatlog.toml)")
	pf.String("db", "", "store location: SQLite file path or MongoDB URI")
	pf.String("driver", config.DriverSQLite, "store backend (sqlite or mongodb)")
	pf.String("database", "chatlog", "MongoDB database name")
	pf.Int("workers", 4, "windows fetched concurrently")
	pf.Duration("timeout", 0, "per-window fetch timeout (default 30s)")
	pf.Int("batch-size", 0, "records per database transaction (default 1000)")
	pf.Duration("overlap", 0, "how far before the checkpoint to resume (default 1h)")
	pf.String("earliest", "", "start date when a channel has no checkpoint (default 2019-04-23)")
	pf.String("until", "", "end of the synced range (default now)")
	pf.String("base-url", "", "remote log service URL")
	pf.String("archive-dir", "", "keep a compressed copy of every downloaded window here")
	pf.String("report-dir", "", "write a run report for every sync here")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text or json)")
	pf.String("log-file", "", "also write logs to this file, rotated by size")
}

// execute runs the command line and releases the log file. Commands return
// errors instead of exiting so their deferred cleanup always runs.
func execute(args []string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
	return err
}

func main() {
	if err := execute(os.Args[1:]); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
