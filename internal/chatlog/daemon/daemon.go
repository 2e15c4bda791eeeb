// Package daemon keeps channels mirrored by re-running sync on an interval.
//
// The daemon:
//  1. Syncs every configured channel on start
//  2. Repeats the cycle every Interval
//  3. Watches the config file and starts a cycle (with the new channel list)
//     as soon as it changes
//  4. Stops starting new windows on shutdown and waits for in-flight ones
//
// Cycles never overlap; a trigger that arrives during a cycle starts the next
// one as soon as it ends.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	chatsync "github.com/mschirtzinger/chatlog/internal/chatlog/sync"
)

// Runner runs one channel sync. *sync.Syncer implements it.
type Runner interface {
	Run(ctx context.Context, opts chatsync.Options) (*chatsync.RunSummary, error)
}

// LoadFunc returns the options of every channel to sync. It is called at the
// start of every cycle, so it should re-read configuration.
type LoadFunc func() ([]chatsync.Options, error)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is the time between the starts of two cycles.
	Interval time.Duration

	// DebounceInterval is how long the config file must be quiet before a
	// change triggers a cycle. This batches the several writes editors make.
	DebounceInterval time.Duration

	// ConfigFile is watched for changes. Empty disables watching.
	ConfigFile string

	// OnRun, if set, is called after every channel run.
	OnRun func(*chatsync.RunSummary)

	// Logger for daemon activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         15 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           slog.Default(),
	}
}

// Daemon re-runs channel syncs on a schedule.
type Daemon struct {
	runner Runner
	load   LoadFunc
	config *Config

	watcher    *fsnotify.Watcher
	configPath string
	changedAt  time.Time // zero when no change is pending
	changedMu  sync.Mutex

	trigger chan struct{}
	cycles  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon with DefaultConfig.
func New(runner Runner, load LoadFunc) (*Daemon, error) {
	return NewWithConfig(runner, load, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(runner Runner, load LoadFunc, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if load == nil {
		return nil, fmt.Errorf("load function cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", config.Interval)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	d := &Daemon{
		runner:  runner,
		load:    load,
		config:  config,
		trigger: make(chan struct{}, 1),
	}

	if config.ConfigFile != "" {
		path, err := filepath.Abs(config.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
		d.configPath = path
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start runs the daemon. It blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Info("starting daemon", "interval", d.config.Interval, "config", d.configPath)

	if d.watcher != nil {
		// Watch the directory: editors often replace the file instead of
		// writing it in place, which drops a watch on the file itself.
		if err := d.watcher.Add(filepath.Dir(d.configPath)); err != nil {
			d.cancel()
			_ = d.watcher.Close()
			d.watcher = nil
			return fmt.Errorf("failed to watch config directory: %w", err)
		}
		d.wg.Add(2)
		go d.watchConfigEvents()
		go d.processConfigChanges()
	}

	d.wg.Add(1)
	go d.runLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A running sync stops starting new
// windows and Stop waits for the in-flight ones.
func (d *Daemon) Stop() error {
	d.config.Logger.Info("stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Warn("error closing watcher", "error", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Info("daemon stopped", "cycles", d.cycles.Load())
	return nil
}

// Trigger requests an immediate cycle. Requests made while one is pending
// are merged.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Cycles returns the number of completed cycles.
func (d *Daemon) Cycles() int64 {
	return d.cycles.Load()
}

// runLoop runs a cycle on start, on every tick and on every trigger.
func (d *Daemon) runLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.RunCycle(d.ctx)

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.RunCycle(d.ctx)
		case <-d.trigger:
			d.RunCycle(d.ctx)
			ticker.Reset(d.config.Interval)
		}
	}
}

// RunCycle syncs every channel once, in order. A failing channel does not
// stop the others.
func (d *Daemon) RunCycle(ctx context.Context) {
	defer d.cycles.Add(1)

	jobs, err := d.load()
	if err != nil {
		d.config.Logger.Error("failed to load channels, skipping cycle", "error", err)
		return
	}

	for _, opts := range jobs {
		if ctx.Err() != nil {
			return
		}
		run, err := d.runner.Run(ctx, opts)
		if err != nil {
			d.config.Logger.Error("sync failed", "channel", opts.Channel, "error", err)
			continue
		}
		if d.config.OnRun != nil {
			d.config.OnRun(run)
		}
	}
}

// watchConfigEvents records changes to the config file.
func (d *Daemon) watchConfigEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != d.configPath {
				continue
			}

			d.config.Logger.Debug("config file event", "op", event.Op.String(), "path", event.Name)
			d.changedMu.Lock()
			d.changedAt = time.Now()
			d.changedMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Warn("watcher error", "error", err)
		}
	}
}

// processConfigChanges triggers a cycle once the config file has been quiet
// for DebounceInterval.
func (d *Daemon) processConfigChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.changedMu.Lock()
			ready := !d.changedAt.IsZero() && time.Since(d.changedAt) >= d.config.DebounceInterval
			if ready {
				d.changedAt = time.Time{}
			}
			d.changedMu.Unlock()

			if ready {
				d.config.Logger.Info("config changed, reloading")
				d.Trigger()
			}
		}
	}
}
