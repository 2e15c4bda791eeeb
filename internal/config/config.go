// Package config loads chatlog settings from defaults, a config file,
// CHATLOG_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/chatlog/internal/chatlog/archive"
	"github.com/mschirtzinger/chatlog/internal/chatlog/fetch"
	"github.com/mschirtzinger/chatlog/internal/chatlog/report"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
	"github.com/mschirtzinger/chatlog/internal/chatlog/sync"
	"github.com/mschirtzinger/chatlog/internal/chatlog/writer"
)

// EnvPrefix is the prefix of environment overrides (CHATLOG_STORE_DSN, ...).
const EnvPrefix = "CHATLOG"

// DefaultFileName is the config file name searched for without an extension.
const DefaultFileName = "chatlog"

// Store backends.
const (
	DriverSQLite  = "sqlite"
	DriverMongoDB = "mongodb"
)

// Config holds every chatlog setting.
type Config struct {
	Channels     []string      `mapstructure:"channels"`
	ChannelType  string        `mapstructure:"channel_type"`
	Earliest     string        `mapstructure:"earliest"`
	Until        string        `mapstructure:"until"`
	Workers      int           `mapstructure:"workers"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	Overlap      time.Duration `mapstructure:"overlap"`
	ReplayFailed bool          `mapstructure:"replay_failed"`
	BaseURL      string        `mapstructure:"base_url"`

	Store     StoreConfig     `mapstructure:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Log       LogConfig       `mapstructure:"log"`
	Report    ReportConfig    `mapstructure:"report"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"` // MongoDB only
}

type ArchiveConfig struct {
	Dir   string `mapstructure:"dir"` // empty disables archiving
	Codec string `mapstructure:"codec"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type ReportConfig struct {
	Dir    string `mapstructure:"dir"` // empty disables report files
	Format string `mapstructure:"format"`
}

type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

type DaemonConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("channels", []string{})
	v.SetDefault("channel_type", schema.ChannelTypeName)
	v.SetDefault("earliest", sync.DefaultEarliest.Format("2006-01-02"))
	v.SetDefault("until", "")
	v.SetDefault("workers", sync.DefaultWorkers)
	v.SetDefault("timeout", fetch.DefaultTimeout)
	v.SetDefault("batch_size", writer.DefaultBatchSize)
	v.SetDefault("overlap", sync.DefaultOverlap)
	v.SetDefault("replay_failed", true)
	v.SetDefault("base_url", fetch.DefaultBaseURL)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.database", "chatlog")

	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.codec", archive.CodecZstd)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("report.dir", "")
	v.SetDefault("report.format", report.FormatJSON)

	v.SetDefault("dashboard.addr", "127.0.0.1:8787")
	v.SetDefault("daemon.interval", 15*time.Minute)
}

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// File is an explicit config file. When empty, chatlog.{toml,yaml,json}
	// is searched in the working directory and $XDG_CONFIG_HOME/chatlog.
	File string

	// Flags are bound by FlagKeys: flag name -> config key.
	Flags    *pflag.FlagSet
	FlagKeys map[string]string
}

// Load reads the configuration. A missing config file is not an error unless
// it was named explicitly. Load does not validate; call Validate.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(DefaultFileName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "chatlog"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range opts.FlagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	// CHATLOG_CHANNELS="a,b" arrives as a single string.
	if len(cfg.Channels) == 1 && strings.Contains(cfg.Channels[0], ",") {
		cfg.Channels = strings.Split(cfg.Channels[0], ",")
	}
	for i, ch := range cfg.Channels {
		cfg.Channels[i] = schema.NormalizeChannelName(ch)
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges. Sync-only settings such
// as the channel list are checked by ValidateSync.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverSQLite, DriverMongoDB:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q (got %q)", DriverSQLite, DriverMongoDB, c.Store.Driver))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive (got %d)", c.Workers))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive (got %d)", c.BatchSize))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive (got %s)", c.Timeout))
	}
	if c.Overlap < 0 {
		errs = append(errs, fmt.Errorf("overlap must not be negative (got %s)", c.Overlap))
	}
	if _, err := archive.Extension(c.Archive.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := report.ParseFormat(c.Report.Format); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format))
	}
	if c.Daemon.Interval < time.Minute {
		errs = append(errs, fmt.Errorf("daemon.interval must be at least 1m (got %s)", c.Daemon.Interval))
	}
	if _, err := ParseDate(c.Earliest, time.Now()); err != nil {
		errs = append(errs, fmt.Errorf("earliest: %w", err))
	}
	if c.Until != "" {
		if _, err := ParseDate(c.Until, time.Now()); err != nil {
			errs = append(errs, fmt.Errorf("until: %w", err))
		}
	}

	return errors.Join(errs...)
}

// ValidateSync runs Validate and also checks the channel list.
func (c *Config) ValidateSync() error {
	errs := []error{c.Validate()}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("at least one channel is required"))
	}
	for _, ch := range c.Channels {
		if err := schema.ValidateChannel(ch, c.ChannelType); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EarliestTime resolves Earliest relative to now.
func (c *Config) EarliestTime(now time.Time) (time.Time, error) {
	return ParseDate(c.Earliest, now)
}

// UntilTime resolves Until relative to now; an empty value yields zero (now).
func (c *Config) UntilTime(now time.Time) (time.Time, error) {
	if strings.TrimSpace(c.Until) == "" {
		return time.Time{}, nil
	}
	return ParseDate(c.Until, now)
}

// SyncOptions builds run options for one channel.
func (c *Config) SyncOptions(channel string, force bool, now time.Time) (sync.Options, error) {
	earliest, err := c.EarliestTime(now)
	if err != nil {
		return sync.Options{}, err
	}
	until, err := c.UntilTime(now)
	if err != nil {
		return sync.Options{}, err
	}
	return sync.Options{
		Channel:      channel,
		ChannelType:  c.ChannelType,
		Earliest:     earliest,
		Until:        until,
		Overlap:      c.Overlap,
		ForceResync:  force,
		ReplayFailed: c.ReplayFailed,
	}, nil
}

// tomlDoc is the file form of Config. Durations are written as strings so
// the file stays readable and round-trips through viper.
func (c *Config) tomlDoc() map[string]any {
	return map[string]any{
		"channels":      c.Channels,
		"channel_type":  c.ChannelType,
		"earliest":      c.Earliest,
		"until":         c.Until,
		"workers":       c.Workers,
		"timeout":       c.Timeout.String(),
		"batch_size":    c.BatchSize,
		"overlap":       c.Overlap.String(),
		"replay_failed": c.ReplayFailed,
		"base_url":      c.BaseURL,
		"store": map[string]any{
			"driver":   c.Store.Driver,
			"dsn":      c.Store.DSN,
			"database": c.Store.Database,
		},
		"archive": map[string]any{
			"dir":   c.Archive.Dir,
			"codec": c.Archive.Codec,
		},
		"log": map[string]any{
			"level":        c.Log.Level,
			"format":       c.Log.Format,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
		"report": map[string]any{
			"dir":    c.Report.Dir,
			"format": c.Report.Format,
		},
		"dashboard": map[string]any{
			"addr": c.Dashboard.Addr,
		},
		"daemon": map[string]any{
			"interval": c.Daemon.Interval.String(),
		},
	}
}

// EncodeTOML writes c as a TOML document.
func (c *Config) EncodeTOML(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c.tomlDoc()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteFile writes c to path as TOML. An existing file is only replaced when
// overwrite is set.
func (c *Config) WriteFile(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := c.EncodeTOML(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
