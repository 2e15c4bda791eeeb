package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/chatlog/internal/chatlog/archive"
	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/fetch"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
	"github.com/mschirtzinger/chatlog/internal/chatlog/window"
	"github.com/mschirtzinger/chatlog/internal/chatlog/writer"
)

const (
	// DefaultWorkers is the number of windows fetched concurrently.
	DefaultWorkers = 4

	// DefaultOverlap is subtracted from the checkpoint when resuming.
	DefaultOverlap = time.Hour

	errExcerptLen = 200
)

// DefaultEarliest is the first day the remote source has logs for.
var DefaultEarliest = time.Date(2019, 4, 23, 0, 0, 0, 0, time.UTC)

// Config holds Syncer settings that do not change between runs.
type Config struct {
	// Workers bounds the number of windows in flight (and so the number of
	// concurrent remote requests).
	Workers int

	// Archive, if set, receives a compressed copy of every window body.
	Archive *archive.Archive

	// Reporter receives progress events. Defaults to NopReporter.
	Reporter Reporter

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default Syncer configuration.
func DefaultConfig() Config {
	return Config{Workers: DefaultWorkers}
}

// Options selects what a single run synchronizes.
type Options struct {
	Channel     string
	ChannelType string // schema.ChannelTypeName (default) or schema.ChannelTypeID

	// Earliest is the floor below which no window is planned.
	// Defaults to DefaultEarliest.
	Earliest time.Time

	// Until is the exclusive upper bound of the plan. Defaults to now.
	Until time.Time

	// Overlap is subtracted from the checkpoint when resuming.
	Overlap time.Duration

	// ForceResync discards the checkpoint and failure ledger first.
	ForceResync bool

	// ReplayFailed adds windows from the failure ledger to the plan.
	ReplayFailed bool
}

func (o Options) normalize() (Options, error) {
	o.Channel = strings.TrimSpace(o.Channel)
	if o.ChannelType == "" {
		o.ChannelType = schema.ChannelTypeName
	}
	if err := schema.ValidateChannel(schema.NormalizeChannelName(o.Channel), o.ChannelType); err != nil {
		return o, err
	}
	if o.Earliest.IsZero() {
		o.Earliest = DefaultEarliest
	}
	if o.Overlap < 0 {
		return o, fmt.Errorf("overlap must not be negative (got %s)", o.Overlap)
	}
	return o, nil
}

// Syncer mirrors remote channel logs into a store.
//
// A Syncer can be reused for any number of runs and channels; all per-run
// state lives in the RunSummary and Progress created by Run.
type Syncer struct {
	store    db.Store
	fetcher  Fetcher
	writer   *writer.Writer
	cfg      Config
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Syncer with DefaultConfig.
//
// Example:
//
//	store, err := db.Open("data/chatlog.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if err := store.InitSchema(); err != nil {
//	    return err
//	}
//	s := sync.New(store, fetch.New(""), writer.New(store, 0, nil))
//	summary, err := s.Run(ctx, sync.Options{Channel: "xqc", Overlap: time.Hour})
func New(store db.Store, fetcher Fetcher, w *writer.Writer) *Syncer {
	s, _ := NewWithConfig(store, fetcher, w, DefaultConfig())
	return s
}

// NewWithConfig creates a Syncer with custom configuration.
func NewWithConfig(store db.Store, fetcher Fetcher, w *writer.Writer, cfg Config) (*Syncer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if w == nil {
		w = writer.New(store, 0, cfg.Logger)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive (got %d)", cfg.Workers)
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NopReporter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Syncer{
		store:    store,
		fetcher:  fetcher,
		writer:   w,
		cfg:      cfg,
		reporter: cfg.Reporter,
		logger:   cfg.Logger,
		now:      time.Now,
	}, nil
}

// Run synchronizes one channel.
//
// Per-window failures do not make Run return an error: they are reported in
// the summary (Success is false) and recorded in the failure ledger for the
// next run. Run returns an error only when the run cannot start at all.
//
// Cancelling ctx stops new windows from starting. Windows already in flight
// finish under their own timeout; the rest are reported as skipped.
func (s *Syncer) Run(ctx context.Context, opts Options) (*RunSummary, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, fmt.Errorf("invalid sync options: %w", err)
	}

	ch, err := s.store.EnsureChannel(ctx, opts.Channel, opts.ChannelType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel: %w", err)
	}

	if opts.ForceResync {
		s.logger.Warn("forced resync: discarding checkpoint", "channel", ch.Name)
		if err := s.store.ResetCheckpoint(ctx, ch.ID); err != nil {
			return nil, fmt.Errorf("failed to reset checkpoint: %w", err)
		}
	}

	resume, err := db.ResumeFrom(ctx, s.store, ch.ID, opts.Earliest, opts.Overlap)
	if err != nil {
		return nil, fmt.Errorf("failed to compute resume point: %w", err)
	}

	until := opts.Until
	if until.IsZero() {
		until = s.now().UTC()
	}

	// The overlap is already part of the resume point.
	planned := window.Plan(resume, until, 0)

	var pending []schema.WindowFailure
	if opts.ReplayFailed {
		pending, err = s.store.PendingWindows(ctx, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load failed windows: %w", err)
		}
		extra := make([]window.Window, 0, len(pending))
		for _, f := range pending {
			extra = append(extra, window.Window{Start: f.WindowStart, End: f.WindowEnd})
		}
		planned = window.Merge(planned, extra)
	}

	run := &RunSummary{
		RunID:       uuid.NewString(),
		Channel:     ch.Name,
		ChannelID:   ch.ID,
		StartedAt:   s.now(),
		ResumeFrom:  resume,
		Until:       until,
		ForceResync: opts.ForceResync,
		Windows:     make([]WindowSummary, len(planned)),
	}
	progress := &Progress{}
	progress.WindowsTotal.Store(int64(len(planned)))

	s.logger.Info("sync started",
		"run_id", run.RunID,
		"channel", ch.Name,
		"resume_from", resume,
		"until", until,
		"windows", len(planned),
		"replayed", len(pending),
		"workers", s.cfg.Workers)
	s.reporter.RunStarted(run, progress)

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for i, w := range planned {
		if ctx.Err() != nil {
			s.finish(run, progress, i, skipped(w))
			continue
		}
		g.Go(func() error {
			// Cancellation may have happened while waiting for a free worker.
			if ctx.Err() != nil {
				s.finish(run, progress, i, skipped(w))
				return nil
			}
			// In-flight windows are not interrupted by run cancellation; the
			// fetch timeout still bounds them.
			sum := s.runWindow(context.WithoutCancel(ctx), ch, w, progress, pending)
			s.finish(run, progress, i, sum)
			return nil
		})
	}
	_ = g.Wait()

	bg := context.WithoutCancel(ctx)
	if cp, err := s.store.Checkpoint(bg, ch.ID); err != nil {
		s.logger.Warn("failed to read final checkpoint", "channel", ch.Name, "error", err)
	} else if cp != nil && !cp.LastIndexedTimestamp.IsZero() {
		t := cp.LastIndexedTimestamp
		run.Checkpoint = &t
	}

	run.Cancelled = ctx.Err() != nil
	run.FinishedAt = s.now()
	run.tally()

	s.logger.Info("sync finished",
		"run_id", run.RunID,
		"channel", ch.Name,
		"inserted", run.Inserted,
		"failed", run.Failed,
		"skipped", run.Skipped,
		"parse_errors", run.ParseErrors,
		"elapsed", run.Elapsed().Round(time.Millisecond),
		"success", run.Success)
	s.reporter.RunFinished(run)

	return run, nil
}

// finish stores a window summary and publishes it.
func (s *Syncer) finish(run *RunSummary, progress *Progress, i int, sum WindowSummary) {
	run.Windows[i] = sum
	switch {
	case sum.Status == StatusOK:
		progress.WindowsDone.Add(1)
	case sum.Status.Failed():
		progress.WindowsDone.Add(1)
		progress.WindowsFailed.Add(1)
	}
	s.reporter.WindowFinished(run.Channel, sum, progress.Snapshot())
}

func skipped(w window.Window) WindowSummary {
	return WindowSummary{Label: w.Label(), Start: w.Start, End: w.End, Status: StatusSkipped}
}

// runWindow fetches, parses and commits one window end to end.
func (s *Syncer) runWindow(ctx context.Context, ch *schema.Channel, w window.Window, progress *Progress, pending []schema.WindowFailure) WindowSummary {
	started := s.now()
	sum := WindowSummary{Label: w.Label(), Start: w.Start, End: w.End}
	for _, f := range pending {
		if f.WindowStart.Equal(w.Start) && f.WindowEnd.Equal(w.End) {
			sum.Replayed = true
			break
		}
	}

	s.reporter.WindowStarted(ch.Name, w)
	progress.InFlight.Add(1)
	defer progress.InFlight.Add(-1)

	batch := s.writer.Begin(ch.ID)
	batch.OnFlush = func(inserted, _ int) {
		progress.Inserted.Add(int64(inserted))
	}

	emit := func(line []byte) error {
		progress.Lines.Add(1)
		rec, err := schema.ParseRecord(line)
		if err != nil {
			sum.ParseErrors++
			progress.ParseErrors.Add(1)
			s.logger.Debug("skipping malformed record", "channel", ch.Name, "window", sum.Label, "error", err)
			return nil
		}
		sum.Parsed++
		return batch.Add(ctx, rec)
	}

	var raw *archive.File
	var rawWriter io.Writer
	if s.cfg.Archive != nil {
		f, err := s.cfg.Archive.Create(ch.Name, w)
		if err != nil {
			s.logger.Warn("archiving disabled for window", "channel", ch.Name, "window", sum.Label, "error", err)
		} else {
			raw, rawWriter = f, f
		}
	}

	stats, err := s.fetcher.Fetch(ctx, ch.Ref(), w, emit, rawWriter)
	sum.Bytes = stats.Bytes
	sum.Lines = stats.Lines
	sum.HTTPStatus = stats.StatusCode
	progress.Bytes.Add(stats.Bytes)
	if stats.MalformedBody {
		sum.ParseErrors++
		progress.ParseErrors.Add(1)
	}

	var res writer.Result
	if err == nil {
		res, err = batch.Finish(ctx)
	} else {
		res = batch.Abort(ctx)
	}
	sum.Inserted = res.Inserted
	sum.Elapsed = s.now().Sub(started)

	if err != nil {
		sum.Status = classify(err)
		sum.Error = excerpt(err.Error())
		if raw != nil {
			_ = raw.Abort()
		}
		if lerr := s.store.RecordWindowFailure(ctx, schema.WindowFailure{
			ChannelID:   ch.ID,
			WindowStart: w.Start,
			WindowEnd:   w.End,
			Status:      string(sum.Status),
			Error:       sum.Error,
		}); lerr != nil {
			s.logger.Warn("failed to record window failure", "channel", ch.Name, "window", sum.Label, "error", lerr)
		}
		s.logger.Warn("window failed",
			"channel", ch.Name,
			"window", sum.Label,
			"status", sum.Status,
			"http_status", sum.HTTPStatus,
			"inserted", sum.Inserted,
			"error", err)
		return sum
	}

	sum.Status = StatusOK
	if !res.MaxTimestamp.IsZero() {
		t := res.MaxTimestamp
		sum.MaxTimestamp = &t
	}
	if raw != nil {
		if err := raw.Commit(); err != nil {
			s.logger.Warn("failed to write archive", "channel", ch.Name, "window", sum.Label, "error", err)
		} else {
			sum.Archive = raw.Path()
		}
	}
	s.clearFailures(ctx, ch, w, pending)

	s.logger.Info("window finished",
		"channel", ch.Name,
		"window", sum.Label,
		"bytes", sum.Bytes,
		"parsed", sum.Parsed,
		"parse_errors", sum.ParseErrors,
		"inserted", sum.Inserted,
		"elapsed", sum.Elapsed.Round(time.Millisecond))
	return sum
}

// clearFailures removes ledger entries that a successful window covered.
func (s *Syncer) clearFailures(ctx context.Context, ch *schema.Channel, w window.Window, pending []schema.WindowFailure) {
	starts := []time.Time{w.Start}
	for _, f := range pending {
		fw := window.Window{Start: f.WindowStart, End: f.WindowEnd}
		if w.Contains(fw) && !f.WindowStart.Equal(w.Start) {
			starts = append(starts, f.WindowStart)
		}
	}
	for _, start := range starts {
		if err := s.store.ClearWindowFailure(ctx, ch.ID, start); err != nil {
			s.logger.Warn("failed to clear window failure", "channel", ch.Name, "window", w.Label(), "error", err)
		}
	}
}

// classify maps a window error onto its Status.
func classify(err error) Status {
	var re *fetch.RemoteError
	switch {
	case writer.IsPersistenceError(err):
		return StatusPersistenceError
	case errors.Is(err, fetch.ErrTimeout):
		return StatusTimeout
	case errors.As(err, &re):
		return StatusRemoteError
	default:
		return StatusTransportError
	}
}

func excerpt(s string) string {
	if len(s) <= errExcerptLen {
		return s
	}
	return s[:errExcerptLen] + "..."
}
