package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/chatlog/internal/chatlog/archive"
	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/fetch"
	"github.com/mschirtzinger/chatlog/internal/chatlog/importer"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
	"github.com/mschirtzinger/chatlog/internal/chatlog/window"
	"github.com/mschirtzinger/chatlog/internal/chatlog/writer"
)

var (
	jan2024 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	apr2024 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	jun2024 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

type logLine struct {
	ts   time.Time
	text string
}

// monthlyLog returns perMonth messages on the 10th of every month in [from, until).
func monthlyLog(from, until time.Time, perMonth int) []logLine {
	var lines []logLine
	for m := from; m.Before(until); m = m.AddDate(0, 1, 0) {
		for i := 0; i < perMonth; i++ {
			ts := m.AddDate(0, 0, 9).Add(time.Duration(i) * time.Minute)
			lines = append(lines, logLine{
				ts: ts,
				text: fmt.Sprintf(`{"id":"%s-%d","text":"hello %d","displayName":"viewer","timestamp":"%s","tags":{"user-id":"%d"}}`,
					m.Format("2006-01"), i, i, ts.Format(time.RFC3339), i),
			})
		}
	}
	return lines
}

// fakeFetcher serves a fixed log, filtered by window.
type fakeFetcher struct {
	log []logLine

	// fail, if set, returns an error for a window instead of serving it.
	fail func(w window.Window) error
	// before, if set, runs when a window fetch starts.
	before func(w window.Window)

	calls atomic.Int64
}

func (f *fakeFetcher) Fetch(ctx context.Context, ch schema.ChannelRef, w window.Window, emit fetch.LineFunc, raw io.Writer) (fetch.Stats, error) {
	f.calls.Add(1)
	if f.before != nil {
		f.before(w)
	}
	if f.fail != nil {
		if err := f.fail(w); err != nil {
			var re *fetch.RemoteError
			if errors.As(err, &re) {
				return fetch.Stats{StatusCode: re.StatusCode}, err
			}
			return fetch.Stats{}, err
		}
	}

	stats := fetch.Stats{StatusCode: http.StatusOK}
	for _, l := range f.log {
		if l.ts.Before(w.Start) || !l.ts.Before(w.End) {
			continue
		}
		stats.Lines++
		stats.Bytes += int64(len(l.text) + 1)
		if raw != nil {
			_, _ = raw.Write([]byte(l.text + "\n"))
		}
		if err := emit([]byte(l.text)); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func setupSyncer(t *testing.T, f Fetcher, cfg Config) (*Syncer, *db.DB) {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	s, err := NewWithConfig(store, f, writer.New(store, 7, nil), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	return s, store
}

func statuses(run *RunSummary) []Status {
	out := make([]Status, len(run.Windows))
	for i, w := range run.Windows {
		out[i] = w.Status
	}
	return out
}

func countRecords(t *testing.T, store *db.DB, channelID int64) int64 {
	t.Helper()
	n, err := store.CountRecords(context.Background(), channelID)
	if err != nil {
		t.Fatalf("CountRecords() failed: %v", err)
	}
	return n
}

func TestRun_Idempotent(t *testing.T) {
	f := &fakeFetcher{log: monthlyLog(jan2024, apr2024, 10)}
	s, store := setupSyncer(t, f, Config{})
	ctx := context.Background()
	opts := Options{Channel: "xQc", Earliest: jan2024, Until: apr2024, Overlap: time.Hour}

	first, err := s.Run(ctx, opts)
	if err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	if !first.Success || first.Inserted != 30 || len(first.Windows) != 3 {
		t.Fatalf("unexpected first run: success=%v inserted=%d windows=%d", first.Success, first.Inserted, len(first.Windows))
	}
	wantCP := time.Date(2024, 3, 10, 0, 9, 0, 0, time.UTC)
	if first.Checkpoint == nil || !first.Checkpoint.Equal(wantCP) {
		t.Fatalf("checkpoint = %v, want %v", first.Checkpoint, wantCP)
	}
	if first.RunID == "" {
		t.Error("run id not set")
	}

	second, err := s.Run(ctx, opts)
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if !second.ResumeFrom.Equal(wantCP.Add(-time.Hour)) {
		t.Errorf("second run resumed from %v", second.ResumeFrom)
	}
	if second.Inserted != 0 {
		t.Errorf("second run inserted %d records", second.Inserted)
	}
	if second.Parsed == 0 {
		t.Error("second run should refetch the overlap")
	}
	if n := countRecords(t, store, first.ChannelID); n != 30 {
		t.Errorf("stored %d records, want 30", n)
	}
	if second.Checkpoint == nil || !second.Checkpoint.Equal(wantCP) {
		t.Errorf("checkpoint moved to %v", second.Checkpoint)
	}
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var broken atomic.Bool
	broken.Store(true)

	f := &fakeFetcher{
		log: monthlyLog(jan2024, jun2024, 10),
		fail: func(w window.Window) error {
			if broken.Load() && w.Start.Equal(mar) {
				return fmt.Errorf("%w: context deadline exceeded", fetch.ErrTimeout)
			}
			return nil
		},
	}
	s, store := setupSyncer(t, f, Config{Workers: 2})
	ctx := context.Background()
	opts := Options{Channel: "xqc", Earliest: jan2024, Until: jun2024, Overlap: time.Hour, ReplayFailed: true}

	run, err := s.Run(ctx, opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := []Status{StatusOK, StatusOK, StatusTimeout, StatusOK, StatusOK}
	if diff := cmp.Diff(want, statuses(run)); diff != "" {
		t.Errorf("window statuses mismatch (-want +got):\n%s", diff)
	}
	if run.Success || run.Failed != 1 || run.Inserted != 40 {
		t.Errorf("unexpected run totals: success=%v failed=%d inserted=%d", run.Success, run.Failed, run.Inserted)
	}
	if run.Windows[2].Error == "" {
		t.Error("failed window should carry an error")
	}

	pending, err := store.PendingWindows(ctx, run.ChannelID)
	if err != nil {
		t.Fatalf("PendingWindows() failed: %v", err)
	}
	if len(pending) != 1 || !pending[0].WindowStart.Equal(mar) || pending[0].Status != string(StatusTimeout) {
		t.Fatalf("unexpected failure ledger: %+v", pending)
	}

	// The checkpoint is past March, but the ledger brings it back.
	broken.Store(false)
	replay, err := s.Run(ctx, opts)
	if err != nil {
		t.Fatalf("replay Run() failed: %v", err)
	}
	if !replay.Success {
		t.Errorf("replay run failed: %v", statuses(replay))
	}

	var replayed *WindowSummary
	for i := range replay.Windows {
		if replay.Windows[i].Replayed {
			replayed = &replay.Windows[i]
		}
	}
	if replayed == nil || !replayed.Start.Equal(mar) || replayed.Inserted != 10 {
		t.Fatalf("March was not replayed: %+v", replay.Windows)
	}

	pending, _ = store.PendingWindows(ctx, run.ChannelID)
	if len(pending) != 0 {
		t.Errorf("ledger not cleared: %+v", pending)
	}
	if n := countRecords(t, store, run.ChannelID); n != 50 {
		t.Errorf("stored %d records, want 50", n)
	}
}

func TestRun_MalformedLinesAreSkipped(t *testing.T) {
	log := monthlyLog(jan2024, jan2024.AddDate(0, 1, 0), 97)
	bad := []string{`{"id": "x", "text": `, `not json`, `[1,2,3]`}
	for i, b := range bad {
		log = append(log, logLine{ts: jan2024.Add(time.Duration(i) * time.Hour), text: b})
	}

	f := &fakeFetcher{log: log}
	s, store := setupSyncer(t, f, Config{})

	run, err := s.Run(context.Background(), Options{Channel: "xqc", Earliest: jan2024, Until: jan2024.AddDate(0, 1, 0)})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	w := run.Windows[0]
	if w.Status != StatusOK || w.Lines != 100 || w.Parsed != 97 || w.ParseErrors != 3 || w.Inserted != 97 {
		t.Errorf("unexpected window summary: %+v", w)
	}
	if n := countRecords(t, store, run.ChannelID); n != 97 {
		t.Errorf("stored %d records, want 97", n)
	}
}

func TestRun_EmptyWindow(t *testing.T) {
	s, store := setupSyncer(t, &fakeFetcher{}, Config{})
	ctx := context.Background()

	run, err := s.Run(ctx, Options{Channel: "xqc", Earliest: jan2024, Until: jan2024.AddDate(0, 1, 0)})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !run.Success || run.Windows[0].Status != StatusOK || run.Inserted != 0 {
		t.Errorf("empty window should succeed: %+v", run.Windows[0])
	}
	if run.Checkpoint != nil {
		t.Errorf("checkpoint created without records: %v", run.Checkpoint)
	}

	ch, err := store.GetChannel(ctx, "xqc")
	if err != nil {
		t.Fatalf("GetChannel() failed: %v", err)
	}
	if ch.LastActivity == nil {
		t.Error("bookkeeping not advanced for empty window")
	}
}

func TestRun_CancelSkipsUnstartedWindows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{log: monthlyLog(jan2024, apr2024, 5)}
	f.before = func(w window.Window) {
		if w.Start.Equal(jan2024) {
			cancel()
		}
	}
	s, store := setupSyncer(t, f, Config{Workers: 1})

	run, err := s.Run(ctx, Options{Channel: "xqc", Earliest: jan2024, Until: apr2024})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := []Status{StatusOK, StatusSkipped, StatusSkipped}
	if diff := cmp.Diff(want, statuses(run)); diff != "" {
		t.Errorf("window statuses mismatch (-want +got):\n%s", diff)
	}
	if !run.Cancelled || run.Success || run.Skipped != 2 {
		t.Errorf("unexpected run flags: cancelled=%v success=%v skipped=%d", run.Cancelled, run.Success, run.Skipped)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetched %d windows after cancel, want 1", got)
	}

	// The in-flight window completed and moved the checkpoint.
	if n := countRecords(t, store, run.ChannelID); n != 5 {
		t.Errorf("stored %d records, want 5", n)
	}
	if run.Checkpoint == nil || run.Checkpoint.Month() != time.January {
		t.Errorf("unexpected checkpoint %v", run.Checkpoint)
	}

	// Skipped windows are not failures.
	pending, _ := store.PendingWindows(context.Background(), run.ChannelID)
	if len(pending) != 0 {
		t.Errorf("skipped windows recorded as failures: %+v", pending)
	}
}

func TestRun_ForceResync(t *testing.T) {
	f := &fakeFetcher{log: monthlyLog(jan2024, apr2024, 4)}
	s, store := setupSyncer(t, f, Config{})
	ctx := context.Background()
	opts := Options{Channel: "xqc", Earliest: jan2024, Until: apr2024, Overlap: time.Hour}

	if _, err := s.Run(ctx, opts); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	opts.ForceResync = true
	run, err := s.Run(ctx, opts)
	if err != nil {
		t.Fatalf("forced Run() failed: %v", err)
	}
	if !run.ResumeFrom.Equal(jan2024) || len(run.Windows) != 3 {
		t.Errorf("forced resync should replan from earliest: from=%v windows=%d", run.ResumeFrom, len(run.Windows))
	}
	if run.Inserted != 0 || run.Parsed != 12 {
		t.Errorf("unexpected forced totals: inserted=%d parsed=%d", run.Inserted, run.Parsed)
	}
	if n := countRecords(t, store, run.ChannelID); n != 12 {
		t.Errorf("stored %d records, want 12", n)
	}
	if run.Checkpoint == nil {
		t.Error("checkpoint not rebuilt")
	}
}

// An import of a later month must not make sync skip the months before it.
func TestRun_AfterImportFillsEarlierMonths(t *testing.T) {
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	log := monthlyLog(jan2024, apr2024, 10)
	f := &fakeFetcher{log: log}
	s, store := setupSyncer(t, f, Config{})
	ctx := context.Background()

	var dump strings.Builder
	for _, l := range log {
		if !l.ts.Before(mar) {
			dump.WriteString(l.text + "\n")
		}
	}
	path := filepath.Join(t.TempDir(), "2024-03.ndjson")
	if err := os.WriteFile(path, []byte(dump.String()), 0644); err != nil {
		t.Fatalf("failed to write import file: %v", err)
	}
	im := importer.New(store, writer.New(store, 7, nil), nil)
	imported, err := im.Import(ctx, importer.Options{Channel: "xqc", Paths: []string{path}})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if imported.Inserted != 10 {
		t.Fatalf("Import() inserted %d records, want 10", imported.Inserted)
	}

	run, err := s.Run(ctx, Options{Channel: "xqc", Earliest: jan2024, Until: apr2024, Overlap: time.Hour})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !run.ResumeFrom.Equal(jan2024) || len(run.Windows) != 3 {
		t.Fatalf("sync resumed from %v with %d windows, want %v and 3", run.ResumeFrom, len(run.Windows), jan2024)
	}
	if run.Inserted != 20 {
		t.Errorf("sync inserted %d records, want 20", run.Inserted)
	}
	if n := countRecords(t, store, run.ChannelID); n != 30 {
		t.Errorf("stored %d records, want 30", n)
	}

	cp, err := store.Checkpoint(ctx, run.ChannelID)
	if err != nil || cp == nil {
		t.Fatalf("Checkpoint() = %v, %v", cp, err)
	}
	if want := time.Date(2024, 3, 10, 0, 9, 0, 0, time.UTC); !cp.LastIndexedTimestamp.Equal(want) {
		t.Errorf("checkpoint = %v, want %v", cp.LastIndexedTimestamp, want)
	}
	if cp.TotalMessagesIndexed != 30 {
		t.Errorf("total indexed = %d, want 30", cp.TotalMessagesIndexed)
	}
}

func TestRun_RemoteErrorKeepsStatusCode(t *testing.T) {
	f := &fakeFetcher{
		fail: func(window.Window) error {
			return &fetch.RemoteError{StatusCode: http.StatusServiceUnavailable, Body: "upstream down"}
		},
	}
	s, _ := setupSyncer(t, f, Config{})

	run, err := s.Run(context.Background(), Options{Channel: "xqc", Earliest: jan2024, Until: jan2024.AddDate(0, 1, 0)})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	w := run.Windows[0]
	if w.Status != StatusRemoteError || w.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("unexpected window summary: %+v", w)
	}
	if !strings.Contains(w.Error, "upstream down") {
		t.Errorf("error excerpt missing body: %q", w.Error)
	}
}

func TestRun_InvalidOptions(t *testing.T) {
	s, _ := setupSyncer(t, &fakeFetcher{}, Config{})

	tests := []struct {
		name string
		opts Options
	}{
		{"empty channel", Options{}},
		{"bad channel", Options{Channel: "no spaces allowed"}},
		{"bad type", Options{Channel: "xqc", ChannelType: "user"}},
		{"negative overlap", Options{Channel: "xqc", Overlap: -time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Run(context.Background(), tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{fmt.Errorf("%w: slow", fetch.ErrTimeout), StatusTimeout},
		{&fetch.RemoteError{StatusCode: 500}, StatusRemoteError},
		{&fetch.TransportError{Err: errors.New("connection refused")}, StatusTransportError},
		{&writer.PersistenceError{Op: "insert", Err: errors.New("disk full")}, StatusPersistenceError},
		{errors.New("unknown"), StatusTransportError},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestNewWithConfig_Validation(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "v.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	if _, err := NewWithConfig(store, &fakeFetcher{}, nil, Config{Workers: 0}); err == nil {
		t.Error("expected zero workers to fail")
	}
	if _, err := NewWithConfig(nil, &fakeFetcher{}, nil, DefaultConfig()); err == nil {
		t.Error("expected nil store to fail")
	}
	if _, err := NewWithConfig(store, nil, nil, DefaultConfig()); err == nil {
		t.Error("expected nil fetcher to fail")
	}
}

// recordingReporter counts events.
type recordingReporter struct {
	started, finished atomic.Int64
	runs              atomic.Int64
	last              atomic.Pointer[ProgressSnapshot]
}

func (r *recordingReporter) RunStarted(*RunSummary, *Progress) {}
func (r *recordingReporter) WindowStarted(string, window.Window) { r.started.Add(1) }
func (r *recordingReporter) WindowFinished(_ string, _ WindowSummary, p ProgressSnapshot) {
	r.finished.Add(1)
	r.last.Store(&p)
}
func (r *recordingReporter) RunFinished(*RunSummary) { r.runs.Add(1) }

func TestRun_HTTPEndToEndWithArchive(t *testing.T) {
	log := monthlyLog(jan2024, apr2024, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from, _ := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		to, _ := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
		for _, l := range log {
			if !l.ts.Before(from) && !l.ts.After(to) {
				fmt.Fprintln(w, l.text)
			}
		}
	}))
	defer srv.Close()

	arc, err := archive.New(t.TempDir(), archive.CodecZstd)
	if err != nil {
		t.Fatalf("archive.New() failed: %v", err)
	}
	rep := &recordingReporter{}
	s, store := setupSyncer(t, fetch.New(srv.URL, fetch.WithTimeout(5*time.Second)), Config{
		Workers:  2,
		Archive:  arc,
		Reporter: MultiReporter{NopReporter{}, rep},
	})

	run, err := s.Run(context.Background(), Options{Channel: "xqc", Earliest: jan2024, Until: apr2024})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !run.Success || run.Inserted != 9 {
		t.Fatalf("unexpected run: success=%v inserted=%d windows=%+v", run.Success, run.Inserted, run.Windows)
	}
	if n := countRecords(t, store, run.ChannelID); n != 9 {
		t.Errorf("stored %d records, want 9", n)
	}

	for _, w := range run.Windows {
		if w.HTTPStatus != http.StatusOK || w.Bytes == 0 {
			t.Errorf("window %s: status=%d bytes=%d", w.Label, w.HTTPStatus, w.Bytes)
		}
		if w.Archive == "" {
			t.Errorf("window %s not archived", w.Label)
			continue
		}
		if _, err := os.Stat(w.Archive); err != nil {
			t.Errorf("archive %s missing: %v", w.Archive, err)
		}
	}

	if rep.started.Load() != 3 || rep.finished.Load() != 3 || rep.runs.Load() != 1 {
		t.Errorf("reporter events: started=%d finished=%d runs=%d", rep.started.Load(), rep.finished.Load(), rep.runs.Load())
	}
	if last := rep.last.Load(); last == nil || last.WindowsTotal != 3 {
		t.Errorf("unexpected progress snapshot %+v", last)
	}
}
