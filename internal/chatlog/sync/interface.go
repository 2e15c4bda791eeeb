package sync

import (
	"context"
	"io"

	"github.com/mschirtzinger/chatlog/internal/chatlog/fetch"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
	"github.com/mschirtzinger/chatlog/internal/chatlog/window"
)

// Fetcher streams one window of raw lines from the remote log source.
//
// *fetch.Client is the production implementation. emit is called for every
// non-blank line; an error from emit aborts the fetch and is returned as is.
// If raw is non-nil the decoded body is copied to it.
type Fetcher interface {
	Fetch(ctx context.Context, ch schema.ChannelRef, w window.Window, emit fetch.LineFunc, raw io.Writer) (fetch.Stats, error)
}

// Reporter receives progress events during a run.
//
// Windows run concurrently, so WindowStarted and WindowFinished may be called
// from several goroutines at once. Implementations must be safe for concurrent
// use and should return quickly; they run on the worker's goroutine.
type Reporter interface {
	// RunStarted is called once the windows are planned, before any fetch.
	RunStarted(run *RunSummary, progress *Progress)

	// WindowStarted is called when a worker picks up a window.
	WindowStarted(channel string, w window.Window)

	// WindowFinished is called with the final summary of every window,
	// including windows skipped because the run was cancelled.
	WindowFinished(channel string, summary WindowSummary, progress ProgressSnapshot)

	// RunFinished is called once after all windows have finished.
	RunFinished(run *RunSummary)
}

// NopReporter ignores all events.
type NopReporter struct{}

func (NopReporter) RunStarted(*RunSummary, *Progress) {}
func (NopReporter) WindowStarted(string, window.Window) {}
func (NopReporter) WindowFinished(string, WindowSummary, ProgressSnapshot) {}
func (NopReporter) RunFinished(*RunSummary) {}

// MultiReporter fans events out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) RunStarted(run *RunSummary, progress *Progress) {
	for _, r := range m {
		r.RunStarted(run, progress)
	}
}

func (m MultiReporter) WindowStarted(channel string, w window.Window) {
	for _, r := range m {
		r.WindowStarted(channel, w)
	}
}

func (m MultiReporter) WindowFinished(channel string, summary WindowSummary, progress ProgressSnapshot) {
	for _, r := range m {
		r.WindowFinished(channel, summary, progress)
	}
}

func (m MultiReporter) RunFinished(run *RunSummary) {
	for _, r := range m {
		r.RunFinished(run)
	}
}
