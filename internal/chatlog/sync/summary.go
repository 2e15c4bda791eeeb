package sync

import (
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/chatlog/internal/chatlog/window"
)

// Status is the final state of one window.
type Status string

const (
	StatusOK               Status = "ok"
	StatusRemoteError      Status = "remote_error"
	StatusTimeout          Status = "timeout"
	StatusTransportError   Status = "transport_error"
	StatusPersistenceError Status = "persistence_error"
	StatusSkipped          Status = "skipped"
)

// Failed reports whether the status should be recorded in the failure ledger.
func (s Status) Failed() bool {
	switch s {
	case StatusOK, StatusSkipped:
		return false
	default:
		return true
	}
}

// WindowSummary describes what happened to one window.
type WindowSummary struct {
	Label        string        `json:"label" yaml:"label"`
	Start        time.Time     `json:"start" yaml:"start"`
	End          time.Time     `json:"end" yaml:"end"`
	Status       Status        `json:"status" yaml:"status"`
	HTTPStatus   int           `json:"http_status,omitempty" yaml:"http_status,omitempty"`
	Bytes        int64         `json:"bytes" yaml:"bytes"`
	Lines        int           `json:"lines" yaml:"lines"`
	Parsed       int           `json:"parsed" yaml:"parsed"`
	ParseErrors  int           `json:"parse_errors" yaml:"parse_errors"`
	Inserted     int           `json:"inserted" yaml:"inserted"`
	MaxTimestamp *time.Time    `json:"max_timestamp,omitempty" yaml:"max_timestamp,omitempty"`
	Elapsed      time.Duration `json:"elapsed_ns" yaml:"elapsed"`
	Error        string        `json:"error,omitempty" yaml:"error,omitempty"`
	// Replayed is set for windows re-planned from the failure ledger.
	Replayed bool   `json:"replayed,omitempty" yaml:"replayed,omitempty"`
	Archive  string `json:"archive,omitempty" yaml:"archive,omitempty"`
}

// Window returns the time range of the summary.
func (s *WindowSummary) Window() window.Window {
	return window.Window{Start: s.Start, End: s.End}
}

// RunSummary describes one sync run of one channel.
type RunSummary struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	Channel     string    `json:"channel" yaml:"channel"`
	ChannelID   int64     `json:"channel_id" yaml:"channel_id"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time `json:"finished_at" yaml:"finished_at"`
	ResumeFrom  time.Time `json:"resume_from" yaml:"resume_from"`
	Until       time.Time `json:"until" yaml:"until"`
	ForceResync bool      `json:"force_resync,omitempty" yaml:"force_resync,omitempty"`

	Windows []WindowSummary `json:"windows" yaml:"windows"`

	Bytes       int64 `json:"bytes" yaml:"bytes"`
	Lines       int   `json:"lines" yaml:"lines"`
	Parsed      int   `json:"parsed" yaml:"parsed"`
	ParseErrors int   `json:"parse_errors" yaml:"parse_errors"`
	Inserted    int   `json:"inserted" yaml:"inserted"`
	Failed      int   `json:"failed" yaml:"failed"`
	Skipped     int   `json:"skipped" yaml:"skipped"`

	// Checkpoint is the channel checkpoint after the run, nil if none exists.
	Checkpoint *time.Time `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Cancelled  bool       `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Success    bool       `json:"success" yaml:"success"`
}

// Elapsed returns the wall-clock duration of the run.
func (r *RunSummary) Elapsed() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// tally fills the run totals from its window summaries.
func (r *RunSummary) tally() {
	r.Bytes, r.Lines, r.Parsed, r.ParseErrors, r.Inserted, r.Failed, r.Skipped = 0, 0, 0, 0, 0, 0, 0
	for _, w := range r.Windows {
		r.Bytes += w.Bytes
		r.Lines += w.Lines
		r.Parsed += w.Parsed
		r.ParseErrors += w.ParseErrors
		r.Inserted += w.Inserted
		switch {
		case w.Status == StatusSkipped:
			r.Skipped++
		case w.Status.Failed():
			r.Failed++
		}
	}
	r.Success = r.Failed == 0 && r.Skipped == 0 && !r.Cancelled
}

// Progress holds the live counters of a run. It is owned by the run and
// shared with reporters; all fields are safe for concurrent use.
type Progress struct {
	WindowsTotal  atomic.Int64
	WindowsDone   atomic.Int64
	WindowsFailed atomic.Int64
	InFlight      atomic.Int64
	Bytes         atomic.Int64
	Lines         atomic.Int64
	ParseErrors   atomic.Int64
	Inserted      atomic.Int64
}

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	WindowsTotal  int64 `json:"windows_total"`
	WindowsDone   int64 `json:"windows_done"`
	WindowsFailed int64 `json:"windows_failed"`
	InFlight      int64 `json:"in_flight"`
	Bytes         int64 `json:"bytes"`
	Lines         int64 `json:"lines"`
	ParseErrors   int64 `json:"parse_errors"`
	Inserted      int64 `json:"inserted"`
}

// Snapshot copies the current counter values.
func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		WindowsTotal:  p.WindowsTotal.Load(),
		WindowsDone:   p.WindowsDone.Load(),
		WindowsFailed: p.WindowsFailed.Load(),
		InFlight:      p.InFlight.Load(),
		Bytes:         p.Bytes.Load(),
		Lines:         p.Lines.Load(),
		ParseErrors:   p.ParseErrors.Load(),
		Inserted:      p.Inserted.Load(),
	}
}
