package ui

import (
	"fmt"
	"io"
	gosync "sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mschirtzinger/chatlog/internal/chatlog/sync"
	"github.com/mschirtzinger/chatlog/internal/chatlog/window"
)

// ConsoleReporter prints one line per finished window and a summary per run.
// It is safe for concurrent use.
type ConsoleReporter struct {
	mu    gosync.Mutex
	out   io.Writer
	theme Theme

	// Verbose also prints a line when a window starts.
	Verbose bool
}

var _ sync.Reporter = (*ConsoleReporter)(nil)

// NewConsoleReporter creates a reporter writing to out.
func NewConsoleReporter(out io.Writer) *ConsoleReporter {
	return &ConsoleReporter{out: out, theme: NewTheme(out)}
}

func (c *ConsoleReporter) RunStarted(run *sync.RunSummary, progress *sync.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "%s %s\n", c.theme.Title.Render("Syncing "+run.Channel),
		c.theme.Muted.Render(fmt.Sprintf("from %s to %s, %d windows",
			run.ResumeFrom.UTC().Format(time.RFC3339), run.Until.UTC().Format(time.RFC3339), progress.WindowsTotal.Load())))
	if run.ForceResync {
		fmt.Fprintln(c.out, c.theme.Warn.Render("  forced resync: checkpoint discarded"))
	}
}

func (c *ConsoleReporter) WindowStarted(channel string, w window.Window) {
	if !c.Verbose {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "  %s %s\n", c.theme.Label.Render(w.Label()), c.theme.Muted.Render("fetching"))
}

func (c *ConsoleReporter) WindowFinished(channel string, s sync.WindowSummary, p sync.ProgressSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.windowLine(s, p))
}

func (c *ConsoleReporter) windowLine(s sync.WindowSummary, p sync.ProgressSnapshot) string {
	label := c.theme.Label.Render(s.Label)
	counter := c.theme.Muted.Render(fmt.Sprintf("[%d/%d]", p.WindowsDone, p.WindowsTotal))

	switch {
	case s.Status == sync.StatusOK:
		line := fmt.Sprintf("  %s %s %8s  %s parsed  %s new",
			label, c.theme.OK.Render("ok"),
			humanize.Bytes(uint64(s.Bytes)),
			humanize.Comma(int64(s.Parsed)),
			humanize.Comma(int64(s.Inserted)))
		if s.ParseErrors > 0 {
			line += "  " + c.theme.Warn.Render(fmt.Sprintf("%d malformed", s.ParseErrors))
		}
		if s.Replayed {
			line += "  " + c.theme.Muted.Render("replayed")
		}
		return fmt.Sprintf("%s  %s  %s", line, c.theme.Muted.Render(s.Elapsed.Round(time.Millisecond).String()), counter)
	case s.Status == sync.StatusSkipped:
		return fmt.Sprintf("  %s %s  %s", label, c.theme.Muted.Render("skipped"), counter)
	default:
		detail := s.Error
		if s.HTTPStatus != 0 && s.Status == sync.StatusRemoteError {
			detail = fmt.Sprintf("HTTP %d", s.HTTPStatus)
		}
		return fmt.Sprintf("  %s %s  %s  %s", label, c.theme.Fail.Render(string(s.Status)), detail, counter)
	}
}

func (c *ConsoleReporter) RunFinished(run *sync.RunSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, RenderRunSummary(c.theme, run))
}

// RenderRunSummary renders the totals of a run in a box.
func RenderRunSummary(t Theme, run *sync.RunSummary) string {
	status := t.OK.Render("success")
	switch {
	case run.Cancelled:
		status = t.Warn.Render("cancelled")
	case !run.Success:
		status = t.Fail.Render("incomplete")
	}

	checkpoint := "none"
	if run.Checkpoint != nil {
		checkpoint = run.Checkpoint.UTC().Format(time.RFC3339)
	}

	body := fmt.Sprintf("%s %s\n", t.Title.Render(run.Channel), status)
	body += fmt.Sprintf("windows     %d (%d failed, %d skipped)\n", len(run.Windows), run.Failed, run.Skipped)
	body += fmt.Sprintf("downloaded  %s, %s lines\n", humanize.Bytes(uint64(run.Bytes)), humanize.Comma(int64(run.Lines)))
	body += fmt.Sprintf("inserted    %s new of %s parsed", humanize.Comma(int64(run.Inserted)), humanize.Comma(int64(run.Parsed)))
	if run.ParseErrors > 0 {
		body += fmt.Sprintf(", %d malformed", run.ParseErrors)
	}
	body += fmt.Sprintf("\ncheckpoint  %s\n", checkpoint)
	body += fmt.Sprintf("elapsed     %s", run.Elapsed().Round(time.Millisecond))

	return t.Summary.Render(body)
}
