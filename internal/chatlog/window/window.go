// Package window plans the calendar-month time windows fetched during a sync.
//
// Windows are half-open [Start, End) ranges in UTC. Inner windows span a whole
// calendar month; the first and last windows are clipped to the planned span,
// so a plan always covers exactly the range from the resume point to the end
// bound with no gaps and no overlaps.
package window

import (
	"sort"
	"time"
)

// Window is a half-open [Start, End) time range fetched and committed as one unit.
type Window struct {
	Start time.Time
	End   time.Time
}

// Label returns the calendar month of the window in YYYY-MM form.
func (w Window) Label() string {
	return w.Start.UTC().Format("2006-01")
}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// FullMonth reports whether the window spans exactly one calendar month.
func (w Window) FullMonth() bool {
	start := w.Start.UTC()
	return start.Equal(MonthStart(start)) && w.End.UTC().Equal(start.AddDate(0, 1, 0))
}

// Contains reports whether other lies entirely inside w.
func (w Window) Contains(other Window) bool {
	return !other.Start.Before(w.Start) && !other.End.After(w.End)
}

// LastSecond returns the final whole second inside the window. The remote
// source treats its "to" parameter as inclusive.
func (w Window) LastSecond() time.Time {
	last := w.End.Add(-time.Second).Truncate(time.Second)
	if last.Before(w.Start) {
		return w.Start.Truncate(time.Second)
	}
	return last
}

// MonthStart returns the first instant of the calendar month containing t (UTC).
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Plan returns the ordered windows covering [resumeFrom-overlap, until).
//
// One window is produced per calendar month between the month containing
// resumeFrom-overlap and the month containing until, inclusive. If resumeFrom
// is after until, or the span is empty, Plan returns nil.
func Plan(resumeFrom, until time.Time, overlap time.Duration) []Window {
	if resumeFrom.After(until) {
		return nil
	}

	lower := resumeFrom.Add(-overlap).UTC()
	upper := until.UTC()
	if !lower.Before(upper) {
		return nil
	}

	var windows []Window
	for month := MonthStart(lower); month.Before(upper); month = month.AddDate(0, 1, 0) {
		w := Window{Start: month, End: month.AddDate(0, 1, 0)}
		if w.Start.Before(lower) {
			w.Start = lower
		}
		if w.End.After(upper) {
			w.End = upper
		}
		windows = append(windows, w)
	}

	return windows
}

// Merge adds extra windows to a plan unless a planned window already covers
// them. The result is sorted by start time.
func Merge(planned, extra []Window) []Window {
	merged := make([]Window, 0, len(planned)+len(extra))
	merged = append(merged, planned...)

	for _, e := range extra {
		covered := false
		for _, m := range merged {
			if m.Contains(e) {
				covered = true
				break
			}
		}
		if !covered {
			merged = append(merged, e)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Start.Before(merged[j].Start)
	})
	return merged
}
