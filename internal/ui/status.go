package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"

	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
)

// ChannelStatus is what `chatlog status` shows for one channel.
type ChannelStatus struct {
	Channel    *schema.Channel
	Checkpoint *schema.Checkpoint
	Stored     int64
	Pending    []schema.WindowFailure
}

// LoadStatus collects the status of every channel in the store.
func LoadStatus(ctx context.Context, store db.Store) ([]ChannelStatus, error) {
	channels, err := store.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	out := make([]ChannelStatus, 0, len(channels))
	for _, ch := range channels {
		st := ChannelStatus{Channel: ch}
		if st.Checkpoint, err = store.Checkpoint(ctx, ch.ID); err != nil {
			return nil, fmt.Errorf("failed to read checkpoint for %s: %w", ch.Name, err)
		}
		if st.Stored, err = store.CountRecords(ctx, ch.ID); err != nil {
			return nil, fmt.Errorf("failed to count records for %s: %w", ch.Name, err)
		}
		if st.Pending, err = store.PendingWindows(ctx, ch.ID); err != nil {
			return nil, fmt.Errorf("failed to read failed windows for %s: %w", ch.Name, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// RenderStatus writes a status table.
func RenderStatus(out io.Writer, t Theme, statuses []ChannelStatus, now time.Time) {
	if len(statuses) == 0 {
		fmt.Fprintln(out, t.Muted.Render("No channels synced yet."))
		return
	}

	fmt.Fprintf(out, "%-20s %-22s %-16s %12s %s\n",
		t.Header.Render("CHANNEL"), t.Header.Render("CHECKPOINT"), t.Header.Render("LAST SYNC"),
		t.Header.Render("RECORDS"), t.Header.Render("FAILED WINDOWS"))

	for _, st := range statuses {
		checkpoint, lastSync := "-", "never"
		if st.Checkpoint != nil {
			if !st.Checkpoint.LastIndexedTimestamp.IsZero() {
				checkpoint = st.Checkpoint.LastIndexedTimestamp.UTC().Format("2006-01-02 15:04:05")
			}
			lastSync = humanize.RelTime(st.Checkpoint.LastSync, now, "ago", "from now")
		} else if st.Channel.LastActivity != nil {
			lastSync = humanize.RelTime(*st.Channel.LastActivity, now, "ago", "from now")
		}

		failed := t.OK.Render("none")
		if len(st.Pending) > 0 {
			labels := make([]string, len(st.Pending))
			for i, f := range st.Pending {
				labels[i] = f.WindowStart.UTC().Format("2006-01")
			}
			failed = t.Fail.Render(strings.Join(labels, ", "))
		}

		fmt.Fprintf(out, "%-20s %-22s %-16s %12s %s\n",
			st.Channel.Name, checkpoint, lastSync, humanize.Comma(st.Stored), failed)
	}
}

// ErrNotConfirmed is returned by Confirm when the user declines.
var ErrNotConfirmed = errors.New("not confirmed")

// Confirm asks a yes/no question on the terminal. It fails without asking
// when stdin is not a terminal; callers offer a --yes flag for that case.
func Confirm(title, description string) error {
	if !IsTerminal(os.Stdin) {
		return fmt.Errorf("%s: refusing to continue without a terminal (use --yes)", title)
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConfirmed
	}
	return nil
}
