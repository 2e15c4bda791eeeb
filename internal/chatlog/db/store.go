// Package db provides the persistence layer for the chatlog sync engine.
//
// The Store interface is the persistence service the sync engine talks to:
// channel get-or-create, insert-if-absent for records, the per-channel
// checkpoint and the failed-window ledger. This package ships the SQLite
// implementation; internal/chatlog/mongodb provides a MongoDB one.
//
// Concurrency control lives entirely in the backend. Records carry a dedup key
// under a unique constraint and inserts ignore conflicts, so concurrent
// workers writing overlapping windows never produce duplicates.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
)

// ErrChannelNotFound is returned when a channel lookup finds nothing.
var ErrChannelNotFound = errors.New("channel not found")

// Store is the persistence service used by the sync engine.
//
// Implementations must be safe for concurrent use by multiple workers.
type Store interface {
	// EnsureChannel returns the channel with the given name, creating it if absent.
	EnsureChannel(ctx context.Context, name, channelType string) (*schema.Channel, error)
	// GetChannel returns ErrChannelNotFound when no channel has the name.
	GetChannel(ctx context.Context, name string) (*schema.Channel, error)
	ListChannels(ctx context.Context) ([]*schema.Channel, error)

	// InsertRecords inserts records whose identity is not yet stored and
	// returns how many were inserted. On error the caller must treat the
	// whole batch as uncommitted.
	InsertRecords(ctx context.Context, channelID int64, records []*schema.Record) (int, error)
	CountRecords(ctx context.Context, channelID int64) (int64, error)

	// Checkpoint returns nil, nil when the channel has never been synced.
	Checkpoint(ctx context.Context, channelID int64) (*schema.Checkpoint, error)
	// Advance moves the checkpoint forward to candidate if it is newer than
	// the stored timestamp, adds added to the totals and stamps last sync.
	// A zero candidate leaves the timestamp alone. The checkpoint is created
	// by the first call with a candidate or a non-zero count, so its
	// timestamp may be zero while its total is not.
	Advance(ctx context.Context, channelID int64, candidate time.Time, added int) error
	// ResetCheckpoint discards the checkpoint and failure ledger. Records are kept.
	ResetCheckpoint(ctx context.Context, channelID int64) error

	RecordWindowFailure(ctx context.Context, f schema.WindowFailure) error
	ClearWindowFailure(ctx context.Context, channelID int64, windowStart time.Time) error
	// PendingWindows lists failed windows ordered by start.
	PendingWindows(ctx context.Context, channelID int64) ([]schema.WindowFailure, error)

	Close() error
}

// ResumePoint computes where a sync should start.
//
// Without a checkpoint the sync starts at earliest. Otherwise it starts
// overlap before the last indexed timestamp, but never before earliest.
func ResumePoint(cp *schema.Checkpoint, earliest time.Time, overlap time.Duration) time.Time {
	if cp == nil || cp.LastIndexedTimestamp.IsZero() {
		return earliest
	}
	resume := cp.LastIndexedTimestamp.Add(-overlap)
	if resume.Before(earliest) {
		return earliest
	}
	return resume
}

// ResumeFrom loads the channel's checkpoint and applies ResumePoint.
func ResumeFrom(ctx context.Context, s Store, channelID int64, earliest time.Time, overlap time.Duration) (time.Time, error) {
	cp, err := s.Checkpoint(ctx, channelID)
	if err != nil {
		return time.Time{}, err
	}
	return ResumePoint(cp, earliest, overlap), nil
}
