// Package writer commits parsed records to a store in fixed-size chunks and
// advances the channel checkpoint once a window's records are persisted.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
)

// DefaultBatchSize is the number of records committed per chunk.
const DefaultBatchSize = 1000

// PersistenceError reports a failed store operation. Records of the failed
// chunk are not counted as inserted.
type PersistenceError struct {
	Op        string // "insert" or "advance"
	ChannelID int64
	Records   int
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed for channel %d (%d records): %v", e.Op, e.ChannelID, e.Records, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err is (or wraps) a *PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Result summarizes what a batch committed.
type Result struct {
	Seen     int // records in committed chunks
	Inserted int // records that were new to the store
	// MaxTimestamp is the greatest timestamp among committed records, zero if
	// none of them carried one.
	MaxTimestamp time.Time
}

// Writer persists records for one store. It is safe for concurrent use; each
// worker drives its own Batch.
type Writer struct {
	store     db.Store
	batchSize int
	logger    *slog.Logger
}

// New creates a Writer. A batchSize <= 0 selects DefaultBatchSize and a nil
// logger selects slog.Default().
func New(store db.Store, batchSize int, logger *slog.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, batchSize: batchSize, logger: logger}
}

// BatchSize returns the chunk size.
func (w *Writer) BatchSize() int {
	return w.batchSize
}

// Commit writes records as one batch and advances the checkpoint.
func (w *Writer) Commit(ctx context.Context, channelID int64, records []*schema.Record) (Result, error) {
	b := w.Begin(channelID)
	for _, rec := range records {
		if err := b.Add(ctx, rec); err != nil {
			b.creditPartial(ctx)
			return b.result, err
		}
	}
	return b.Finish(ctx)
}

// Begin starts a streaming batch for a channel.
func (w *Writer) Begin(channelID int64) *Batch {
	return &Batch{
		w:         w,
		channelID: channelID,
		pending:   make([]*schema.Record, 0, w.batchSize),
	}
}

// Batch accumulates records for one window and flushes them every batch-size
// records. A Batch is owned by a single goroutine.
type Batch struct {
	w         *Writer
	channelID int64
	pending   []*schema.Record
	result    Result
	failed    bool
	credited  bool

	// OnFlush, if set, is called after each chunk commits.
	OnFlush func(inserted, seen int)

	// CountOnly makes Finish credit the inserted records without moving the
	// checkpoint timestamp. Used when the records do not cover a contiguous
	// range from the channel's earliest date.
	CountOnly bool
}

// Add queues a record, committing a chunk when the batch is full.
func (b *Batch) Add(ctx context.Context, rec *schema.Record) error {
	if b.failed {
		return fmt.Errorf("batch for channel %d already failed", b.channelID)
	}
	b.pending = append(b.pending, rec)
	if len(b.pending) >= b.w.batchSize {
		return b.flush(ctx)
	}
	return nil
}

// Result returns what has been committed so far.
func (b *Batch) Result() Result {
	return b.result
}

// Finish commits the remaining records and advances the checkpoint with the
// newest committed timestamp. An empty batch still stamps the last sync time.
//
// When a chunk failed earlier, Finish does not move the checkpoint timestamp;
// it only credits the records that did commit to the channel totals.
func (b *Batch) Finish(ctx context.Context) (Result, error) {
	if b.failed {
		b.creditPartial(ctx)
		return b.result, fmt.Errorf("batch for channel %d already failed", b.channelID)
	}
	if err := b.flush(ctx); err != nil {
		b.creditPartial(ctx)
		return b.result, err
	}

	candidate := b.result.MaxTimestamp
	if b.CountOnly {
		candidate = time.Time{}
	}
	if err := b.w.store.Advance(ctx, b.channelID, candidate, b.result.Inserted); err != nil {
		return b.result, &PersistenceError{Op: "advance", ChannelID: b.channelID, Records: b.result.Inserted, Err: err}
	}
	return b.result, nil
}

// Abort ends a batch whose window did not complete. Chunks that already
// committed stay stored and are credited to the totals; pending records are
// dropped and the checkpoint timestamp is not moved.
func (b *Batch) Abort(ctx context.Context) Result {
	b.pending = b.pending[:0]
	b.failed = true
	b.creditPartial(ctx)
	return b.result
}

func (b *Batch) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	chunk := b.pending

	inserted, err := b.w.store.InsertRecords(ctx, b.channelID, chunk)
	if err != nil {
		b.failed = true
		b.pending = b.pending[:0]
		return &PersistenceError{Op: "insert", ChannelID: b.channelID, Records: len(chunk), Err: err}
	}

	b.result.Seen += len(chunk)
	b.result.Inserted += inserted
	for _, rec := range chunk {
		if rec.HasTimestamp() && rec.Timestamp.After(b.result.MaxTimestamp) {
			b.result.MaxTimestamp = rec.Timestamp
		}
	}
	b.w.logger.Debug("committed chunk", "channel_id", b.channelID, "records", len(chunk), "inserted", inserted)

	if b.OnFlush != nil {
		b.OnFlush(inserted, len(chunk))
	}
	b.pending = make([]*schema.Record, 0, b.w.batchSize)
	return nil
}

// creditPartial adds inserted counts from chunks that committed before a
// failure, leaving the checkpoint timestamp untouched.
func (b *Batch) creditPartial(ctx context.Context) {
	if b.credited || b.result.Inserted == 0 {
		return
	}
	b.credited = true
	if err := b.w.store.Advance(ctx, b.channelID, time.Time{}, b.result.Inserted); err != nil {
		b.w.logger.Warn("failed to credit partial batch", "channel_id", b.channelID, "inserted", b.result.Inserted, "error", err)
	}
}
