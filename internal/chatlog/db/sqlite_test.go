package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
)

// setupTestDB opens a fresh database with the schema applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func setupChannel(t *testing.T, store *DB) *schema.Channel {
	t.Helper()

	ch, err := store.EnsureChannel(context.Background(), "xQc", schema.ChannelTypeName)
	if err != nil {
		t.Fatalf("EnsureChannel() failed: %v", err)
	}
	return ch
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestInitSchema_Idempotent(t *testing.T) {
	store := setupTestDB(t)

	if err := store.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"channels", "sync_cursor", "chat_messages", "window_failures"} {
		var count int
		err := store.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestEnsureChannel_GetOrCreate(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	first := setupChannel(t, store)
	if first.Name != "xqc" || first.DisplayName != "xQc" {
		t.Errorf("unexpected channel %+v", first)
	}
	if first.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	second, err := store.EnsureChannel(ctx, "XQC", schema.ChannelTypeName)
	if err != nil {
		t.Fatalf("EnsureChannel() failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same channel id %d, got %d", first.ID, second.ID)
	}

	if _, err := store.EnsureChannel(ctx, "bad name!", schema.ChannelTypeName); err == nil {
		t.Error("expected invalid channel name to fail")
	}

	channels, err := store.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels() failed: %v", err)
	}
	if len(channels) != 1 {
		t.Errorf("expected 1 channel, got %d", len(channels))
	}
}

func TestGetChannel_NotFound(t *testing.T) {
	store := setupTestDB(t)

	_, err := store.GetChannel(context.Background(), "nobody")
	if !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestInsertRecords_DedupByID(t *testing.T) {
	store := setupTestDB(t)
	ch := setupChannel(t, store)
	ctx := context.Background()

	rec := &schema.Record{MessageID: "42", Text: "hi", DisplayName: "a", Timestamp: ts("2024-01-01T00:00:00Z")}

	n, err := store.InsertRecords(ctx, ch.ID, []*schema.Record{rec})
	if err != nil || n != 1 {
		t.Fatalf("first insert: n=%d err=%v", n, err)
	}

	dup := *rec
	dup.Text = "edited"
	n, err = store.InsertRecords(ctx, ch.ID, []*schema.Record{&dup})
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected duplicate to be ignored, inserted %d", n)
	}

	count, _ := store.CountRecords(ctx, ch.ID)
	if count != 1 {
		t.Errorf("expected 1 stored record, got %d", count)
	}
}

func TestInsertRecords_FallbackIdentity(t *testing.T) {
	store := setupTestDB(t)
	ch := setupChannel(t, store)
	ctx := context.Background()

	at := ts("2024-01-01T12:00:00Z")
	records := []*schema.Record{
		{Text: "hello", DisplayName: "bob", Timestamp: at},
		{Text: "hello", DisplayName: "bob", Timestamp: at},
		{Text: "hello", DisplayName: "alice", Timestamp: at},
		{Text: "no time", DisplayName: "bob"},
		{Text: "no time", DisplayName: "bob"},
	}

	n, err := store.InsertRecords(ctx, ch.ID, records)
	if err != nil {
		t.Fatalf("InsertRecords() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 distinct records, got %d", n)
	}

	var nullCount int
	if err := store.conn.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE timestamp IS NULL`).Scan(&nullCount); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if nullCount != 1 {
		t.Errorf("expected one record without timestamp, got %d", nullCount)
	}
}

func TestInsertRecords_PreservesTags(t *testing.T) {
	store := setupTestDB(t)
	ch := setupChannel(t, store)

	rec := &schema.Record{
		MessageID: "1",
		Timestamp: ts("2024-01-01T00:00:00Z"),
		UserID:    "123",
		Tags:      json.RawMessage(`{"user-id":"123","flags":""}`),
	}
	if _, err := store.InsertRecords(context.Background(), ch.ID, []*schema.Record{rec}); err != nil {
		t.Fatalf("InsertRecords() failed: %v", err)
	}

	var tags, userID string
	if err := store.conn.QueryRow(`SELECT tags, user_id FROM chat_messages`).Scan(&tags, &userID); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if tags != string(rec.Tags) || userID != "123" {
		t.Errorf("tags=%s user_id=%s", tags, userID)
	}
}

func TestInsertRecords_Concurrent(t *testing.T) {
	store := setupTestDB(t)
	ch := setupChannel(t, store)
	ctx := context.Background()

	// Four workers insert overlapping ranges of the same 200 records.
	base := ts("2024-01-01T00:00:00Z")
	all := make([]*schema.Record, 200)
	for i := range all {
		all[i] = &schema.Record{
			MessageID: fmt.Sprintf("m%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := offset; i < len(all); i += 50 {
				end := min(i+50, len(all))
				if _, err := store.InsertRecords(ctx, ch.ID, all[i:end]); err != nil {
					errs <- err
					return
				}
			}
		}(w * 25)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent insert failed: %v", err)
	}

	count, err := store.CountRecords(ctx, ch.ID)
	if err != nil {
		t.Fatalf("CountRecords() failed: %v", err)
	}
	if count != 200 {
		t.Errorf("expected 200 records, got %d", count)
	}
}

func TestAdvance_Monotonic(t *testing.T) {
	store := setupTestDB(t)
	ch := setupChannel(t, store)
	ctx := context.Background()

	if cp, err := store.Checkpoint(ctx, ch.ID); err != nil || cp != nil {
		t.Fatalf("expected no checkpoint, got %+v, %v", cp, err)
	}

	steps := []struct {
		candidate time.Time
		added     int
		want      time.Time
	}{
		{ts("2024-03-15T10:00:00Z"), 10, ts("2024-03-15T10:00:00Z")},
		{ts("2024-02-01T00:00:00Z"), 5, ts("2024-03-15T10:00:00Z")},
		{time.Time{}, 0, ts("2024-03-15T10:00:00Z")},
		{ts("2024-03-20T00:00:00.5Z"), 1, ts("2024-03-20T00:00:00.5Z")},
	}

	for i, step := range steps {
		if err := store.Advance(ctx, ch.ID, step.candidate, step.added); err != nil {
			t.Fatalf("step %d: Advance() failed: %v", i, err)
		}
		cp, err := store.Checkpoint(ctx, ch.ID)
		if err != nil {
			t.Fatalf("step %d: Checkpoint() failed: %v", i, err)
		}
		if !cp.LastIndexedTimestamp.Equal(step.want) {
			t.Errorf("step %d: timestamp = %v, want %v", i, cp.LastIndexedTimestamp, step.want)
		}
	}

	cp, _ := store.Checkpoint(ctx, ch.ID)
	if cp.TotalMessagesIndexed != 16 {
		t.Errorf("expected total 16, got %d", cp.TotalMessagesIndexed)
	}

	got, _ := store.GetChannel(ctx, "xqc")
	if got.TotalMessages != 16 || got.LastActivity == nil {
		t.Errorf("channel totals not updated: %+v", got)
	}
}

func TestAdvance_NoCandidateCreditsTotal(t *testing.T) {
	store := setupTestDB(t)
	ch := setupChannel(t, store)
	ctx := context.Background()

	// Nothing inserted and no timestamp: no checkpoint yet.
	if err := store.Advance(ctx, ch.ID, time.Time{}, 0); err != nil {
		t.Fatalf("Advance() failed: %v", err)
	}
	if cp, err := store.Checkpoint(ctx, ch.ID); err != nil || cp != nil {
		t.Fatalf("expected no checkpoint, got %+v, %v", cp, err)
	}

	if err := store.Advance(ctx, ch.ID, time.Time{}, 3); err != nil {
		t.Fatalf("Advance() failed: %v", err)
	}
	cp, err := store.Checkpoint(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Checkpoint() failed: %v", err)
	}
	if cp == nil {
		t.Fatal("records without timestamps were not credited")
	}
	if !cp.LastIndexedTimestamp.IsZero() || cp.TotalMessagesIndexed != 3 {
		t.Errorf("unexpected checkpoint %+v", cp)
	}

	// A later timestamped batch keeps the earlier credit.
	if err := store.Advance(ctx, ch.ID, ts("2024-03-15T10:00:00Z"), 5); err != nil {
		t.Fatalf("Advance() failed: %v", err)
	}
	cp, _ = store.Checkpoint(ctx, ch.ID)
	if !cp.LastIndexedTimestamp.Equal(ts("2024-03-15T10:00:00Z")) || cp.TotalMessagesIndexed != 8 {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
	got, _ := store.GetChannel(ctx, "xqc")
	if got.TotalMessages != cp.TotalMessagesIndexed {
		t.Errorf("channel total %d, checkpoint total %d", got.TotalMessages, cp.TotalMessagesIndexed)
	}

	// A zero candidate never clears a stored timestamp.
	if err := store.Advance(ctx, ch.ID, time.Time{}, 2); err != nil {
		t.Fatalf("Advance() failed: %v", err)
	}
	cp, _ = store.Checkpoint(ctx, ch.ID)
	if !cp.LastIndexedTimestamp.Equal(ts("2024-03-15T10:00:00Z")) || cp.TotalMessagesIndexed != 10 {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
}

// Concurrent advances commit in arbitrary order; the result must be the
// maximum candidate and the sum of the counts.
func TestAdvance_MonotonicAnyOrder(t *testing.T) {
	store := setupTestDB(t)
	ch := setupChannel(t, store)
	ctx := context.Background()

	base := ts("2024-01-01T00:00:00Z")
	const n = 40
	candidates := make([]time.Time, n)
	for i := range candidates {
		// Interleave early and late values, with some zero candidates.
		switch {
		case i%7 == 0:
			candidates[i] = time.Time{}
		case i%2 == 0:
			candidates[i] = base.Add(time.Duration(n-i) * time.Hour)
		default:
			candidates[i] = base.Add(time.Duration(i) * time.Minute)
		}
	}
	want := base.Add(time.Duration(n-2) * time.Hour)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, c := range candidates {
		wg.Add(1)
		go func(c time.Time, added int) {
			defer wg.Done()
			if err := store.Advance(ctx, ch.ID, c, added); err != nil {
				errs <- err
			}
		}(c, i+1)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Advance() failed: %v", err)
	}

	cp, err := store.Checkpoint(ctx, ch.ID)
	if err != nil || cp == nil {
		t.Fatalf("Checkpoint() = %+v, %v", cp, err)
	}
	if !cp.LastIndexedTimestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", cp.LastIndexedTimestamp, want)
	}
	if cp.TotalMessagesIndexed != n*(n+1)/2 {
		t.Errorf("total = %d, want %d", cp.TotalMessagesIndexed, n*(n+1)/2)
	}

	// Replaying the same candidates sequentially in reverse changes nothing
	// but the totals.
	for i := n - 1; i >= 0; i-- {
		if err := store.Advance(ctx, ch.ID, candidates[i], 0); err != nil {
			t.Fatalf("Advance() failed: %v", err)
		}
		cp, _ := store.Checkpoint(ctx, ch.ID)
		if !cp.LastIndexedTimestamp.Equal(want) {
			t.Fatalf("replay %d moved timestamp to %v", i, cp.LastIndexedTimestamp)
		}
	}
}

func TestResetCheckpoint(t *testing.T) {
	store := setupTestDB(t)
	ch := setupChannel(t, store)
	ctx := context.Background()

	rec := &schema.Record{MessageID: "1", Timestamp: ts("2024-01-01T00:00:00Z")}
	if _, err := store.InsertRecords(ctx, ch.ID, []*schema.Record{rec}); err != nil {
		t.Fatal(err)
	}
	if err := store.Advance(ctx, ch.ID, rec.Timestamp, 1); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordWindowFailure(ctx, schema.WindowFailure{
		ChannelID:   ch.ID,
		WindowStart: ts("2023-12-01T00:00:00Z"),
		WindowEnd:   ts("2024-01-01T00:00:00Z"),
		Status:      "timeout",
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.ResetCheckpoint(ctx, ch.ID); err != nil {
		t.Fatalf("ResetCheckpoint() failed: %v", err)
	}

	if cp, _ := store.Checkpoint(ctx, ch.ID); cp != nil {
		t.Errorf("checkpoint should be gone, got %+v", cp)
	}
	if pending, _ := store.PendingWindows(ctx, ch.ID); len(pending) != 0 {
		t.Errorf("failure ledger should be empty, got %v", pending)
	}
	if count, _ := store.CountRecords(ctx, ch.ID); count != 1 {
		t.Errorf("records must be kept, got %d", count)
	}
}

func TestWindowFailureLedger(t *testing.T) {
	store := setupTestDB(t)
	ch := setupChannel(t, store)
	ctx := context.Background()

	feb := schema.WindowFailure{
		ChannelID:   ch.ID,
		WindowStart: ts("2024-02-01T00:00:00Z"),
		WindowEnd:   ts("2024-03-01T00:00:00Z"),
		Status:      "timeout",
		Error:       "fetch timed out",
	}
	jan := feb
	jan.WindowStart = ts("2024-01-01T00:00:00Z")
	jan.WindowEnd = ts("2024-02-01T00:00:00Z")
	jan.Status = "remote_error"

	for _, f := range []schema.WindowFailure{feb, jan, feb} {
		if err := store.RecordWindowFailure(ctx, f); err != nil {
			t.Fatalf("RecordWindowFailure() failed: %v", err)
		}
	}

	pending, err := store.PendingWindows(ctx, ch.ID)
	if err != nil {
		t.Fatalf("PendingWindows() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending windows, got %d", len(pending))
	}
	if !pending[0].WindowStart.Equal(jan.WindowStart) {
		t.Errorf("expected ascending order, got %v first", pending[0].WindowStart)
	}
	if pending[1].Attempts != 2 {
		t.Errorf("expected 2 attempts for February, got %d", pending[1].Attempts)
	}

	if err := store.ClearWindowFailure(ctx, ch.ID, feb.WindowStart); err != nil {
		t.Fatalf("ClearWindowFailure() failed: %v", err)
	}
	if err := store.ClearWindowFailure(ctx, ch.ID, feb.WindowStart); err != nil {
		t.Errorf("clearing twice should be a no-op: %v", err)
	}
	pending, _ = store.PendingWindows(ctx, ch.ID)
	if len(pending) != 1 || pending[0].Status != "remote_error" {
		t.Errorf("unexpected ledger after clear: %+v", pending)
	}
}
