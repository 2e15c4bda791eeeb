package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
)

// DB is the SQLite implementation of Store.
//
// The database is opened in WAL mode so readers (status, dashboard) never
// block the sync workers. Every pooled connection gets the same pragmas, and
// write transactions take the write lock up front so concurrent workers queue
// on busy_timeout instead of failing with SQLITE_BUSY on lock upgrade.
type DB struct {
	conn *sql.DB
	path string
}

var _ Store = (*DB)(nil)

// Open creates a database connection at path, creating the file and its
// parent directory if needed. The caller must call InitSchema before use and
// Close when done.
//
// Example:
//
//	store, err := db.Open("data/chatlog.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// dsn builds the connection string. Pragmas are part of the DSN so that they
// apply to every connection in the pool, not just the first one.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "foreign_keys(on)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("failed to checkpoint WAL", "path", db.path, "error", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		channel_type TEXT NOT NULL DEFAULT 'channel',
		room_id TEXT,
		created_at TEXT NOT NULL,
		last_activity TEXT,
		total_messages INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_cursor (
		channel_id INTEGER PRIMARY KEY,
		last_indexed_timestamp TEXT,  -- NULL until a record with a timestamp is indexed
		last_sync TEXT NOT NULL,
		total_messages_indexed INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (channel_id) REFERENCES channels(id)
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		timestamp TEXT,  -- NULL when the source record had no usable timestamp
		user_id TEXT,
		color TEXT,
		subscriber TEXT,
		badges TEXT,
		room_id TEXT,
		tmi_sent_ts TEXT,
		tags TEXT,  -- raw JSON object
		dedup_key TEXT NOT NULL,
		FOREIGN KEY (channel_id) REFERENCES channels(id),
		UNIQUE (channel_id, dedup_key)
	);

	CREATE TABLE IF NOT EXISTS window_failures (
		channel_id INTEGER NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 1,
		failed_at TEXT NOT NULL,
		PRIMARY KEY (channel_id, window_start),
		FOREIGN KEY (channel_id) REFERENCES channels(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON chat_messages(channel_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON chat_messages(user_id);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// EnsureChannel returns the channel named name, creating it if absent.
func (db *DB) EnsureChannel(ctx context.Context, name, channelType string) (*schema.Channel, error) {
	normalized := schema.NormalizeChannelName(name)
	if channelType == "" {
		channelType = schema.ChannelTypeName
	}
	if err := schema.ValidateChannel(normalized, channelType); err != nil {
		return nil, fmt.Errorf("invalid channel: %w", err)
	}

	query := `
	INSERT INTO channels (name, display_name, channel_type, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO NOTHING
	`
	if _, err := db.conn.ExecContext(ctx, query,
		normalized,
		name,
		channelType,
		schema.FormatTime(time.Now()),
	); err != nil {
		return nil, fmt.Errorf("failed to create channel %s: %w", normalized, err)
	}

	return db.GetChannel(ctx, normalized)
}

const channelColumns = `id, name, display_name, channel_type, room_id, created_at, last_activity, total_messages`

// GetChannel retrieves a channel by name.
func (db *DB) GetChannel(ctx context.Context, name string) (*schema.Channel, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE name = ?`,
		schema.NormalizeChannelName(name),
	)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel %s: %w", name, err)
	}
	return ch, nil
}

// ListChannels returns all channels ordered by name.
func (db *DB) ListChannels(ctx context.Context) ([]*schema.Channel, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*schema.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channels: %w", err)
	}
	return channels, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*schema.Channel, error) {
	var ch schema.Channel
	var roomID, lastActivity sql.NullString
	var createdAt string

	if err := row.Scan(
		&ch.ID,
		&ch.Name,
		&ch.DisplayName,
		&ch.ChannelType,
		&roomID,
		&createdAt,
		&lastActivity,
		&ch.TotalMessages,
	); err != nil {
		return nil, err
	}

	ch.RoomID = roomID.String
	if t, err := schema.ParseTime(createdAt); err == nil {
		ch.CreatedAt = t
	}
	ch.LastActivity = nullStringToTime(lastActivity)
	return &ch, nil
}

// InsertRecords inserts records that are not already stored, in one transaction.
func (db *DB) InsertRecords(ctx context.Context, channelID int64, records []*schema.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO chat_messages (
		channel_id, message_id, text, display_name, timestamp,
		user_id, color, subscriber, badges, room_id, tmi_sent_ts,
		tags, dedup_key
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(channel_id, dedup_key) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx,
			channelID,
			rec.MessageID,
			rec.Text,
			rec.DisplayName,
			emptyToNull(rec.TimestampText()),
			emptyToNull(rec.UserID),
			emptyToNull(rec.Color),
			emptyToNull(rec.Subscriber),
			emptyToNull(rec.Badges),
			emptyToNull(rec.RoomID),
			emptyToNull(rec.TMISentTS),
			emptyToNull(string(rec.Tags)),
			rec.IdentityKey(),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert record %q: %w", rec.MessageID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, nil
}

// CountRecords returns the number of stored records for a channel.
func (db *DB) CountRecords(ctx context.Context, channelID int64) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE channel_id = ?`, channelID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Checkpoint returns the channel's checkpoint, or nil if it has none. A
// checkpoint whose records all lacked timestamps has a zero
// LastIndexedTimestamp.
func (db *DB) Checkpoint(ctx context.Context, channelID int64) (*schema.Checkpoint, error) {
	query := `
	SELECT channel_id, last_indexed_timestamp, last_sync, total_messages_indexed
	FROM sync_cursor
	WHERE channel_id = ?
	`

	var cp schema.Checkpoint
	var lastIndexed sql.NullString
	var lastSync string
	err := db.conn.QueryRowContext(ctx, query, channelID).Scan(
		&cp.ChannelID,
		&lastIndexed,
		&lastSync,
		&cp.TotalMessagesIndexed,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if lastIndexed.Valid && lastIndexed.String != "" {
		if cp.LastIndexedTimestamp, err = schema.ParseTime(lastIndexed.String); err != nil {
			return nil, fmt.Errorf("failed to parse last_indexed_timestamp: %w", err)
		}
	}
	if t, err := schema.ParseTime(lastSync); err == nil {
		cp.LastSync = t
	}
	return &cp, nil
}

// Advance moves the checkpoint and channel totals forward.
//
// The timestamp update takes the maximum inside the upsert, so concurrent
// callers can never move it backwards regardless of commit order. The cursor
// row is created by the first call that carries a timestamp or a non-zero
// count; a zero candidate leaves the stored timestamp as it is.
func (db *DB) Advance(ctx context.Context, channelID int64, candidate time.Time, added int) error {
	now := schema.FormatTime(time.Now())

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if !candidate.IsZero() || added != 0 {
		// Timestamps are fixed-width text, so '' sorts before every value.
		query := `
		INSERT INTO sync_cursor (channel_id, last_indexed_timestamp, last_sync, total_messages_indexed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			last_indexed_timestamp = nullif(max(
				coalesce(sync_cursor.last_indexed_timestamp, ''),
				coalesce(excluded.last_indexed_timestamp, '')
			), ''),
			last_sync = excluded.last_sync,
			total_messages_indexed = sync_cursor.total_messages_indexed + excluded.total_messages_indexed
		`
		var ts sql.NullString
		if !candidate.IsZero() {
			ts = sql.NullString{String: schema.FormatTime(candidate), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query, channelID, ts, now, added); err != nil {
			return fmt.Errorf("failed to advance checkpoint: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_cursor SET last_sync = ? WHERE channel_id = ?`, now, channelID,
		); err != nil {
			return fmt.Errorf("failed to update checkpoint: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET total_messages = total_messages + ?, last_activity = ? WHERE id = ?`,
		added, now, channelID,
	); err != nil {
		return fmt.Errorf("failed to update channel totals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ResetCheckpoint removes the checkpoint and failure ledger for a channel.
func (db *DB) ResetCheckpoint(ctx context.Context, channelID int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_cursor WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM window_failures WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("failed to delete window failures: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordWindowFailure upserts a failed window, incrementing its attempt count.
func (db *DB) RecordWindowFailure(ctx context.Context, f schema.WindowFailure) error {
	if f.FailedAt.IsZero() {
		f.FailedAt = time.Now()
	}

	query := `
	INSERT INTO window_failures (channel_id, window_start, window_end, status, error, attempts, failed_at)
	VALUES (?, ?, ?, ?, ?, 1, ?)
	ON CONFLICT(channel_id, window_start) DO UPDATE SET
		window_end = excluded.window_end,
		status = excluded.status,
		error = excluded.error,
		attempts = window_failures.attempts + 1,
		failed_at = excluded.failed_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		f.ChannelID,
		schema.FormatTime(f.WindowStart),
		schema.FormatTime(f.WindowEnd),
		f.Status,
		emptyToNull(f.Error),
		schema.FormatTime(f.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record window failure: %w", err)
	}
	return nil
}

// ClearWindowFailure removes a window from the failure ledger. It is a no-op
// when the window is not recorded.
func (db *DB) ClearWindowFailure(ctx context.Context, channelID int64, windowStart time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM window_failures WHERE channel_id = ? AND window_start = ?`,
		channelID, schema.FormatTime(windowStart),
	)
	if err != nil {
		return fmt.Errorf("failed to clear window failure: %w", err)
	}
	return nil
}

// PendingWindows returns the failed windows for a channel ordered by start.
func (db *DB) PendingWindows(ctx context.Context, channelID int64) ([]schema.WindowFailure, error) {
	query := `
	SELECT channel_id, window_start, window_end, status, error, attempts, failed_at
	FROM window_failures
	WHERE channel_id = ?
	ORDER BY window_start ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query window failures: %w", err)
	}
	defer rows.Close()

	var failures []schema.WindowFailure
	for rows.Next() {
		var f schema.WindowFailure
		var start, end, failedAt string
		var errText sql.NullString

		if err := rows.Scan(&f.ChannelID, &start, &end, &f.Status, &errText, &f.Attempts, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan window failure: %w", err)
		}
		if f.WindowStart, err = schema.ParseTime(start); err != nil {
			return nil, fmt.Errorf("failed to parse window_start: %w", err)
		}
		if f.WindowEnd, err = schema.ParseTime(end); err != nil {
			return nil, fmt.Errorf("failed to parse window_end: %w", err)
		}
		if t, err := schema.ParseTime(failedAt); err == nil {
			f.FailedAt = t
		}
		f.Error = errText.String
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating window failures: %w", err)
	}
	return failures, nil
}

// emptyToNull maps "" to SQL NULL.
func emptyToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := schema.ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
