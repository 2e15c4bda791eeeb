// Package mongodb implements the chatlog persistence service on MongoDB.
//
// Deduplication relies on a unique index over (channel_id, dedup_key) and
// unordered inserts that tolerate duplicate-key errors. Checkpoint updates
// use $max so concurrent writers can never move a checkpoint backwards.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
)

const (
	// DefaultDatabase is used when the connection string names no database.
	DefaultDatabase = "chatlog"

	channelsCollection = "channels"
	cursorsCollection  = "sync_cursor"
	messagesCollection = "chat_messages"
	failuresCollection = "window_failures"
	countersCollection = "counters"

	duplicateKeyCode = 11000
)

type channelDoc struct {
	ID            int64      `bson:"_id"`
	Name          string     `bson:"name"`
	DisplayName   string     `bson:"display_name"`
	ChannelType   string     `bson:"channel_type"`
	RoomID        string     `bson:"room_id,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	LastActivity  *time.Time `bson:"last_activity,omitempty"`
	TotalMessages int64      `bson:"total_messages"`
}

type cursorDoc struct {
	ChannelID            int64     `bson:"_id"`
	LastIndexedTimestamp time.Time `bson:"last_indexed_timestamp"`
	LastSync             time.Time `bson:"last_sync"`
	TotalMessagesIndexed int64     `bson:"total_messages_indexed"`
}

type messageDoc struct {
	ChannelID   int64      `bson:"channel_id"`
	MessageID   string     `bson:"message_id"`
	Text        string     `bson:"text"`
	DisplayName string     `bson:"display_name"`
	Timestamp   *time.Time `bson:"timestamp,omitempty"`
	UserID      string     `bson:"user_id,omitempty"`
	Color       string     `bson:"color,omitempty"`
	Subscriber  string     `bson:"subscriber,omitempty"`
	Badges      string     `bson:"badges,omitempty"`
	RoomID      string     `bson:"room_id,omitempty"`
	TMISentTS   string     `bson:"tmi_sent_ts,omitempty"`
	Tags        string     `bson:"tags,omitempty"` // raw JSON object
	DedupKey    string     `bson:"dedup_key"`
}

type failureDoc struct {
	ChannelID   int64     `bson:"channel_id"`
	WindowStart time.Time `bson:"window_start"`
	WindowEnd   time.Time `bson:"window_end"`
	Status      string    `bson:"status"`
	Error       string    `bson:"error,omitempty"`
	Attempts    int       `bson:"attempts"`
	FailedAt    time.Time `bson:"failed_at"`
}

// Store implements db.Store on MongoDB.
type Store struct {
	provider CollectionProvider
	closer   func() error
	now      func() time.Time
}

var _ db.Store = (*Store)(nil)

// New creates a Store over provider. Use Connect for a live deployment.
func New(provider CollectionProvider) *Store {
	return &Store{provider: provider, now: time.Now}
}

// Close disconnects the underlying client, if any.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	closer := s.closer
	s.closer = nil
	if err := closer(); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}

// EnsureChannel returns the channel named name, creating it if absent.
func (s *Store) EnsureChannel(ctx context.Context, name, channelType string) (*schema.Channel, error) {
	normalized := schema.NormalizeChannelName(name)
	if channelType == "" {
		channelType = schema.ChannelTypeName
	}
	if err := schema.ValidateChannel(normalized, channelType); err != nil {
		return nil, fmt.Errorf("invalid channel: %w", err)
	}

	ch, err := s.GetChannel(ctx, normalized)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, db.ErrChannelNotFound) {
		return nil, err
	}

	id, err := s.nextID(ctx, channelsCollection)
	if err != nil {
		return nil, err
	}
	doc := channelDoc{
		ID:          id,
		Name:        normalized,
		DisplayName: name,
		ChannelType: channelType,
		CreatedAt:   s.now().UTC(),
	}
	if _, err := s.provider.Collection(channelsCollection).InsertOne(ctx, doc); err != nil {
		// Another process created it first; the unique name index wins.
		if !mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("failed to create channel %s: %w", normalized, err)
		}
	}
	return s.GetChannel(ctx, normalized)
}

// nextID issues the next integer id for a sequence.
func (s *Store) nextID(ctx context.Context, sequence string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.provider.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": sequence},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s id: %w", sequence, err)
	}
	return counter.Seq, nil
}

// GetChannel retrieves a channel by name.
func (s *Store) GetChannel(ctx context.Context, name string) (*schema.Channel, error) {
	var doc channelDoc
	err := s.provider.Collection(channelsCollection).
		FindOne(ctx, bson.M{"name": schema.NormalizeChannelName(name)}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", db.ErrChannelNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel %s: %w", name, err)
	}
	return doc.toChannel(), nil
}

// ListChannels returns all channels ordered by name.
func (s *Store) ListChannels(ctx context.Context) ([]*schema.Channel, error) {
	cur, err := s.provider.Collection(channelsCollection).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer cur.Close(ctx)

	var docs []channelDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}
	channels := make([]*schema.Channel, 0, len(docs))
	for i := range docs {
		channels = append(channels, docs[i].toChannel())
	}
	return channels, nil
}

func (d *channelDoc) toChannel() *schema.Channel {
	return &schema.Channel{
		ID:            d.ID,
		Name:          d.Name,
		DisplayName:   d.DisplayName,
		ChannelType:   d.ChannelType,
		RoomID:        d.RoomID,
		CreatedAt:     d.CreatedAt,
		LastActivity:  d.LastActivity,
		TotalMessages: d.TotalMessages,
	}
}

// InsertRecords inserts records whose dedup key is not yet stored.
//
// The insert is unordered: duplicates are rejected individually by the unique
// index and counted as skipped. Any other write error fails the call. Unlike
// the SQLite store a failed call may leave part of the batch inserted; those
// records are deduplicated when the window is re-fetched.
func (s *Store) InsertRecords(ctx context.Context, channelID int64, records []*schema.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	docs := make([]interface{}, 0, len(records))
	for _, rec := range records {
		docs = append(docs, toMessageDoc(channelID, rec))
	}

	_, err := s.provider.Collection(messagesCollection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return len(docs), nil
	}

	duplicates, ok := countDuplicates(err)
	if !ok {
		return 0, fmt.Errorf("failed to insert records: %w", err)
	}
	return len(docs) - duplicates, nil
}

// countDuplicates reports how many write errors in err are duplicate-key
// errors. ok is false if err contains any other kind of failure.
func countDuplicates(err error) (duplicates int, ok bool) {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return 0, false
	}
	if bwe.WriteConcernError != nil {
		return 0, false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return 0, false
		}
		duplicates++
	}
	return duplicates, true
}

func toMessageDoc(channelID int64, rec *schema.Record) messageDoc {
	doc := messageDoc{
		ChannelID:   channelID,
		MessageID:   rec.MessageID,
		Text:        rec.Text,
		DisplayName: rec.DisplayName,
		UserID:      rec.UserID,
		Color:       rec.Color,
		Subscriber:  rec.Subscriber,
		Badges:      rec.Badges,
		RoomID:      rec.RoomID,
		TMISentTS:   rec.TMISentTS,
		Tags:        string(rec.Tags),
		DedupKey:    rec.IdentityKey(),
	}
	if rec.HasTimestamp() {
		t := rec.Timestamp.UTC()
		doc.Timestamp = &t
	}
	return doc
}

// CountRecords returns the number of stored records for a channel.
func (s *Store) CountRecords(ctx context.Context, channelID int64) (int64, error) {
	n, err := s.provider.Collection(messagesCollection).CountDocuments(ctx, bson.M{"channel_id": channelID})
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Checkpoint returns the channel's checkpoint, or nil if it has none.
func (s *Store) Checkpoint(ctx context.Context, channelID int64) (*schema.Checkpoint, error) {
	var doc cursorDoc
	err := s.provider.Collection(cursorsCollection).FindOne(ctx, bson.M{"_id": channelID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return &schema.Checkpoint{
		ChannelID:            doc.ChannelID,
		LastIndexedTimestamp: doc.LastIndexedTimestamp.UTC(),
		LastSync:             doc.LastSync.UTC(),
		TotalMessagesIndexed: doc.TotalMessagesIndexed,
	}, nil
}

// Advance moves the checkpoint and channel totals forward.
func (s *Store) Advance(ctx context.Context, channelID int64, candidate time.Time, added int) error {
	now := s.now().UTC()

	filter, update, opts := advanceUpdate(channelID, candidate, added, now)
	if _, err := s.provider.Collection(cursorsCollection).UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	_, err := s.provider.Collection(channelsCollection).UpdateOne(ctx,
		bson.M{"_id": channelID},
		bson.M{
			"$inc": bson.M{"total_messages": int64(added)},
			"$set": bson.M{"last_activity": now},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update channel totals: %w", err)
	}
	return nil
}

// advanceUpdate builds the checkpoint update. The timestamp only moves through
// $max. Any call with a candidate or a non-zero count upserts, so records
// without timestamps are still credited; a bare call only touches last_sync.
func advanceUpdate(channelID int64, candidate time.Time, added int, now time.Time) (bson.M, bson.M, *options.UpdateOptions) {
	filter := bson.M{"_id": channelID}
	update := bson.M{
		"$set": bson.M{"last_sync": now},
		"$inc": bson.M{"total_messages_indexed": int64(added)},
	}
	opts := options.Update()
	if !candidate.IsZero() {
		update["$max"] = bson.M{"last_indexed_timestamp": candidate.UTC()}
	}
	if !candidate.IsZero() || added != 0 {
		opts.SetUpsert(true)
	}
	return filter, update, opts
}

// ResetCheckpoint removes the checkpoint and failure ledger for a channel.
func (s *Store) ResetCheckpoint(ctx context.Context, channelID int64) error {
	if _, err := s.provider.Collection(cursorsCollection).DeleteOne(ctx, bson.M{"_id": channelID}); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if _, err := s.provider.Collection(failuresCollection).DeleteMany(ctx, bson.M{"channel_id": channelID}); err != nil {
		return fmt.Errorf("failed to delete window failures: %w", err)
	}
	return nil
}

// RecordWindowFailure upserts a failed window, incrementing its attempt count.
func (s *Store) RecordWindowFailure(ctx context.Context, f schema.WindowFailure) error {
	if f.FailedAt.IsZero() {
		f.FailedAt = s.now()
	}
	_, err := s.provider.Collection(failuresCollection).UpdateOne(ctx,
		bson.M{"channel_id": f.ChannelID, "window_start": f.WindowStart.UTC()},
		bson.M{
			"$set": bson.M{
				"window_end": f.WindowEnd.UTC(),
				"status":     f.Status,
				"error":      f.Error,
				"failed_at":  f.FailedAt.UTC(),
			},
			"$inc": bson.M{"attempts": 1},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to record window failure: %w", err)
	}
	return nil
}

// ClearWindowFailure removes a window from the failure ledger.
func (s *Store) ClearWindowFailure(ctx context.Context, channelID int64, windowStart time.Time) error {
	_, err := s.provider.Collection(failuresCollection).DeleteOne(ctx,
		bson.M{"channel_id": channelID, "window_start": windowStart.UTC()})
	if err != nil {
		return fmt.Errorf("failed to clear window failure: %w", err)
	}
	return nil
}

// PendingWindows returns the failed windows for a channel ordered by start.
func (s *Store) PendingWindows(ctx context.Context, channelID int64) ([]schema.WindowFailure, error) {
	cur, err := s.provider.Collection(failuresCollection).Find(ctx,
		bson.M{"channel_id": channelID},
		options.Find().SetSort(bson.D{{Key: "window_start", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query window failures: %w", err)
	}
	defer cur.Close(ctx)

	var docs []failureDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode window failures: %w", err)
	}

	failures := make([]schema.WindowFailure, 0, len(docs))
	for _, d := range docs {
		failures = append(failures, schema.WindowFailure{
			ChannelID:   d.ChannelID,
			WindowStart: d.WindowStart.UTC(),
			WindowEnd:   d.WindowEnd.UTC(),
			Status:      d.Status,
			Error:       d.Error,
			Attempts:    d.Attempts,
			FailedAt:    d.FailedAt.UTC(),
		})
	}
	return failures, nil
}
