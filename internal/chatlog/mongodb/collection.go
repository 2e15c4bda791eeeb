package mongodb

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ---- Abstractions for Testability ----

// Collection is the subset of *mongo.Collection the store uses.
type Collection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// CollectionProvider hands out collections by name.
type CollectionProvider interface {
	Collection(name string) Collection
}

// DatabaseProvider adapts *mongo.Database to CollectionProvider.
type DatabaseProvider struct {
	db *mongo.Database
}

// Collection returns the named collection.
func (p *DatabaseProvider) Collection(name string) Collection {
	return p.db.Collection(name)
}

// Connect dials MongoDB, verifies the connection and creates the indexes the
// store relies on for deduplication.
func Connect(ctx context.Context, uri, database string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if database == "" {
		database = DefaultDatabase
	}
	logger.DebugContext(ctx, "connecting to MongoDB", "database", database)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	if err := ensureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.InfoContext(ctx, "connected to MongoDB", "database", database)
	store := New(&DatabaseProvider{db: db})
	store.closer = func() error {
		return client.Disconnect(context.Background())
	}
	return store, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		channelsCollection: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "dedup_key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
		failuresCollection: {
			{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "window_start", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}

	for name, models := range indexes {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}
	return nil
}
