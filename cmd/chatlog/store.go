package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mschirtzinger/chatlog/internal/chatlog/archive"
	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/fetch"
	"github.com/mschirtzinger/chatlog/internal/chatlog/mongodb"
	"github.com/mschirtzinger/chatlog/internal/chatlog/sync"
	"github.com/mschirtzinger/chatlog/internal/chatlog/writer"
	"github.com/mschirtzinger/chatlog/internal/config"
)

// openStore opens the configured store backend and prepares its schema.
func openStore(ctx context.Context, c *config.Config) (db.Store, error) {
	switch c.Store.Driver {
	case config.DriverMongoDB:
		return mongodb.Connect(ctx, c.Store.DSN, c.Store.Database, slog.Default())

	case config.DriverSQLite:
		database, err := db.Open(c.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.InitSchemaContext(ctx); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return database, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
}

// newSyncer wires a Syncer for c on top of store.
func newSyncer(c *config.Config, store db.Store, reporter sync.Reporter) (*sync.Syncer, error) {
	logger := slog.Default()

	client := fetch.New(c.BaseURL,
		fetch.WithTimeout(c.Timeout),
		fetch.WithMaxConns(c.Workers),
		fetch.WithLogger(logger),
	)

	scfg := sync.DefaultConfig()
	scfg.Workers = c.Workers
	scfg.Reporter = reporter
	scfg.Logger = logger

	if c.Archive.Dir != "" {
		a, err := archive.New(c.Archive.Dir, c.Archive.Codec)
		if err != nil {
			return nil, err
		}
		scfg.Archive = a
	}

	return sync.NewWithConfig(store, client, writer.New(store, c.BatchSize, logger), scfg)
}
