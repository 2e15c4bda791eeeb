package daemon_test

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mschirtzinger/chatlog/internal/chatlog/daemon"
	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/fetch"
	"github.com/mschirtzinger/chatlog/internal/chatlog/sync"
	"github.com/mschirtzinger/chatlog/internal/chatlog/writer"
)

// This example keeps two channels mirrored, syncing every 10 minutes.
// Note: This is for documentation only and won't run as a test.
func ExampleNewWithConfig() {
	store, err := db.Open("data/chatlog.db")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	syncer := sync.New(store, fetch.New(""), writer.New(store, 0, nil))

	load := func() ([]sync.Options, error) {
		return []sync.Options{
			{Channel: "xqc", Overlap: sync.DefaultOverlap, ReplayFailed: true},
			{Channel: "forsen", Overlap: sync.DefaultOverlap, ReplayFailed: true},
		}, nil
	}

	d, err := daemon.NewWithConfig(syncer, load, &daemon.Config{
		Interval: 10 * time.Minute,
		OnRun: func(run *sync.RunSummary) {
			log.Printf("%s: %d new records", run.Channel, run.Inserted)
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		log.Fatal(err)
	}
}
