package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/chatlog/internal/chatlog/sync"
	"github.com/mschirtzinger/chatlog/internal/config"
)

func TestOpenStore_SQLite(t *testing.T) {
	c := config.Default()
	c.Store.DSN = filepath.Join(t.TempDir(), "chatlog.db")

	ctx := context.Background()
	store, err := openStore(ctx, c)
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	defer store.Close()

	ch, err := store.EnsureChannel(ctx, "xqc", "")
	if err != nil {
		t.Fatalf("EnsureChannel failed: %v", err)
	}
	if ch.Name != "xqc" {
		t.Errorf("channel name = %q", ch.Name)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	c := config.Default()
	c.Store.Driver = "postgres"
	c.Store.DSN = "x"

	if _, err := openStore(context.Background(), c); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNewSyncer(t *testing.T) {
	c := config.Default()
	c.Store.DSN = filepath.Join(t.TempDir(), "chatlog.db")

	store, err := openStore(context.Background(), c)
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	defer store.Close()

	c.Archive.Dir = t.TempDir()
	if _, err := newSyncer(c, store, sync.NopReporter{}); err != nil {
		t.Errorf("newSyncer failed: %v", err)
	}

	c.Archive.Codec = "brotli"
	if _, err := newSyncer(c, store, sync.NopReporter{}); err == nil {
		t.Error("expected error for unknown archive codec")
	}
}

func TestFlagKeysAreRegistered(t *testing.T) {
	for name := range flagKeys {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("flag --%s is mapped but not registered", name)
		}
	}
}

func TestExecute_FailedSyncReleasesResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	dbPath := filepath.Join(dir, "chatlog.db")

	err := execute([]string{"sync", "xqc",
		"--db", dbPath,
		"--base-url", srv.URL,
		"--earliest", "2024-01-01",
		"--until", "2024-02-01",
		"--log-file", filepath.Join(dir, "chatlog.log"),
	})
	if !errors.Is(err, errReported) {
		t.Fatalf("expected errReported, got %v", err)
	}

	if logCloser != nil {
		t.Error("log file left open")
	}
	// The WAL file is removed when the last connection closes.
	if _, err := os.Stat(dbPath + "-wal"); !os.IsNotExist(err) {
		t.Errorf("store not closed: %s-wal still present (%v)", dbPath, err)
	}

	store, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	defer store.Close()
	pending, err := store.PendingWindows(context.Background(), 1)
	if err != nil || len(pending) != 1 {
		t.Errorf("failed window not recorded: %+v, %v", pending, err)
	}
}
