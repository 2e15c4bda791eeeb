// Package importer loads newline-delimited JSON chat logs from local files
// into the store, using the same splitter, parser and writer as a remote sync.
//
// Files may be plain or compressed; the codec is chosen by extension (.zst,
// .lz4, .gz), so window archives written by a sync can be re-imported as is.
package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mschirtzinger/chatlog/internal/chatlog/archive"
	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/fetch"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
	"github.com/mschirtzinger/chatlog/internal/chatlog/writer"
)

// Options contains configuration for an import.
type Options struct {
	Channel     string
	ChannelType string // defaults to schema.ChannelTypeName
	Paths       []string
	DryRun      bool // parse and count without writing
}

// FileResult contains statistics for one imported file.
type FileResult struct {
	Path         string
	Lines        int
	Parsed       int
	ParseErrors  int
	Inserted     int
	MaxTimestamp time.Time
	Err          error
}

// Result contains statistics about the import.
type Result struct {
	Channel     string
	Files       []FileResult
	Lines       int
	Parsed      int
	ParseErrors int
	Inserted    int
	Elapsed     time.Duration
}

// Failed returns the number of files that could not be imported.
func (r *Result) Failed() int {
	n := 0
	for _, f := range r.Files {
		if f.Err != nil {
			n++
		}
	}
	return n
}

// Importer replays local log files into a store.
type Importer struct {
	store  db.Store
	writer *writer.Writer
	logger *slog.Logger
}

// New creates an Importer. A nil logger selects slog.Default().
func New(store db.Store, w *writer.Writer, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	if w == nil {
		w = writer.New(store, 0, logger)
	}
	return &Importer{store: store, writer: w, logger: logger}
}

// Import loads every file in opts.Paths. Directories are expanded to the
// .ndjson files they contain (compressed or not), in name order.
//
// A file that fails does not stop the import; its error is kept in the
// FileResult. Import returns an error only when nothing can be imported.
func (im *Importer) Import(ctx context.Context, opts Options) (*Result, error) {
	if opts.ChannelType == "" {
		opts.ChannelType = schema.ChannelTypeName
	}
	if err := schema.ValidateChannel(schema.NormalizeChannelName(opts.Channel), opts.ChannelType); err != nil {
		return nil, err
	}

	paths, err := expand(opts.Paths)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no input files")
	}

	ch, err := im.store.EnsureChannel(ctx, opts.Channel, opts.ChannelType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel: %w", err)
	}

	start := time.Now()
	result := &Result{Channel: ch.Name}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		fr := im.importFile(ctx, ch, path, opts.DryRun)
		result.Files = append(result.Files, fr)
		result.Lines += fr.Lines
		result.Parsed += fr.Parsed
		result.ParseErrors += fr.ParseErrors
		result.Inserted += fr.Inserted

		if fr.Err != nil {
			im.logger.Warn("import failed", "channel", ch.Name, "file", path, "error", fr.Err)
		} else {
			im.logger.Info("imported file",
				"channel", ch.Name,
				"file", path,
				"parsed", fr.Parsed,
				"parse_errors", fr.ParseErrors,
				"inserted", fr.Inserted)
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

func (im *Importer) importFile(ctx context.Context, ch *schema.Channel, path string, dryRun bool) FileResult {
	fr := FileResult{Path: path}

	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		fr.Err = fmt.Errorf("failed to open file: %w", err)
		return fr
	}
	defer f.Close()

	r, err := archive.NewReader(f, path)
	if err != nil {
		fr.Err = err
		return fr
	}
	defer r.Close()

	var batch *writer.Batch
	if !dryRun {
		// An imported file says nothing about coverage before it, so the
		// checkpoint timestamp stays where sync left it.
		batch = im.writer.Begin(ch.ID)
		batch.CountOnly = true
	}

	splitter := fetch.NewLineSplitter(func(line []byte) error {
		rec, err := schema.ParseRecord(line)
		if err != nil {
			fr.ParseErrors++
			return nil
		}
		fr.Parsed++
		if rec.Timestamp.After(fr.MaxTimestamp) {
			fr.MaxTimestamp = rec.Timestamp
		}
		if batch == nil {
			return nil
		}
		return batch.Add(ctx, rec)
	})

	_, err = io.Copy(splitter, r)
	if err == nil {
		err = splitter.Close()
	}
	fr.Lines = splitter.Lines()

	if batch == nil {
		fr.Err = err
		return fr
	}
	if err != nil {
		res := batch.Abort(ctx)
		fr.Inserted = res.Inserted
		fr.Err = fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
		return fr
	}

	res, err := batch.Finish(ctx)
	fr.Inserted = res.Inserted
	fr.Err = err
	return fr
}

// expand resolves directories into the log files below them.
func expand(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("input file does not exist: %w", err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}

		var found []string
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isLogFile(d.Name()) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", p, err)
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out, nil
}

func isLogFile(name string) bool {
	for _, suffix := range []string{".ndjson", ".jsonl", ".json"} {
		for _, ext := range []string{"", ".zst", ".zstd", ".lz4", ".gz", ".gzip"} {
			if strings.HasSuffix(name, suffix+ext) {
				return true
			}
		}
	}
	return false
}
