// Package archive keeps a compressed copy of every raw window body fetched
// from the remote source, so a window can be re-imported without refetching.
//
// Layout:
//
//	<dir>/<channel>/<YYYY-MM>.ndjson.zst       whole-month windows
//	<dir>/<channel>/<start>_<end>.ndjson.zst   clipped windows
//
// Files are written under a temporary name and renamed into place only when
// the window completes, so a failed fetch never replaces a good archive.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mschirtzinger/chatlog/internal/chatlog/window"
)

const stampLayout = "20060102T150405Z"

// Archive writes window bodies below a root directory.
type Archive struct {
	dir   string
	codec string
	ext   string
}

// New creates an Archive rooted at dir using codec ("zstd", "lz4", "gzip" or "none").
func New(dir, codec string) (*Archive, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	ext, err := Extension(codec)
	if err != nil {
		return nil, err
	}
	if codec == "" {
		codec = CodecZstd
	}
	return &Archive{dir: dir, codec: codec, ext: ext}, nil
}

// Dir returns the archive root.
func (a *Archive) Dir() string {
	return a.dir
}

// Path returns the final path of the archive file for a channel window.
func (a *Archive) Path(channel string, w window.Window) string {
	name := w.Label()
	if !w.FullMonth() {
		name = w.Start.UTC().Format(stampLayout) + "_" + w.End.UTC().Format(stampLayout)
	}
	return filepath.Join(a.dir, channel, name+".ndjson"+a.ext)
}

// Create opens a new archive file for a channel window. The caller must end
// it with Commit or Abort.
func (a *Archive) Create(channel string, w window.Window) (*File, error) {
	final := a.Path(channel, w)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}

	zw, err := NewWriter(tmp, a.codec)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	return &File{tmp: tmp, zw: zw, final: final}, nil
}

// File is an archive file being written.
type File struct {
	mu    sync.Mutex
	tmp   *os.File
	zw    io.WriteCloser
	final string
	done  bool
}

// Write compresses p into the archive.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return 0, os.ErrClosed
	}
	return f.zw.Write(p)
}

// Path returns the path the file will have after Commit.
func (f *File) Path() string {
	return f.final
}

// Commit flushes the compressor and moves the file into place.
func (f *File) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil
	}
	f.done = true

	if err := f.zw.Close(); err != nil {
		_ = f.tmp.Close()
		_ = os.Remove(f.tmp.Name())
		return fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		_ = os.Remove(f.tmp.Name())
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(f.tmp.Name(), f.final); err != nil {
		_ = os.Remove(f.tmp.Name())
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

// Abort discards the file.
func (f *File) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil
	}
	f.done = true

	_ = f.zw.Close()
	_ = f.tmp.Close()
	if err := os.Remove(f.tmp.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archive temp file: %w", err)
	}
	return nil
}
