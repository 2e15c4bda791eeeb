package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/chatlog/internal/chatlog/window"
)

var feb = window.Window{
	Start: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
}

func readBack(t *testing.T, path string) string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	r, err := NewReader(f, path)
	if err != nil {
		t.Fatalf("NewReader() failed: %v", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to read archive: %v", err)
	}
	return string(data)
}

func TestArchive_RoundTripAllCodecs(t *testing.T) {
	body := "{\"id\":\"1\"}\n{\"id\":\"2\"}\n"

	for _, codec := range []string{CodecZstd, CodecLZ4, CodecGzip, CodecNone} {
		t.Run(codec, func(t *testing.T) {
			a, err := New(t.TempDir(), codec)
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}

			f, err := a.Create("xqc", feb)
			if err != nil {
				t.Fatalf("Create() failed: %v", err)
			}
			if _, err := io.Copy(f, bytes.NewBufferString(body)); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			if _, err := os.Stat(f.Path()); !os.IsNotExist(err) {
				t.Error("final file must not exist before Commit")
			}
			if err := f.Commit(); err != nil {
				t.Fatalf("Commit() failed: %v", err)
			}

			if got := readBack(t, f.Path()); got != body {
				t.Errorf("round trip mismatch: %q", got)
			}
		})
	}
}

func TestArchive_Path(t *testing.T) {
	a, err := New("/data/archive", "")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if got := a.Path("xqc", feb); got != filepath.Join("/data/archive", "xqc", "2024-02.ndjson.zst") {
		t.Errorf("unexpected full-month path %s", got)
	}

	clipped := window.Window{Start: feb.Start.Add(-time.Hour), End: feb.Start}
	want := filepath.Join("/data/archive", "xqc", "20240131T230000Z_20240201T000000Z.ndjson.zst")
	if got := a.Path("xqc", clipped); got != want {
		t.Errorf("clipped path = %s, want %s", got, want)
	}
}

func TestArchive_AbortKeepsPreviousFile(t *testing.T) {
	a, err := New(t.TempDir(), CodecGzip)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	good, _ := a.Create("xqc", feb)
	_, _ = good.Write([]byte("good\n"))
	if err := good.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	bad, _ := a.Create("xqc", feb)
	_, _ = bad.Write([]byte("partial"))
	if err := bad.Abort(); err != nil {
		t.Fatalf("Abort() failed: %v", err)
	}
	if _, err := bad.Write([]byte("late")); err == nil {
		t.Error("write after Abort should fail")
	}

	if got := readBack(t, good.Path()); got != "good\n" {
		t.Errorf("aborted write replaced archive: %q", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(good.Path()))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestNew_RejectsUnknownCodec(t *testing.T) {
	if _, err := New(t.TempDir(), "brotli"); err == nil {
		t.Error("expected unknown codec to fail")
	}
	if _, err := New("", CodecZstd); err == nil {
		t.Error("expected empty directory to fail")
	}
}
