package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/chatlog/internal/chatlog/sync"
)

func sampleRun() *sync.RunSummary {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cp := time.Date(2024, 3, 10, 0, 9, 0, 0, time.UTC)
	return &sync.RunSummary{
		RunID:      "4f0d8b5e-run",
		Channel:    "xqc",
		ChannelID:  1,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		ResumeFrom: start,
		Until:      start.AddDate(0, 1, 0),
		Windows: []sync.WindowSummary{
			{Label: "2024-03", Start: start, End: start.AddDate(0, 1, 0), Status: sync.StatusTimeout,
				Elapsed: 1500 * time.Millisecond, Error: "fetch timed out"},
		},
		Failed:     1,
		Checkpoint: &cp,
	}
}

func TestWrite_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, "yml", sampleRun()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"status: timeout", "channel: xqc", "elapsed: 1.5s", "success: false"} {
		if !strings.Contains(out, want) {
			t.Errorf("YAML report missing %q:\n%s", want, out)
		}
	}

	runs, err := Read(&buf, FormatYAML)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if diff := cmp.Diff([]*sync.RunSummary{sampleRun()}, runs); diff != "" {
		t.Errorf("YAML report mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteFile_JSON(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")

	path, err := WriteFile(dir, FormatJSON, sampleRun())
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if filepath.Base(path) != "xqc-4f0d8b5e-run.json" {
		t.Errorf("unexpected report path %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open report: %v", err)
	}
	defer f.Close()

	runs, err := Read(f, FormatJSON)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Windows[0].Status != sync.StatusTimeout {
		t.Errorf("unexpected report contents: %+v", runs)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestParseFormat(t *testing.T) {
	if f, _ := ParseFormat(""); f != FormatJSON {
		t.Errorf("default format = %q", f)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected xml to be rejected")
	}
}
