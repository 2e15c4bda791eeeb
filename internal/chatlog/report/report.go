// Package report serializes sync run summaries as JSON or YAML.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/chatlog/internal/chatlog/sync"
)

// Supported formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ParseFormat validates a format name. "yml" is accepted as YAML.
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want json or yaml)", s)
	}
}

// Write encodes runs to w in the given format.
func Write(w io.Writer, format string, runs ...*sync.RunSummary) error {
	format, err := ParseFormat(format)
	if err != nil {
		return err
	}

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(runs); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return nil
	}
}

// WriteFile writes one run to <dir>/<channel>-<run id>.<format>, atomically.
// It returns the path written.
func WriteFile(dir, format string, run *sync.RunSummary) (string, error) {
	format, err := ParseFormat(format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.%s", run.Channel, run.RunID, format))
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}

	if err := Write(tmp, format, run); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close report file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to rename report file: %w", err)
	}
	return path, nil
}

// Read decodes a report written by Write or WriteFile.
func Read(r io.Reader, format string) ([]*sync.RunSummary, error) {
	format, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}

	var runs []*sync.RunSummary
	switch format {
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(&runs)
	default:
		err = json.NewDecoder(r).Decode(&runs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return runs, nil
}
