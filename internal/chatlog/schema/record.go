// Package schema provides the data structures shared by the chatlog sync engine.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// TimeLayout is the fixed-width UTC layout used when timestamps are stored as
// text. Fixed width keeps lexical order equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is a single chat message parsed from the remote log.
type Record struct {
	// ===== Source fields =====
	MessageID   string    // "id"; may be empty
	Text        string    // "text"
	DisplayName string    // "displayName"
	Timestamp   time.Time // "timestamp"; zero when absent or malformed

	// ===== Extracted from tags =====
	UserID     string
	Color      string
	Subscriber string
	Badges     string
	RoomID     string
	TMISentTS  string

	// Tags is the raw "tags" object, kept verbatim.
	Tags json.RawMessage
}

// HasTimestamp reports whether the record carries a usable timestamp.
func (r *Record) HasTimestamp() bool {
	return !r.Timestamp.IsZero()
}

// TimestampText returns the stored text form of the timestamp, or "" when absent.
func (r *Record) TimestampText() string {
	if !r.HasTimestamp() {
		return ""
	}
	return FormatTime(r.Timestamp)
}

// IdentityKey returns the dedup key identifying the record within a channel.
//
// Records with a source id are identified by (id, timestamp); records without
// one fall back to (timestamp, text, display name).
func (r *Record) IdentityKey() string {
	h := sha256.New()
	if r.MessageID != "" {
		writeField(h, "id")
		writeField(h, r.MessageID)
		writeField(h, r.TimestampText())
	} else {
		writeField(h, "fallback")
		writeField(h, r.TimestampText())
		writeField(h, r.Text)
		writeField(h, r.DisplayName)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length-prefixed field so that adjacent fields cannot
// collide ("ab"+"c" vs "a"+"bc").
func writeField(h io.Writer, s string) {
	_, _ = h.Write([]byte(strconv.Itoa(len(s))))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(s))
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp stored in TimeLayout.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// ParseError reports a line that could not be decoded into a Record.
type ParseError struct {
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse record %q: %v", e.Excerpt, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is (or wraps) a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// wireMessage is the JSON shape of one remote log record.
type wireMessage struct {
	ID          scalar          `json:"id"`
	Text        scalar          `json:"text"`
	DisplayName scalar          `json:"displayName"`
	Timestamp   scalar          `json:"timestamp"`
	Tags        json.RawMessage `json:"tags"`
}

// scalar accepts a JSON string, number, bool or null and keeps its text form.
type scalar string

func (s *scalar) UnmarshalJSON(b []byte) error {
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = scalar(v)
	case len(b) > 0 && (b[0] == '{' || b[0] == '['):
		return fmt.Errorf("expected scalar, got %s", excerpt(b))
	default:
		*s = scalar(b)
	}
	return nil
}

const excerptLen = 120

// ParseRecord decodes one line of newline-delimited JSON into a Record.
//
// A malformed line yields a *ParseError; callers skip it and continue. A
// missing or malformed timestamp is not an error: the record is returned with
// a zero Timestamp.
func ParseRecord(line []byte) (*Record, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ParseError{Excerpt: excerpt(trimmed), Err: errors.New("not a JSON object")}
	}

	var msg wireMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, &ParseError{Excerpt: excerpt(trimmed), Err: err}
	}

	rec := &Record{
		MessageID:   string(msg.ID),
		Text:        string(msg.Text),
		DisplayName: string(msg.DisplayName),
	}

	if msg.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, string(msg.Timestamp)); err == nil {
			rec.Timestamp = ts.UTC()
		}
	}

	if len(msg.Tags) > 0 && !bytes.Equal(msg.Tags, []byte("null")) {
		rec.Tags = append(json.RawMessage(nil), msg.Tags...)
		extractTags(rec, msg.Tags)
	}

	return rec, nil
}

// extractTags copies the well-known tag values into their record fields.
// Tags that are not a JSON object are left raw.
func extractTags(rec *Record, raw json.RawMessage) {
	var tags map[string]any
	if err := json.Unmarshal(raw, &tags); err != nil {
		return
	}
	rec.UserID = tagString(tags, "user-id")
	rec.Color = tagString(tags, "color")
	rec.Subscriber = tagString(tags, "subscriber")
	rec.Badges = tagString(tags, "badges")
	rec.RoomID = tagString(tags, "room-id")
	rec.TMISentTS = tagString(tags, "tmi-sent-ts")
}

func tagString(tags map[string]any, key string) string {
	switch v := tags[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func excerpt(b []byte) string {
	if len(b) > excerptLen {
		return string(b[:excerptLen]) + "..."
	}
	return string(b)
}
