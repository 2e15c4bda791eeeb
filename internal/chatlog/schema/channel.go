package schema

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Channel source types understood by the remote log API.
const (
	ChannelTypeName = "channel"
	ChannelTypeID   = "channelid"
)

var channelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,50}$`)

// Channel identifies a mirrored log source.
type Channel struct {
	ID            int64
	Name          string
	DisplayName   string
	ChannelType   string
	RoomID        string
	CreatedAt     time.Time
	LastActivity  *time.Time
	TotalMessages int64
}

// Ref returns the lightweight reference passed to fetch workers.
func (c *Channel) Ref() ChannelRef {
	return ChannelRef{ID: c.ID, Name: c.Name, Type: c.ChannelType}
}

// ChannelRef is what a fetch or commit needs to know about a channel.
type ChannelRef struct {
	ID   int64
	Name string
	Type string
}

// NormalizeChannelName lowercases and trims a channel name.
func NormalizeChannelName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateChannel checks a channel name and source type.
func ValidateChannel(name, channelType string) error {
	if name == "" {
		return fmt.Errorf("channel name is required")
	}
	if !channelNamePattern.MatchString(name) {
		return fmt.Errorf("invalid channel name %q", name)
	}
	switch channelType {
	case ChannelTypeName, ChannelTypeID:
	default:
		return fmt.Errorf("channel type must be %q or %q (got %q)", ChannelTypeName, ChannelTypeID, channelType)
	}
	return nil
}

// Checkpoint is the durable sync progress marker for one channel.
type Checkpoint struct {
	ChannelID            int64
	LastIndexedTimestamp time.Time
	LastSync             time.Time
	TotalMessagesIndexed int64
}

// WindowFailure records a window that did not complete and must be re-fetched.
type WindowFailure struct {
	ChannelID   int64
	WindowStart time.Time
	WindowEnd   time.Time
	Status      string
	Error       string
	Attempts    int
	FailedAt    time.Time
}
