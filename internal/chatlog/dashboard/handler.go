package dashboard

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	chatsync "github.com/mschirtzinger/chatlog/internal/chatlog/sync"
	"github.com/mschirtzinger/chatlog/internal/chatlog/window"
)

// RunStartedData announces a planned run.
type RunStartedData struct {
	RunID       string    `json:"run_id"`
	ResumeFrom  time.Time `json:"resume_from"`
	Until       time.Time `json:"until"`
	Windows     int64     `json:"windows"`
	ForceResync bool      `json:"force_resync,omitempty"`
}

// WindowStartedData identifies a window being fetched.
type WindowStartedData struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WindowFinishedData carries a window summary and the run progress after it.
type WindowFinishedData struct {
	Window   chatsync.WindowSummary    `json:"window"`
	Progress chatsync.ProgressSnapshot `json:"progress"`
}

// ChannelState is the dashboard's view of one channel.
type ChannelState struct {
	Channel   string                    `json:"channel"`
	Running   bool                      `json:"running"`
	RunID     string                    `json:"run_id,omitempty"`
	StartedAt time.Time                 `json:"started_at,omitempty"`
	Progress  chatsync.ProgressSnapshot `json:"progress"`
	LastRun   *chatsync.RunSummary      `json:"last_run,omitempty"`
}

// StatsData contains the state of every channel seen so far.
type StatsData struct {
	Channels []ChannelState `json:"channels"`
}

// Handler turns sync events into dashboard messages. It implements
// sync.Reporter and is safe for concurrent use.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*ChannelState
}

var _ chatsync.Reporter = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server.
// New clients of server receive the handler's current stats first.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
		states: make(map[string]*ChannelState),
	}
	server.welcome = h.statsMessage
	return h
}

func (h *Handler) RunStarted(run *chatsync.RunSummary, progress *chatsync.Progress) {
	snap := progress.Snapshot()

	h.mu.Lock()
	st := h.state(run.Channel)
	st.Running = true
	st.RunID = run.RunID
	st.StartedAt = run.StartedAt
	st.Progress = snap
	h.mu.Unlock()

	h.send(MessageTypeRunStarted, run.Channel, RunStartedData{
		RunID:       run.RunID,
		ResumeFrom:  run.ResumeFrom,
		Until:       run.Until,
		Windows:     snap.WindowsTotal,
		ForceResync: run.ForceResync,
	})
	h.broadcastStats()
}

func (h *Handler) WindowStarted(channel string, w window.Window) {
	h.send(MessageTypeWindowStarted, channel, WindowStartedData{Label: w.Label(), Start: w.Start, End: w.End})
}

func (h *Handler) WindowFinished(channel string, summary chatsync.WindowSummary, progress chatsync.ProgressSnapshot) {
	h.mu.Lock()
	h.state(channel).Progress = progress
	h.mu.Unlock()

	h.send(MessageTypeWindowFinished, channel, WindowFinishedData{Window: summary, Progress: progress})
}

func (h *Handler) RunFinished(run *chatsync.RunSummary) {
	h.mu.Lock()
	st := h.state(run.Channel)
	st.Running = false
	st.LastRun = run
	h.mu.Unlock()

	h.send(MessageTypeRunFinished, run.Channel, run)
	h.broadcastStats()
}

// state returns the entry for channel, creating it. h.mu must be held.
func (h *Handler) state(channel string) *ChannelState {
	st, ok := h.states[channel]
	if !ok {
		st = &ChannelState{Channel: channel}
		h.states[channel] = st
	}
	return st
}

// GetStats returns a copy of the current state, ordered by channel.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := StatsData{Channels: make([]ChannelState, 0, len(h.states))}
	for _, st := range h.states {
		stats.Channels = append(stats.Channels, *st)
	}
	sort.Slice(stats.Channels, func(i, j int) bool {
		return stats.Channels[i].Channel < stats.Channels[j].Channel
	})
	return stats
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Error("failed to marshal stats", "error", err)
		return Message{Type: MessageTypeStats}
	}
	return Message{Type: MessageTypeStats, Data: data}
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) send(typ MessageType, channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal dashboard message", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Channel:   channel,
		Data:      data,
	})
}
