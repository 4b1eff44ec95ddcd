package live

import (
	"time"

	"github.com/eleven-am/voice-live/internal/events"
)

type Status struct {
	State          events.SessionState `json:"state"`
	SessionID      string              `json:"session_id,omitempty"`
	Resumable      bool                `json:"resumable"`
	ConnectedAt    *time.Time          `json:"connected_at,omitempty"`
	UptimeSeconds  float64             `json:"uptime_seconds"`
	PendingFrames  int                 `json:"pending_frames"`
	ActiveStreams  int                 `json:"active_streams"`
	QueuedAudio    int                 `json:"queued_audio_bytes"`
	HistoryEntries int                 `json:"history_entries"`
	Tools          []string            `json:"tools"`
}

func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state}
	connectedAt := c.connectedAt
	c.mu.Unlock()

	c.sendMu.Lock()
	st.PendingFrames = c.pending.Len()
	c.sendMu.Unlock()

	st.SessionID = c.session.ID()
	st.Resumable = c.SessionHandle() != ""
	if st.State == events.StateConnected && !connectedAt.IsZero() {
		st.ConnectedAt = &connectedAt
		st.UptimeSeconds = time.Since(connectedAt).Seconds()
	}
	st.ActiveStreams = c.audio.StreamCount()
	st.QueuedAudio = c.audio.QueuedBytes()
	st.HistoryEntries = c.history.Len()
	st.Tools = c.tools.Names()
	return st
}
