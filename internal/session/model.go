package session

import (
	"time"

	"github.com/eleven-am/voice-live/internal/history"
)

type Session struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle,omitempty"`
	StartTime time.Time `json:"start_time"`
	Resuming  bool      `json:"resuming"`
}

// Record is the persisted resumption state of one session.
type Record struct {
	SessionID string          `json:"session_id"`
	Handle    string          `json:"handle"`
	Context   []history.Entry `json:"context,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r *Record) RedisKey() string {
	return RedisKey(r.SessionID)
}

func RedisKey(sessionID string) string {
	return "live:session:" + sessionID
}
