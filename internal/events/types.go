package events

import (
	"io"
	"time"

	"github.com/eleven-am/voice-live/internal/shared"
)

type Name string

// Application events.
const (
	Speaker         Name = "speaker"
	Speaking        Name = "speaking"
	Writing         Name = "writing"
	Session         Name = "session"
	ToolCall        Name = "toolCall"
	Usage           Name = "usage"
	Error           Name = "error"
	SessionHandle   Name = "sessionHandle"
	SessionExpiring Name = "sessionExpiring"
	TurnComplete    Name = "turnComplete"
)

// Protocol lifecycle signals used between components.
const (
	SetupComplete  Name = "setupComplete"
	SessionEnd     Name = "sessionEnd"
	SessionUpdated Name = "sessionUpdated"
	DurationLimit  Name = "durationLimit"
)

type SessionState string

const (
	StateConnecting    SessionState = "connecting"
	StateConnected     SessionState = "connected"
	StateDisconnecting SessionState = "disconnecting"
	StateDisconnected  SessionState = "disconnected"
	StateUpdated       SessionState = "updated"
)

// SpeakerEvent carries the readable audio stream for one model turn.
type SpeakerEvent struct {
	ResponseID string
	Stream     io.Reader
}

type SpeakingEvent struct {
	ResponseID string
	Audio      []byte
	Samples    []int16
	SampleRate int
}

type WritingEvent struct {
	Text string
	Role shared.Role
}

type SessionEvent struct {
	State     SessionState
	SessionID string
	Reason    string
	Config    any
}

type ToolCallEvent struct {
	ID     string
	Name   string
	Args   map[string]any
	Result any
}

type UsageEvent struct {
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
	Modality       string
}

type SessionHandleEvent struct {
	SessionID string
	Handle    string
}

type SessionExpiringEvent struct {
	SessionID string
	ExpiresIn time.Duration
}

type TurnCompleteEvent struct {
	ResponseID string
	Timestamp  time.Time
}
