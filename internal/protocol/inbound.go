package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ServerMessage is the decoded union of every inbound frame shape. Fields
// that are absent from the frame stay nil/empty.
type ServerMessage struct {
	Setup                   json.RawMessage          `json:"setup,omitempty"`
	SetupComplete           json.RawMessage          `json:"setupComplete,omitempty"`
	SessionHandle           string                   `json:"sessionHandle,omitempty"`
	Candidates              json.RawMessage          `json:"candidates,omitempty"`
	Contents                json.RawMessage          `json:"contents,omitempty"`
	ServerContent           *ServerContent           `json:"serverContent,omitempty"`
	ToolCall                *ToolCall                `json:"toolCall,omitempty"`
	UsageMetadata           *UsageMetadata           `json:"usageMetadata,omitempty"`
	SessionEnd              *SessionEnd              `json:"sessionEnd,omitempty"`
	Error                   *ServerError             `json:"error,omitempty"`
	SessionResumptionUpdate *SessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	SessionUpdated          json.RawMessage          `json:"sessionUpdated,omitempty"`
	SessionUpdatedDotted    json.RawMessage          `json:"session.updated,omitempty"`
	GoAway                  *GoAway                  `json:"goAway,omitempty"`
	ResponseID              string                   `json:"responseId,omitempty"`
}

type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type ModelTurn struct {
	Parts []ServerPart `json:"parts"`
}

type ServerPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *ServerInlineData `json:"inlineData,omitempty"`
}

type ServerInlineData struct {
	MimeType  string `json:"mimeType,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data"`
}

// Type returns the part's media type, accepting either field name.
func (d *ServerInlineData) Type() string {
	if d.MimeType != "" {
		return d.MimeType
	}
	return d.MediaType
}

func (d *ServerInlineData) IsAudio() bool {
	return strings.HasPrefix(strings.ToLower(d.Type()), "audio/")
}

// SampleRate parses a "rate=" parameter from the media type, returning def
// when absent.
func (d *ServerInlineData) SampleRate(def int) int {
	for _, param := range strings.Split(d.Type(), ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolCall accepts both the flat {name,args,id} shape and the batched
// functionCalls shape.
type ToolCall struct {
	FunctionCall
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
}

func (t *ToolCall) Calls() []FunctionCall {
	if len(t.FunctionCalls) > 0 {
		return t.FunctionCalls
	}
	if t.Name == "" {
		return nil
	}
	return []FunctionCall{t.FunctionCall}
}

type ModalityTokenCount struct {
	Modality   string `json:"modality"`
	TokenCount int    `json:"tokenCount"`
}

type UsageMetadata struct {
	PromptTokenCount        int                  `json:"promptTokenCount"`
	ResponseTokenCount      int                  `json:"responseTokenCount"`
	TotalTokenCount         int                  `json:"totalTokenCount"`
	PromptTokensDetails     []ModalityTokenCount `json:"promptTokensDetails,omitempty"`
	ResponseTokensDetails   []ModalityTokenCount `json:"responseTokensDetails,omitempty"`
	CachedContentTokenCount int                  `json:"cachedContentTokenCount,omitempty"`
}

// Modality reports the dominant response modality in lower case, or "" when
// the frame does not say.
func (u *UsageMetadata) Modality() string {
	best, bestCount := "", -1
	for _, d := range u.ResponseTokensDetails {
		if d.TokenCount > bestCount {
			best, bestCount = d.Modality, d.TokenCount
		}
	}
	return strings.ToLower(best)
}

type SessionEnd struct {
	Reason string `json:"reason,omitempty"`
}

type ServerError struct {
	Code    any    `json:"code,omitempty"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type SessionResumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

type GoAway struct {
	TimeLeft string `json:"timeLeft"`
}

type Kind string

const (
	KindSetupComplete  Kind = "setup_complete"
	KindServerContent  Kind = "server_content"
	KindToolCall       Kind = "tool_call"
	KindUsage          Kind = "usage"
	KindSessionEnd     Kind = "session_end"
	KindError          Kind = "error"
	KindResumption     Kind = "session_resumption_update"
	KindSessionUpdated Kind = "session_updated"
	KindGoAway         Kind = "go_away"
	KindUnknown        Kind = "unknown"
)

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Decode parses one inbound frame.
func Decode(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Kind classifies the message. Checks run in a fixed priority order and the
// first match wins.
func (m *ServerMessage) Kind() Kind {
	if m.IsSetupComplete() {
		return KindSetupComplete
	}
	return m.ContentKind()
}

// ContentKind classifies the message ignoring setup completion. Once a
// session is ready, frames that merely carry a sessionHandle are routed by
// their other fields.
func (m *ServerMessage) ContentKind() Kind {
	switch {
	case m.ServerContent != nil:
		return KindServerContent
	case m.ToolCall != nil:
		return KindToolCall
	case m.UsageMetadata != nil:
		return KindUsage
	case m.SessionEnd != nil:
		return KindSessionEnd
	case m.Error != nil:
		return KindError
	case m.SessionResumptionUpdate != nil:
		return KindResumption
	case present(m.SessionUpdated) || present(m.SessionUpdatedDotted):
		return KindSessionUpdated
	case m.GoAway != nil:
		return KindGoAway
	default:
		return KindUnknown
	}
}

// IsSetupComplete also treats frames carrying a session handle, candidates
// or contents as setup completion.
func (m *ServerMessage) IsSetupComplete() bool {
	return present(m.Setup) ||
		present(m.SetupComplete) ||
		m.SessionHandle != "" ||
		present(m.Candidates) ||
		present(m.Contents)
}

// ErrorCode renders the server's error code, which may be numeric or a
// string.
func (e *ServerError) ErrorCode() string {
	switch v := e.Code.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
