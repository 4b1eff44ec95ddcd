// Package protocol defines the JSON frames exchanged with the remote
// generative-voice endpoint.
package protocol

import "encoding/json"

type FrameType string

const (
	TypeSetup         FrameType = "setup"
	TypeClientContent FrameType = "client_content"
	TypeRealtimeInput FrameType = "realtime_input"
	TypeSessionUpdate FrameType = "session.update"
	TypeSessionResume FrameType = "session_resume"
	TypeToolResult    FrameType = "tool_result"
)

// Frame is one outbound message, tagged with its type for logging and
// metrics.
type Frame struct {
	Type    FrameType
	Payload any
}

func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[FrameType]any{f.Type: f.Payload})
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type FunctionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
	Temperature        *float64      `json:"temperature,omitempty"`
	MaxOutputTokens    int           `json:"maxOutputTokens,omitempty"`
}

func VoiceGenerationConfig(voice string) *GenerationConfig {
	cfg := &GenerationConfig{ResponseModalities: []string{"AUDIO"}}
	if voice != "" {
		cfg.SpeechConfig = &SpeechConfig{VoiceConfig: VoiceConfig{PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: voice}}}
	}
	return cfg
}

type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type MediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

type VADConfig struct {
	Enabled         bool    `json:"enabled"`
	Sensitivity     float64 `json:"sensitivity,omitempty"`
	SilenceDuration int     `json:"silence_duration_ms,omitempty"`
}

type InterruptConfig struct {
	Enabled   bool `json:"enabled"`
	AllowUser bool `json:"allow_user_interruption,omitempty"`
}

type ContextCompressionConfig struct {
	Enabled bool `json:"enabled"`
}

type SessionConfig struct {
	GenerationConfig   *GenerationConfig         `json:"generation_config,omitempty"`
	SystemInstruction  *Content                  `json:"system_instruction,omitempty"`
	Tools              []Tool                    `json:"tools,omitempty"`
	VAD                *VADConfig                `json:"vad,omitempty"`
	Interrupts         *InterruptConfig          `json:"interrupts,omitempty"`
	ContextCompression *ContextCompressionConfig `json:"context_compression,omitempty"`
}

type SessionUpdate struct {
	Session SessionConfig `json:"session"`
}

type ContextTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type SessionResume struct {
	Handle  string        `json:"handle"`
	Context []ContextTurn `json:"context,omitempty"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Result     any    `json:"result"`
}

func NewSetup(s Setup) Frame {
	return Frame{Type: TypeSetup, Payload: s}
}

func NewTextTurn(role, text string) Frame {
	return Frame{Type: TypeClientContent, Payload: ClientContent{
		Turns:        []Content{{Role: role, Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}}
}

func NewClientContent(turns []Content, turnComplete bool) Frame {
	return Frame{Type: TypeClientContent, Payload: ClientContent{Turns: turns, TurnComplete: turnComplete}}
}

func NewRealtimeAudio(mimeType, data string) Frame {
	return Frame{Type: TypeRealtimeInput, Payload: RealtimeInput{
		MediaChunks: []MediaChunk{{MimeType: mimeType, Data: data}},
	}}
}

func NewSessionUpdate(cfg SessionConfig) Frame {
	return Frame{Type: TypeSessionUpdate, Payload: SessionUpdate{Session: cfg}}
}

func NewSessionResume(handle string, context []ContextTurn) Frame {
	return Frame{Type: TypeSessionResume, Payload: SessionResume{Handle: handle, Context: context}}
}

func NewToolResult(callID string, result any) Frame {
	return Frame{Type: TypeToolResult, Payload: ToolResult{ToolCallID: callID, Result: result}}
}

func TextContent(text string) *Content {
	if text == "" {
		return nil
	}
	return &Content{Parts: []Part{{Text: text}}}
}
