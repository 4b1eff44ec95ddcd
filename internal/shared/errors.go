package shared

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("closed")
)

type ErrorCode string

const (
	CodeConnectionFailed         ErrorCode = "CONNECTION_FAILED"
	CodeConnectionNotEstablished ErrorCode = "CONNECTION_NOT_ESTABLISHED"
	CodeWebSocketError           ErrorCode = "WEBSOCKET_ERROR"

	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	CodeAPIKeyMissing        ErrorCode = "API_KEY_MISSING"
	CodeProjectIDMissing     ErrorCode = "PROJECT_ID_MISSING"

	CodeAudioProcessingError ErrorCode = "AUDIO_PROCESSING_ERROR"
	CodeAudioStreamError     ErrorCode = "AUDIO_STREAM_ERROR"
	CodeSpeakerStreamError   ErrorCode = "SPEAKER_STREAM_ERROR"
	CodeInvalidAudioFormat   ErrorCode = "INVALID_AUDIO_FORMAT"
	CodeStreamLimitExceeded  ErrorCode = "STREAM_LIMIT_EXCEEDED"

	CodeSessionConfigUpdateFailed ErrorCode = "SESSION_CONFIG_UPDATE_FAILED"
	CodeSessionResumptionFailed   ErrorCode = "SESSION_RESUMPTION_FAILED"

	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolExecutionError ErrorCode = "TOOL_EXECUTION_ERROR"

	CodeNotConnected ErrorCode = "NOT_CONNECTED"
	CodeInvalidState ErrorCode = "INVALID_STATE"
	CodeUnknown      ErrorCode = "UNKNOWN_ERROR"
)

// Error is the single error shape surfaced by every component, both as a
// returned error and as the payload of the "error" event.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	cause error
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap returns err unchanged when it already is an *Error, otherwise a new
// Error with the given code that unwraps to err.
func Wrap(code ErrorCode, message string, err error) *Error {
	if err == nil {
		return NewError(code, message)
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	e := NewError(code, message+": "+err.Error())
	e.cause = err
	return e
}

// Recode is Wrap without the passthrough: the result always carries code,
// with err kept as its cause.
func Recode(code ErrorCode, message string, err error) *Error {
	if err == nil {
		return NewError(code, message)
	}
	e := NewError(code, message+": "+err.Error())
	e.cause = err
	return e
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code of an *Error anywhere in err's chain.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return CodeUnknown
}
