package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(CodeNotConnected, "not connected")
	if err.Code != CodeNotConnected {
		t.Errorf("expected code %s, got %s", CodeNotConnected, err.Code)
	}
	if err.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
	if err.Error() != "NOT_CONNECTED: not connected" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestError_WithDetails(t *testing.T) {
	err := NewError(CodeToolNotFound, "missing").WithDetails(map[string]string{"name": "weather"})
	details, ok := err.Details.(map[string]string)
	if !ok {
		t.Fatalf("expected map details, got %T", err.Details)
	}
	if details["name"] != "weather" {
		t.Errorf("expected weather, got %s", details["name"])
	}
}

func TestError_IsByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(CodeInvalidState, "bad"))
	if !errors.Is(err, NewError(CodeInvalidState, "other message")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, NewError(CodeUnknown, "bad")) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(CodeConnectionFailed, "connect", cause)
	if err.Code != CodeConnectionFailed {
		t.Errorf("expected %s, got %s", CodeConnectionFailed, err.Code)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to cause")
	}

	existing := NewError(CodeAuthenticationFailed, "token")
	if Wrap(CodeConnectionFailed, "connect", existing) != existing {
		t.Error("wrapping an *Error should return it unchanged")
	}

	if Wrap(CodeUnknown, "nothing", nil).Code != CodeUnknown {
		t.Error("wrapping nil should still produce an error")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != "" {
		t.Error("nil error should have empty code")
	}
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Error("plain error should map to UNKNOWN_ERROR")
	}
	if CodeOf(fmt.Errorf("x: %w", NewError(CodeStreamLimitExceeded, "full"))) != CodeStreamLimitExceeded {
		t.Error("code should be found through wrapping")
	}
}

func TestRecode(t *testing.T) {
	inner := NewError(CodeConnectionFailed, "dial")
	err := Recode(CodeSessionResumptionFailed, "resume", inner)

	if err.Code != CodeSessionResumptionFailed {
		t.Errorf("expected SESSION_RESUMPTION_FAILED, got %s", err.Code)
	}
	if !errors.Is(err, NewError(CodeConnectionFailed, "")) {
		t.Error("recoded error should unwrap to the original code")
	}
	if Recode(CodeUnknown, "x", nil).Unwrap() != nil {
		t.Error("nil cause should stay nil")
	}
}
