package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/voice-live/internal/events"
	"github.com/eleven-am/voice-live/internal/shared"
	"github.com/google/uuid"
)

const (
	defaultReadyTimeout  = 30 * time.Second
	defaultExpiryWarning = 5 * time.Minute
)

type Config struct {
	ReadyTimeout time.Duration
	// MaxDuration arms the duration monitor when positive.
	MaxDuration   time.Duration
	ExpiryWarning time.Duration
}

type Manager struct {
	events *events.Manager
	cfg    Config
	log    *slog.Logger

	mu            sync.Mutex
	current       *Session
	serverHandle  bool
	durationTimer *time.Timer
	warningTimer  *time.Timer
}

func NewManager(ev *events.Manager, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.ExpiryWarning <= 0 {
		cfg.ExpiryWarning = defaultExpiryWarning
	}
	return &Manager{
		events: ev,
		cfg:    cfg,
		log:    log.With("component", "session"),
	}
}

// CreateSession replaces any current session. A non-empty handle marks the
// session as resuming.
func (m *Manager) CreateSession(handle string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimersLocked()
	s := &Session{
		ID:       uuid.NewString(),
		Handle:   handle,
		Resuming: handle != "",
	}
	m.current = s
	m.serverHandle = false
	m.log.Debug("session created", "session_id", s.ID, "resuming", s.Resuming)
	return *s
}

// StartSession stamps the start time and arms the duration monitor.
func (m *Manager) StartSession() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}
	m.current.StartTime = time.Now()
	m.stopTimersLocked()

	max := m.cfg.MaxDuration
	if max <= 0 {
		return
	}
	id := m.current.ID

	if max > m.cfg.ExpiryWarning {
		warning := m.cfg.ExpiryWarning
		m.warningTimer = time.AfterFunc(max-warning, func() {
			m.log.Warn("session nearing max duration", "session_id", id, "expires_in", warning)
			m.events.Emit(events.SessionExpiring, events.SessionExpiringEvent{SessionID: id, ExpiresIn: warning})
		})
	}
	m.durationTimer = time.AfterFunc(max, func() {
		m.log.Warn("session reached max duration", "session_id", id, "max_duration", max)
		m.events.Emit(events.DurationLimit, id)
	})
}

func (m *Manager) stopTimersLocked() {
	if m.durationTimer != nil {
		m.durationTimer.Stop()
		m.durationTimer = nil
	}
	if m.warningTimer != nil {
		m.warningTimer.Stop()
		m.warningTimer = nil
	}
}

// Waiter is a registered wait for session setup. Registering before the
// setup frame is sent means a fast reply cannot be missed.
type Waiter struct {
	result  chan error
	once    sync.Once
	cleanup func()
	timeout time.Duration
}

func (w *Waiter) fire(err error) {
	w.once.Do(func() {
		w.result <- err
		w.cleanup()
	})
}

// Wait blocks for exactly one of: setup complete, error, session end, or
// timeout.
func (w *Waiter) Wait(ctx context.Context) error {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case err := <-w.result:
		return err
	case <-timer.C:
		w.fire(shared.Errorf(shared.CodeConnectionFailed, "session setup timed out after %s", w.timeout))
	case <-ctx.Done():
		w.fire(shared.Wrap(shared.CodeConnectionFailed, "wait for session", ctx.Err()))
	}
	return <-w.result
}

func (m *Manager) AwaitSessionCreated() *Waiter {
	w := &Waiter{result: make(chan error, 1), timeout: m.cfg.ReadyTimeout}

	ready := m.events.Once(events.SetupComplete, func(any) {
		w.fire(nil)
	})
	failed := m.events.On(events.Error, func(p any) {
		err, ok := p.(*shared.Error)
		if !ok {
			w.fire(shared.NewError(shared.CodeConnectionFailed, "session setup failed"))
			return
		}
		if abortsSetup(err.Code) {
			w.fire(err)
		}
	})
	ended := m.events.Once(events.SessionEnd, func(any) {
		w.fire(shared.NewError(shared.CodeConnectionFailed, "session ended before setup completed"))
	})

	w.cleanup = func() {
		m.events.Off(events.SetupComplete, ready)
		m.events.Off(events.Error, failed)
		m.events.Off(events.SessionEnd, ended)
	}
	return w
}

// Cancel abandons the wait and removes its listeners.
func (w *Waiter) Cancel() {
	w.fire(shared.NewError(shared.CodeConnectionFailed, "session setup cancelled"))
}

// abortsSetup reports whether an error event should fail a pending setup.
// Errors raised by outbound validation, audio or tools while the session is
// still connecting do not.
func abortsSetup(code shared.ErrorCode) bool {
	switch code {
	case shared.CodeInvalidState, shared.CodeNotConnected,
		shared.CodeInvalidAudioFormat, shared.CodeStreamLimitExceeded,
		shared.CodeAudioProcessingError, shared.CodeAudioStreamError, shared.CodeSpeakerStreamError,
		shared.CodeToolNotFound, shared.CodeToolExecutionError,
		shared.CodeSessionConfigUpdateFailed:
		return false
	}
	return true
}

func (m *Manager) WaitForSessionCreated(ctx context.Context) error {
	return m.AwaitSessionCreated().Wait(ctx)
}

// SetHandle records a server-issued resumption handle.
func (m *Manager) SetHandle(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.current.Handle = handle
	m.serverHandle = true
}

// Handle returns the resumption handle and whether it was issued by the
// server during this connection. A handle that only echoes what the caller
// supplied on resume is returned with false.
func (m *Manager) Handle() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.Handle, m.serverHandle
}

func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

func (m *Manager) IsResuming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Resuming
}

func (m *Manager) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.StartTime.IsZero() {
		return 0
	}
	return time.Since(m.current.StartTime)
}

// Reset stops the duration monitor and drops the current session.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimersLocked()
	m.current = nil
	m.serverHandle = false
}
