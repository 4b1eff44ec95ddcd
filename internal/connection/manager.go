// Package connection owns the single websocket to the remote endpoint.
package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/voice-live/internal/shared"
	"github.com/gorilla/websocket"
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 16 * 1024 * 1024
	defaultOpenTimeout = 30 * time.Second
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// readyState mirrors the socket's native ready state. State is derived from
// it and never stored separately.
type readyState int

const (
	readyNone readyState = iota
	readyConnecting
	readyOpen
	readyClosed
)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	OpenTimeout    time.Duration
	MaxMessageSize int64
	Dialer         Dialer
}

type MessageHandler func(data []byte)

// CloseHandler is called when the remote side or the network ends an open
// connection. It is not called for Close.
type CloseHandler func(err error)

type attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

type Manager struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	ws        *websocket.Conn
	ready     readyState
	attempt   *attempt
	done      chan struct{}
	onMessage MessageHandler
	onClose   CloseHandler

	writeMu sync.Mutex
}

func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = maxMessageSize
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.OpenTimeout,
		}
	}
	return &Manager{
		cfg: cfg,
		log: log.With("component", "connection"),
	}
}

func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.mu.Lock()
	m.onMessage = h
	m.mu.Unlock()
}

func (m *Manager) SetCloseHandler(h CloseHandler) {
	m.mu.Lock()
	m.onClose = h
	m.mu.Unlock()
}

// Connect starts the handshake in the background. Use WaitForOpen to learn
// its outcome.
func (m *Manager) Connect(ctx context.Context, url string, header http.Header) error {
	m.mu.Lock()
	if m.ready == readyConnecting || m.ready == readyOpen {
		m.mu.Unlock()
		return shared.NewError(shared.CodeInvalidState, "connection already active")
	}
	a := &attempt{done: make(chan struct{})}
	m.attempt = a
	m.ready = readyConnecting
	m.mu.Unlock()

	m.log.Debug("dialing", "url", url)
	go m.dial(ctx, a, url, header)
	return nil
}

func (m *Manager) dial(ctx context.Context, a *attempt, url string, header http.Header) {
	ws, resp, err := m.cfg.Dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		m.ready = readyClosed
		m.mu.Unlock()
		details := map[string]any{"url": redact(url)}
		if resp != nil {
			details["status"] = resp.StatusCode
		}
		m.log.Error("websocket dial failed", "error", err)
		a.finish(shared.Wrap(shared.CodeConnectionFailed, "dial", err).WithDetails(details))
		return
	}

	m.ws = ws
	m.ready = readyOpen
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	ws.SetReadLimit(m.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go m.readLoop(ws)
	go m.pingLoop(ws, done)

	m.log.Info("websocket open")
	a.finish(nil)
}

// WaitForOpen resolves once the socket is open, or fails on timeout or if
// the handshake errors or is closed first.
func (m *Manager) WaitForOpen(ctx context.Context) error {
	m.mu.Lock()
	if m.ready == readyOpen {
		m.mu.Unlock()
		return nil
	}
	a := m.attempt
	m.mu.Unlock()

	if a == nil {
		return shared.NewError(shared.CodeConnectionNotEstablished, "connect has not been called")
	}

	timer := time.NewTimer(m.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case <-a.done:
		return a.err
	case <-timer.C:
		return shared.Errorf(shared.CodeConnectionFailed, "connection timed out after %s", m.cfg.OpenTimeout)
	case <-ctx.Done():
		return shared.Wrap(shared.CodeConnectionFailed, "wait for open", ctx.Err())
	}
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleClosed(ws, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		m.mu.Lock()
		h := m.onMessage
		m.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (m *Manager) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.log.Warn("websocket ping failed", "error", err)
				return
			}
		}
	}
}

func (m *Manager) handleClosed(ws *websocket.Conn, err error) {
	m.mu.Lock()
	if m.ws != ws {
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.ready = readyClosed
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	cb := m.onClose
	m.mu.Unlock()

	_ = ws.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.log.Info("websocket closed by remote", "error", err)
		err = nil
	} else {
		m.log.Error("websocket read error", "error", err)
	}
	if cb != nil {
		cb(err)
	}
}

// Send writes one text frame. It fails fast with CONNECTION_NOT_ESTABLISHED
// when the socket is not open; queueing is the caller's job.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	ws := m.ws
	open := m.ready == readyOpen
	m.mu.Unlock()

	if ws == nil || !open {
		return shared.NewError(shared.CodeConnectionNotEstablished, "websocket is not open")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		m.log.Error("websocket write error", "error", err)
		return shared.Wrap(shared.CodeWebSocketError, "write", err)
	}
	return nil
}

func (m *Manager) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return shared.Wrap(shared.CodeUnknown, "marshal frame", err)
	}
	return m.Send(data)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	ws := m.ws
	a := m.attempt
	m.ws = nil
	m.attempt = nil
	if m.ready != readyNone {
		m.ready = readyClosed
	}
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.mu.Unlock()

	if a != nil {
		a.finish(shared.NewError(shared.CodeWebSocketError, "connection closed before open"))
	}
	if ws == nil {
		return nil
	}

	m.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	m.writeMu.Unlock()

	m.log.Info("websocket closed")
	return ws.Close()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.ready {
	case readyConnecting:
		return StateConnecting
	case readyOpen:
		return StateConnected
	case readyClosed:
		return StateClosed
	default:
		return StateDisconnected
	}
}

func (m *Manager) IsOpen() bool {
	return m.State() == StateConnected
}
