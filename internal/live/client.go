// Package live is the realtime voice client: it owns one session against
// the remote generative-voice endpoint and turns its frames into typed
// application events.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/voice-live/internal/audio"
	"github.com/eleven-am/voice-live/internal/auth"
	"github.com/eleven-am/voice-live/internal/connection"
	"github.com/eleven-am/voice-live/internal/events"
	"github.com/eleven-am/voice-live/internal/history"
	"github.com/eleven-am/voice-live/internal/observability"
	"github.com/eleven-am/voice-live/internal/protocol"
	"github.com/eleven-am/voice-live/internal/session"
	"github.com/eleven-am/voice-live/internal/shared"
	"github.com/eleven-am/voice-live/internal/tools"
)

// SessionStore persists resumption records.
type SessionStore interface {
	Save(ctx context.Context, rec *session.Record) error
	Load(ctx context.Context, sessionID string) (*session.Record, error)
}

type Client struct {
	cfg          Config
	log          *slog.Logger
	metrics      *observability.Metrics
	store        SessionStore
	forwarder    tools.AgentForwarder
	declarer     tools.Declarer
	initialTools []tools.Tool

	auth    *auth.Manager
	events  *events.Manager
	history *history.Manager
	conn    *connection.Manager
	session *session.Manager
	audio   *audio.StreamManager
	tools   *tools.Registry

	// lifecycleMu serializes Connect, Disconnect and resume.
	lifecycleMu sync.Mutex

	mu           sync.Mutex
	state        events.SessionState
	voice        string
	instructions []string
	connectedAt  time.Time
	responseID   string
	turnAudio    bool
	turnStarted  time.Time
	updateAck    chan error
	durationSub  events.ListenerID

	// lastTurnAudio remembers whether the finished turn carried audio, for
	// usage frames that trail the turn-complete signal.
	lastTurnAudio bool

	// sendMu guards the pending queue and the ready flag so a frame can never
	// slip between the drain and the switch to direct sends.
	sendMu  sync.Mutex
	pending pendingQueue
	ready   bool
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:   cfg,
		state: events.StateDisconnected,
		voice: cfg.Voice,
	}
	c.pending.limit = cfg.MaxPendingFrames
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	baseLog := c.log
	c.log = baseLog.With("component", "live")

	authMgr, err := auth.NewManager(cfg.Auth, baseLog)
	if err != nil {
		return nil, err
	}
	c.auth = authMgr
	c.auth.OnTokenFetch(c.metrics.TokenRefreshed)

	c.events = events.NewManager(baseLog)
	c.history = history.NewManager(cfg.History)
	c.conn = connection.NewManager(cfg.Connection, baseLog)
	c.session = session.NewManager(c.events, cfg.Session, baseLog)
	c.audio = audio.NewStreamManager(cfg.Audio, c.events, baseLog)
	c.audio.SetSender(c.sendAudioFrame)
	c.audio.OnDrainError(func(err error) { c.emitError(err) })
	c.tools = tools.NewRegistry(c.declarer)

	if cfg.Instructions != "" {
		c.instructions = append(c.instructions, cfg.Instructions)
	}
	if err := c.tools.Register(c.initialTools...); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens a fresh session and returns once the remote side has
// acknowledged setup.
func (c *Client) Connect(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.connect(ctx, "", nil)
}

func (c *Client) connect(ctx context.Context, handle string, turns []protocol.ContextTurn) error {
	c.mu.Lock()
	if c.state != events.StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return c.fail(shared.Errorf(shared.CodeInvalidState, "cannot connect while %s", state))
	}
	c.state = events.StateConnecting
	c.responseID = ""
	c.mu.Unlock()

	sess := c.session.CreateSession(handle)
	log := c.log.With("session_id", sess.ID)
	c.emitSession(events.StateConnecting, "")
	start := time.Now()

	url, header, err := c.endpoint(ctx)
	if err != nil {
		return c.failConnect(err)
	}

	c.conn.SetMessageHandler(c.handleMessage)
	c.conn.SetCloseHandler(c.handleClose)

	if err := c.conn.Connect(ctx, url, header); err != nil {
		return c.failConnect(err)
	}
	if err := c.conn.WaitForOpen(ctx); err != nil {
		return c.failConnect(err)
	}

	waiter := c.session.AwaitSessionCreated()

	var frame protocol.Frame
	if handle != "" {
		log.Info("resuming session", "context_turns", len(turns))
		frame = protocol.NewSessionResume(handle, turns)
	} else {
		frame = protocol.NewSetup(c.setupPayload())
	}
	if err := c.writeFrame(frame); err != nil {
		waiter.Cancel()
		return c.failConnect(err)
	}

	if err := waiter.Wait(ctx); err != nil {
		return c.failConnect(err)
	}

	c.mu.Lock()
	if c.state != events.StateConnecting {
		c.mu.Unlock()
		return c.fail(shared.NewError(shared.CodeConnectionFailed, "session closed during setup"))
	}
	c.state = events.StateConnected
	c.connectedAt = time.Now()
	c.durationSub = c.events.On(events.DurationLimit, c.onDurationLimit)
	c.mu.Unlock()

	c.session.StartSession()
	c.metrics.ObserveSetupLatency(time.Since(start))
	log.Info("session connected", "setup_ms", time.Since(start).Milliseconds())
	c.emitSession(events.StateConnected, "")
	return nil
}

func (c *Client) failConnect(err error) error {
	var serr *shared.Error
	if !errors.As(err, &serr) {
		serr = shared.Wrap(shared.CodeConnectionFailed, "connect", err)
	}
	c.log.Error("connect failed", "error", serr)
	c.teardown("connect failed", false)
	return c.fail(serr)
}

// Disconnect ends the session, drops every queued frame and stream, and
// removes all listeners.
func (c *Client) Disconnect() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if c.state == events.StateDisconnected {
		c.mu.Unlock()
		c.events.Cleanup()
		return nil
	}
	c.state = events.StateDisconnecting
	c.mu.Unlock()

	c.emitSession(events.StateDisconnecting, "")
	c.teardown("client disconnect", true)
	c.events.Cleanup()
	return nil
}

// teardown moves the client to disconnected and releases the socket, timers
// and streams. Listeners are kept so the application observes the
// transition. With final set the pending frame queue is dropped too;
// otherwise it survives for the next connect.
func (c *Client) teardown(reason string, final bool) {
	c.mu.Lock()
	if c.state == events.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = events.StateDisconnected
	ack := c.updateAck
	c.updateAck = nil
	c.responseID = ""
	c.turnAudio = false
	c.lastTurnAudio = false
	sub := c.durationSub
	c.durationSub = 0
	c.mu.Unlock()

	if sub != 0 {
		c.events.Off(events.DurationLimit, sub)
	}
	if ack != nil {
		ack <- shared.NewError(shared.CodeNotConnected, "session closed before the update was acknowledged")
	}

	c.sendMu.Lock()
	c.ready = false
	if final {
		c.pending.Clear()
	}
	pending := c.pending.Len()
	c.sendMu.Unlock()
	c.metrics.SetPendingFrames(pending)

	_ = c.conn.Close()
	c.audio.Cleanup()
	c.metrics.SetActiveStreams(0)
	c.auth.ClearCache()

	id := c.session.ID()
	if handle, fromServer := c.session.Handle(); id != "" && !fromServer {
		c.log.Warn("no server-issued resumption handle seen; session cannot be resumed", "session_id", id, "caller_handle", handle != "")
	}
	c.session.Reset()

	c.log.Info("session disconnected", "session_id", id, "reason", reason, "pending_frames", pending)
	c.emitSessionWithID(events.StateDisconnected, id, reason)
}

func (c *Client) onDurationLimit(any) {
	go func() {
		c.lifecycleMu.Lock()
		defer c.lifecycleMu.Unlock()
		c.teardown("max session duration reached", false)
	}()
}

func (c *Client) endpoint(ctx context.Context) (string, http.Header, error) {
	url := c.cfg.Endpoint
	if url == "" {
		if c.auth.Mode() == auth.ModeToken {
			url = fmt.Sprintf(vertexEndpointFormat, c.auth.Location())
		} else {
			url = apiKeyEndpoint
		}
	}
	header, err := c.auth.Headers(ctx)
	if err != nil {
		return "", nil, err
	}
	return url, header, nil
}

func (c *Client) modelName() string {
	model := c.cfg.Model
	if strings.HasPrefix(model, "projects/") {
		return model
	}
	model = strings.TrimPrefix(model, "models/")
	if c.auth.Mode() == auth.ModeToken {
		return fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", c.auth.Project(), c.auth.Location(), model)
	}
	return "models/" + model
}

func (c *Client) setupPayload() protocol.Setup {
	c.mu.Lock()
	voice := c.voice
	instructions := strings.Join(c.instructions, "\n\n")
	c.mu.Unlock()

	return protocol.Setup{
		Model:             c.modelName(),
		GenerationConfig:  protocol.VoiceGenerationConfig(voice),
		SystemInstruction: protocol.TextContent(instructions),
		Tools:             c.tools.Declarations(),
	}
}

// sendEvent sends frame now when the session is ready and otherwise queues
// it for the post-setup drain.
func (c *Client) sendEvent(frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return shared.Wrap(shared.CodeUnknown, "marshal frame", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.ready {
		if !c.pending.Push(pendingFrame{frameType: frame.Type, data: data}) {
			c.log.Warn("pending frame queue full", "type", frame.Type, "limit", c.pending.limit)
			return shared.Errorf(shared.CodeStreamLimitExceeded, "pending frame queue is full (%d frames)", c.pending.limit).
				WithDetails(map[string]any{"frame_type": string(frame.Type), "limit": c.pending.limit})
		}
		c.metrics.SetPendingFrames(c.pending.Len())
		c.log.Debug("frame queued until session is ready", "type", frame.Type, "pending", c.pending.Len())
		return nil
	}
	return c.sendLocked(frame.Type, data)
}

func (c *Client) sendLocked(frameType protocol.FrameType, data []byte) error {
	if err := c.conn.Send(data); err != nil {
		return err
	}
	c.metrics.FrameSent(string(frameType))
	return nil
}

// writeFrame bypasses the pending queue. Only setup and resume frames use
// it.
func (c *Client) writeFrame(frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return shared.Wrap(shared.CodeUnknown, "marshal frame", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendLocked(frame.Type, data)
}

// drainPending flushes queued frames in order and marks the session ready.
// A failed send puts the frame back at the front and leaves the session
// not ready.
func (c *Client) drainPending() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	sent := 0
	for {
		f, ok := c.pending.Pop()
		if !ok {
			break
		}
		if err := c.sendLocked(f.frameType, f.data); err != nil {
			c.pending.RequeueFront(f)
			c.metrics.SetPendingFrames(c.pending.Len())
			return err
		}
		sent++
	}
	c.ready = true
	c.metrics.SetPendingFrames(0)
	if sent > 0 {
		c.log.Debug("pending frames drained", "count", sent)
	}
	return nil
}

func (c *Client) sendAudioFrame(chunk []byte) error {
	frame := protocol.NewRealtimeAudio(c.inputMimeType(), audio.EncodeBase64(chunk))
	if err := c.sendEvent(frame); err != nil {
		return err
	}
	c.metrics.AddAudioBytes("out", len(chunk))
	return nil
}

func (c *Client) inputMimeType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", c.audio.Config().InputSampleRate)
}

// fail emits err as an error event and returns it.
func (c *Client) fail(err *shared.Error) error {
	c.emitError(err)
	return err
}

func (c *Client) emitError(err error) {
	var serr *shared.Error
	if !errors.As(err, &serr) {
		serr = shared.Wrap(shared.CodeUnknown, "unexpected error", err)
	}
	c.metrics.Error(string(serr.Code))
	c.events.Emit(events.Error, serr)
}

func (c *Client) emitSession(state events.SessionState, reason string) {
	c.emitSessionWithID(state, c.session.ID(), reason)
}

func (c *Client) emitSessionWithID(state events.SessionState, id, reason string) {
	c.metrics.SessionEvent(string(state))
	c.events.Emit(events.Session, events.SessionEvent{State: state, SessionID: id, Reason: reason})
}

// requireSession rejects outbound operations when no session is active or
// being set up.
func (c *Client) requireSession() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == events.StateDisconnected || state == events.StateDisconnecting {
		return c.fail(shared.Errorf(shared.CodeNotConnected, "client is %s", state))
	}
	return nil
}

func (c *Client) State() events.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionID() string {
	return c.session.ID()
}

// SessionHandle returns the latest server-issued resumption handle, or ""
// when the server has not issued one for this session.
func (c *Client) SessionHandle() string {
	handle, fromServer := c.session.Handle()
	if !fromServer {
		return ""
	}
	return handle
}

func (c *Client) History() []history.Entry {
	return c.history.GetContextHistory()
}

func (c *Client) SearchHistory(query string, role shared.Role) []history.Entry {
	return c.history.SearchContext(query, role)
}
