package live

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/eleven-am/voice-live/internal/events"
	"github.com/eleven-am/voice-live/internal/history"
	"github.com/eleven-am/voice-live/internal/protocol"
	"github.com/eleven-am/voice-live/internal/shared"
	"github.com/eleven-am/voice-live/internal/tools"
)

// SessionUpdate is a partial configuration push. Zero fields are left
// unchanged on the remote side.
type SessionUpdate struct {
	Voice        string
	Instructions string
	// IncludeTools resends every registered tool declaration.
	IncludeTools       bool
	VAD                *protocol.VADConfig
	Interrupts         *protocol.InterruptConfig
	ContextCompression *protocol.ContextCompressionConfig
}

func (c *Client) sessionConfig(u SessionUpdate) protocol.SessionConfig {
	cfg := protocol.SessionConfig{
		SystemInstruction:  protocol.TextContent(u.Instructions),
		VAD:                u.VAD,
		Interrupts:         u.Interrupts,
		ContextCompression: u.ContextCompression,
	}
	if u.Voice != "" {
		cfg.GenerationConfig = protocol.VoiceGenerationConfig(u.Voice)
	}
	if u.IncludeTools {
		cfg.Tools = c.tools.Declarations()
	}
	return cfg
}

// UpdateSessionConfig pushes u and waits for the server's acknowledgement.
func (c *Client) UpdateSessionConfig(ctx context.Context, u SessionUpdate) error {
	c.mu.Lock()
	if c.state != events.StateConnected {
		state := c.state
		c.mu.Unlock()
		return c.fail(shared.Errorf(shared.CodeNotConnected, "cannot update session while %s", state))
	}
	if c.updateAck != nil {
		c.mu.Unlock()
		return c.fail(shared.NewError(shared.CodeInvalidState, "a session update is already awaiting acknowledgement"))
	}
	ack := make(chan error, 1)
	c.updateAck = ack
	c.mu.Unlock()

	clearAck := func() {
		c.mu.Lock()
		if c.updateAck == ack {
			c.updateAck = nil
		}
		c.mu.Unlock()
	}

	if err := c.sendEvent(protocol.NewSessionUpdate(c.sessionConfig(u))); err != nil {
		clearAck()
		return c.fail(shared.Recode(shared.CodeSessionConfigUpdateFailed, "send session update", err))
	}

	timer := time.NewTimer(c.cfg.UpdateTimeout)
	defer timer.Stop()

	select {
	case err := <-ack:
		if err != nil {
			return c.fail(shared.Recode(shared.CodeSessionConfigUpdateFailed, "session update", err))
		}
	case <-timer.C:
		clearAck()
		return c.fail(shared.Errorf(shared.CodeSessionConfigUpdateFailed, "session update not acknowledged within %s", c.cfg.UpdateTimeout))
	case <-ctx.Done():
		clearAck()
		return c.fail(shared.Wrap(shared.CodeSessionConfigUpdateFailed, "session update", ctx.Err()))
	}

	c.mu.Lock()
	if u.Voice != "" {
		c.voice = u.Voice
	}
	if u.Instructions != "" {
		c.instructions = []string{u.Instructions}
	}
	c.mu.Unlock()

	c.log.Info("session config updated", "session_id", c.session.ID())
	c.metrics.SessionEvent(string(events.StateUpdated))
	c.events.Emit(events.Session, events.SessionEvent{
		State:     events.StateUpdated,
		SessionID: c.session.ID(),
		Config:    u,
	})
	return nil
}

// ResumeSession reconnects with a resumption handle. When entries is
// non-nil it replaces the local history and is sent as prior context.
// Listeners registered on the client are kept.
func (c *Client) ResumeSession(ctx context.Context, handle string, entries []history.Entry) error {
	if handle == "" {
		return c.fail(shared.NewError(shared.CodeSessionResumptionFailed, "resumption handle is required"))
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != events.StateDisconnected {
		c.teardown("resuming session", false)
	}
	if entries != nil {
		c.history.Replace(entries)
	}

	if err := c.connect(ctx, handle, contextTurns(c.history.GetContextHistory())); err != nil {
		return c.fail(shared.Recode(shared.CodeSessionResumptionFailed, "resume session", err))
	}
	return nil
}

// ResumeFromStore resumes the session persisted under sessionID.
func (c *Client) ResumeFromStore(ctx context.Context, sessionID string) error {
	if c.store == nil {
		return c.fail(shared.NewError(shared.CodeInvalidState, "no session store configured"))
	}

	loadCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	rec, err := c.store.Load(loadCtx, sessionID)
	cancel()
	if errors.Is(err, shared.ErrNotFound) {
		return c.fail(shared.Errorf(shared.CodeSessionResumptionFailed, "no stored session %s", sessionID))
	}
	if err != nil {
		return c.fail(shared.Wrap(shared.CodeSessionResumptionFailed, "load stored session", err))
	}
	return c.ResumeSession(ctx, rec.Handle, rec.Context)
}

func contextTurns(entries []history.Entry) []protocol.ContextTurn {
	if len(entries) == 0 {
		return nil
	}
	turns := make([]protocol.ContextTurn, len(entries))
	for i, e := range entries {
		turns[i] = protocol.ContextTurn{Role: string(e.Role), Content: e.Content}
	}
	return turns
}

// AddTools registers tools. While connected the new declarations are pushed
// to the remote side without waiting for acknowledgement.
func (c *Client) AddTools(ts ...tools.Tool) error {
	if err := c.tools.Register(ts...); err != nil {
		return c.fail(shared.Wrap(shared.CodeInvalidState, "register tools", err))
	}
	if c.State() == events.StateConnected {
		if err := c.sendEvent(protocol.NewSessionUpdate(protocol.SessionConfig{Tools: c.tools.Declarations()})); err != nil {
			return c.fail(shared.Wrap(shared.CodeWebSocketError, "push tool declarations", err))
		}
	}
	return nil
}

// AddInstructions appends to the system instruction.
func (c *Client) AddInstructions(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return c.fail(shared.NewError(shared.CodeInvalidState, "instructions are empty"))
	}

	c.mu.Lock()
	c.instructions = append(c.instructions, text)
	joined := strings.Join(c.instructions, "\n\n")
	connected := c.state == events.StateConnected
	c.mu.Unlock()

	if connected {
		if err := c.sendEvent(protocol.NewSessionUpdate(protocol.SessionConfig{SystemInstruction: protocol.TextContent(joined)})); err != nil {
			return c.fail(shared.Wrap(shared.CodeWebSocketError, "push instructions", err))
		}
	}
	return nil
}
