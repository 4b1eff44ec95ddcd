package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/voice-live/internal/audio"
	"github.com/eleven-am/voice-live/internal/events"
	"github.com/eleven-am/voice-live/internal/protocol"
	"github.com/eleven-am/voice-live/internal/session"
	"github.com/eleven-am/voice-live/internal/shared"
	"github.com/eleven-am/voice-live/internal/tools"
	"github.com/google/uuid"
)

// handleMessage runs on the connection's read goroutine, so frames are
// handled strictly in delivery order and tool calls are serialized.
func (c *Client) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("frame handler panicked", "panic", r)
			c.emitError(shared.Errorf(shared.CodeUnknown, "frame handler panicked: %v", r))
		}
	}()

	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Error("invalid frame", "error", err, "bytes", len(data))
		c.emitError(shared.Wrap(shared.CodeWebSocketError, "parse inbound frame", err))
		c.teardown("invalid frame", false)
		return
	}

	kind := msg.Kind()
	if kind == protocol.KindSetupComplete && c.isReady() {
		if msg.SessionHandle != "" {
			c.handleResumptionHandle(msg.SessionHandle)
		}
		kind = msg.ContentKind()
	}
	c.metrics.FrameReceived(string(kind))

	switch kind {
	case protocol.KindSetupComplete:
		c.handleSetupComplete(msg)
	case protocol.KindServerContent:
		c.handleServerContent(msg)
	case protocol.KindToolCall:
		c.handleToolCall(msg.ToolCall)
	case protocol.KindUsage:
		c.handleUsage(msg.UsageMetadata)
	case protocol.KindSessionEnd:
		c.handleSessionEnd(msg.SessionEnd)
	case protocol.KindError:
		c.handleServerError(msg.Error)
	case protocol.KindResumption:
		if u := msg.SessionResumptionUpdate; u.NewHandle != "" {
			c.handleResumptionHandle(u.NewHandle)
		}
	case protocol.KindSessionUpdated:
		c.handleSessionUpdated()
	case protocol.KindGoAway:
		c.handleGoAway(msg.GoAway)
	default:
		c.log.Debug("unrecognized frame dropped", "bytes", len(data))
	}
}

func (c *Client) isReady() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ready
}

func (c *Client) handleSetupComplete(msg *protocol.ServerMessage) {
	if msg.SessionHandle != "" {
		c.handleResumptionHandle(msg.SessionHandle)
	}
	if err := c.drainPending(); err != nil {
		c.log.Error("pending frame drain failed", "error", err)
		c.emitError(err)
		return
	}
	c.events.Emit(events.SetupComplete, nil)
}

// currentResponseID returns the server's response id, or one synthesized
// for the current turn when the frame carries none.
func (c *Client) currentResponseID(fromServer string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fromServer != "" {
		c.responseID = fromServer
	} else if c.responseID == "" {
		c.responseID = uuid.NewString()
	}
	return c.responseID
}

func (c *Client) handleServerContent(msg *protocol.ServerMessage) {
	content := msg.ServerContent
	responseID := c.currentResponseID(msg.ResponseID)

	if content.ModelTurn != nil {
		c.mu.Lock()
		c.lastTurnAudio = false
		c.mu.Unlock()
		for _, part := range content.ModelTurn.Parts {
			if part.Text != "" {
				c.history.AddEntry(shared.RoleAssistant, part.Text)
				c.events.Emit(events.Writing, events.WritingEvent{Text: part.Text, Role: shared.RoleAssistant})
			}
			if part.InlineData != nil && part.InlineData.IsAudio() {
				c.handleAudioPart(responseID, part.InlineData)
			}
		}
	}

	if content.Interrupted {
		c.log.Debug("model turn interrupted", "response_id", responseID)
		c.endTurn(responseID)
	}
	if content.TurnComplete {
		c.endTurn(responseID)
		c.events.Emit(events.TurnComplete, events.TurnCompleteEvent{ResponseID: responseID, Timestamp: time.Now()})
	}
}

func (c *Client) handleAudioPart(responseID string, data *protocol.ServerInlineData) {
	pcm, err := audio.DecodeBase64(data.Data)
	if err != nil {
		c.emitError(shared.Wrap(shared.CodeAudioProcessingError, "decode inbound audio", err))
		return
	}
	if len(pcm) == 0 {
		return
	}

	c.mu.Lock()
	first := !c.turnAudio
	c.turnAudio = true
	started := c.turnStarted
	c.mu.Unlock()
	if first && !started.IsZero() {
		c.metrics.ObserveFirstAudioLatency(time.Since(started))
	}

	c.metrics.AddAudioBytes("in", len(pcm))
	if _, err := c.audio.HandleInboundAudio(responseID, pcm); err != nil {
		c.log.Warn("inbound audio fragment dropped", "response_id", responseID, "error", err)
		c.emitError(err)
	}
	c.metrics.SetActiveStreams(c.audio.StreamCount())

	c.events.Emit(events.Speaking, events.SpeakingEvent{
		ResponseID: responseID,
		Audio:      pcm,
		Samples:    audio.PCMBytesToInt16(pcm),
		SampleRate: data.SampleRate(c.audio.Config().OutputSampleRate),
	})
}

func (c *Client) endTurn(responseID string) {
	c.audio.EndTurn(responseID)

	c.mu.Lock()
	c.responseID = ""
	if c.turnAudio {
		c.lastTurnAudio = true
	}
	c.turnAudio = false
	c.turnStarted = time.Time{}
	c.mu.Unlock()
}

func (c *Client) handleToolCall(call *protocol.ToolCall) {
	for _, fc := range call.Calls() {
		c.runToolCall(fc)
	}
}

// runToolCall executes one call and answers it. An unknown tool gets no
// tool_result frame.
func (c *Client) runToolCall(fc protocol.FunctionCall) {
	log := c.log.With("tool", fc.Name, "call_id", fc.ID)

	if _, ok := c.tools.Get(fc.Name); !ok {
		log.Warn("tool call for unregistered tool")
		c.metrics.ToolCall(fc.Name, "not_found")
		c.emitError(shared.Errorf(shared.CodeToolNotFound, "tool %q is not registered", fc.Name).
			WithDetails(map[string]any{"tool": fc.Name, "call_id": fc.ID}))
		return
	}

	ec := tools.ExecutionContext{
		CallID:    fc.ID,
		SessionID: c.session.ID(),
		Forwarder: c.observedForwarder(),
	}

	start := time.Now()
	result, err := c.tools.Execute(context.Background(), ec, fc.Name, fc.Args)
	var payload any = result
	if err != nil {
		log.Error("tool execution failed", "error", err)
		c.metrics.ToolCall(fc.Name, "error")
		payload = map[string]any{"error": toolErrorMessage(err)}
		c.emitError(err)
	} else {
		log.Debug("tool executed", "duration_ms", time.Since(start).Milliseconds())
		c.metrics.ToolCall(fc.Name, "ok")
	}

	if err := c.sendEvent(protocol.NewToolResult(fc.ID, payload)); err != nil {
		log.Error("tool result send failed", "error", err)
		c.emitError(err)
	}

	c.events.Emit(events.ToolCall, events.ToolCallEvent{
		ID:     fc.ID,
		Name:   fc.Name,
		Args:   fc.Args,
		Result: payload,
	})
}

func toolErrorMessage(err error) string {
	var serr *shared.Error
	if errors.As(err, &serr) {
		return serr.Message
	}
	return err.Error()
}

// observedForwarder decorates the configured forwarder so nested agent
// output also surfaces as writing events.
func (c *Client) observedForwarder() tools.AgentForwarder {
	if c.forwarder == nil {
		return nil
	}
	return tools.Observe(c.forwarder, func(agentRef, chunk string) {
		c.events.Emit(events.Writing, events.WritingEvent{Text: chunk, Role: shared.RoleAssistant})
	})
}

func (c *Client) handleUsage(u *protocol.UsageMetadata) {
	modality := u.Modality()
	if modality == "" {
		c.mu.Lock()
		hadAudio := c.turnAudio || c.lastTurnAudio
		c.mu.Unlock()
		modality = "text"
		if hadAudio {
			modality = "audio"
		}
	}
	c.events.Emit(events.Usage, events.UsageEvent{
		PromptTokens:   u.PromptTokenCount,
		ResponseTokens: u.ResponseTokenCount,
		TotalTokens:    u.TotalTokenCount,
		Modality:       modality,
	})
}

func (c *Client) handleSessionEnd(end *protocol.SessionEnd) {
	reason := end.Reason
	if reason == "" {
		reason = "session ended by server"
	}
	c.log.Info("session ended by server", "reason", reason)
	c.events.Emit(events.SessionEnd, reason)
	c.teardown(reason, false)
}

func (c *Client) handleServerError(e *protocol.ServerError) {
	c.log.Error("server error", "code", e.ErrorCode(), "message", e.Message)
	c.emitError(shared.NewError(shared.CodeUnknown, e.Message).WithDetails(map[string]any{
		"server_code": e.ErrorCode(),
		"details":     e.Details,
	}))
}

// handleResumptionHandle records a server-issued handle and persists it.
func (c *Client) handleResumptionHandle(handle string) {
	c.session.SetHandle(handle)
	id := c.session.ID()
	c.log.Debug("resumption handle updated", "session_id", id)
	c.events.Emit(events.SessionHandle, events.SessionHandleEvent{SessionID: id, Handle: handle})

	if c.store == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rec := &session.Record{SessionID: id, Handle: handle, Context: c.history.GetContextHistory()}
	if err := c.store.Save(ctx, rec); err != nil {
		c.log.Warn("failed to persist resumption handle", "session_id", id, "error", err)
	}
}

func (c *Client) handleSessionUpdated() {
	c.mu.Lock()
	ack := c.updateAck
	c.updateAck = nil
	c.mu.Unlock()

	if ack != nil {
		ack <- nil
	}
	c.events.Emit(events.SessionUpdated, nil)
}

func (c *Client) handleGoAway(g *protocol.GoAway) {
	left, err := time.ParseDuration(g.TimeLeft)
	if err != nil {
		c.log.Warn("unparseable goAway time left", "time_left", g.TimeLeft)
	}
	id := c.session.ID()
	c.log.Warn("server will close the session", "session_id", id, "time_left", left)
	c.events.Emit(events.SessionExpiring, events.SessionExpiringEvent{SessionID: id, ExpiresIn: left})
}

func (c *Client) handleClose(err error) {
	reason := "connection closed by server"
	if err != nil {
		reason = fmt.Sprintf("connection lost: %v", err)
		c.emitError(shared.Wrap(shared.CodeWebSocketError, "connection lost", err))
	}
	c.events.Emit(events.SessionEnd, reason)
	c.teardown(reason, false)
}
