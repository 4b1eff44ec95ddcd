package live

import (
	"github.com/eleven-am/voice-live/internal/events"
	"github.com/eleven-am/voice-live/internal/shared"
)

// Handlers run synchronously on the goroutine that emits the event, which
// for inbound frames is the connection's read loop. A handler that blocks
// (for example reading a speaker stream to EOF) must hand off to its own
// goroutine.

func (c *Client) On(name events.Name, h events.Handler) events.ListenerID {
	return c.events.On(name, h)
}

func (c *Client) Once(name events.Name, h events.Handler) events.ListenerID {
	return c.events.Once(name, h)
}

func (c *Client) Off(name events.Name, id events.ListenerID) bool {
	return c.events.Off(name, id)
}

func (c *Client) ListenerCount(name events.Name) int {
	return c.events.ListenerCount(name)
}

func (c *Client) OnSpeaker(fn func(events.SpeakerEvent)) events.ListenerID {
	return events.Subscribe(c.events, events.Speaker, fn)
}

func (c *Client) OnSpeaking(fn func(events.SpeakingEvent)) events.ListenerID {
	return events.Subscribe(c.events, events.Speaking, fn)
}

func (c *Client) OnWriting(fn func(events.WritingEvent)) events.ListenerID {
	return events.Subscribe(c.events, events.Writing, fn)
}

func (c *Client) OnSession(fn func(events.SessionEvent)) events.ListenerID {
	return events.Subscribe(c.events, events.Session, fn)
}

func (c *Client) OnToolCall(fn func(events.ToolCallEvent)) events.ListenerID {
	return events.Subscribe(c.events, events.ToolCall, fn)
}

func (c *Client) OnUsage(fn func(events.UsageEvent)) events.ListenerID {
	return events.Subscribe(c.events, events.Usage, fn)
}

func (c *Client) OnError(fn func(*shared.Error)) events.ListenerID {
	return events.Subscribe(c.events, events.Error, fn)
}

func (c *Client) OnTurnComplete(fn func(events.TurnCompleteEvent)) events.ListenerID {
	return events.Subscribe(c.events, events.TurnComplete, fn)
}

func (c *Client) OnSessionHandle(fn func(events.SessionHandleEvent)) events.ListenerID {
	return events.Subscribe(c.events, events.SessionHandle, fn)
}

func (c *Client) OnSessionExpiring(fn func(events.SessionExpiringEvent)) events.ListenerID {
	return events.Subscribe(c.events, events.SessionExpiring, fn)
}
