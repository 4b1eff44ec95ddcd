package live

import (
	"log/slog"
	"time"

	"github.com/eleven-am/voice-live/internal/audio"
	"github.com/eleven-am/voice-live/internal/auth"
	"github.com/eleven-am/voice-live/internal/connection"
	"github.com/eleven-am/voice-live/internal/history"
	"github.com/eleven-am/voice-live/internal/observability"
	"github.com/eleven-am/voice-live/internal/session"
	"github.com/eleven-am/voice-live/internal/tools"
)

const (
	apiKeyEndpoint       = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	vertexEndpointFormat = "wss://%s-aiplatform.googleapis.com/ws/google.cloud.aiplatform.v1beta1.LlmBidiService/BidiGenerateContent"
)

const (
	DefaultModel            = "gemini-2.0-flash-exp"
	DefaultVoice            = "Puck"
	defaultUpdateTimeout    = 10 * time.Second
	defaultMaxPendingFrames = 1024
	storeTimeout            = 5 * time.Second
)

type Config struct {
	Model         string
	Voice         string
	Instructions  string
	Endpoint      string // overrides the URL derived from the auth mode
	UpdateTimeout time.Duration

	// MaxPendingFrames caps the frames held while setup is in flight.
	MaxPendingFrames int

	Auth       auth.Config
	Connection connection.Config
	Session    session.Config
	Audio      audio.Config
	History    history.Config
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = defaultUpdateTimeout
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = defaultMaxPendingFrames
	}
	return c
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStore persists server-issued resumption handles and the context
// history so a later process can resume.
func WithStore(s SessionStore) Option {
	return func(c *Client) { c.store = s }
}

// WithAgentForwarder hands tools a forwarder to nested agents. Output the
// forwarder streams is re-emitted as writing events.
func WithAgentForwarder(f tools.AgentForwarder) Option {
	return func(c *Client) { c.forwarder = f }
}

func WithDeclarer(d tools.Declarer) Option {
	return func(c *Client) { c.declarer = d }
}

func WithTools(ts ...tools.Tool) Option {
	return func(c *Client) { c.initialTools = append(c.initialTools, ts...) }
}
