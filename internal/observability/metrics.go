package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "voicelive"

// Metrics groups all Prometheus instruments used by the live client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Frames            *prometheus.CounterVec
	AudioBytes        *prometheus.CounterVec
	ActiveStreams     prometheus.Gauge
	PendingFrames     prometheus.Gauge
	TokenRefreshes    prometheus.Counter
	ToolCalls         *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	SessionEvents     *prometheus.CounterVec
	SetupLatency      prometheus.Histogram
	FirstAudioLatency prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg, or on the default registry
// when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Protocol frames by direction and type.",
		}, []string{"direction", "type"}),
		AudioBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM audio bytes by direction.",
		}, []string{"direction"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_audio_streams",
			Help:      "Number of live per-turn speaker streams.",
		}),
		PendingFrames: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_frames",
			Help:      "Outbound frames queued until the session is ready.",
		}),
		TokenRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access tokens fetched from the credential provider.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and status.",
		}, []string{"tool", "status"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to the application by code.",
		}, []string{"code"}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session state transitions by state.",
		}, []string{"state"}),
		SetupLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "setup_latency_ms",
			Help:      "Time from dial to session ready in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000},
		}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from a user turn to the first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		gatherer: gatherer,
	}
}

func (m *Metrics) FrameSent(frameType string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues("out", frameType).Inc()
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues("in", kind).Inc()
}

func (m *Metrics) AddAudioBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(n))
}

func (m *Metrics) SetPendingFrames(n int) {
	if m == nil {
		return
	}
	m.PendingFrames.Set(float64(n))
}

func (m *Metrics) TokenRefreshed() {
	if m == nil {
		return
	}
	m.TokenRefreshes.Inc()
}

func (m *Metrics) ToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) Error(code string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(code).Inc()
}

func (m *Metrics) SessionEvent(state string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveSetupLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SetupLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// Handler serves the registry these metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
