// Package audio owns every audio buffer of a live session: throttled
// outbound microphone chunks, per-turn inbound speaker streams and the
// buffered transcription path.
package audio

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/voice-live/internal/events"
	"github.com/eleven-am/voice-live/internal/shared"
	"github.com/gammazero/deque"
)

const (
	defaultMaxChunkSize         = 32 * 1024
	defaultMinSendInterval      = 20 * time.Millisecond
	defaultMaxBufferSize        = 10 * 1024 * 1024
	defaultMaxConcurrentStreams = 5
	defaultStreamTimeout        = 5 * time.Minute
	defaultMaxDuration          = 5 * time.Minute
	defaultInputSampleRate      = 16000
	defaultOutputSampleRate     = 24000
	defaultDestroyGrace         = 5 * time.Second
)

type Config struct {
	MaxChunkSize         int
	MinSendInterval      time.Duration
	MaxBufferSize        int
	MaxConcurrentStreams int
	StreamTimeout        time.Duration
	// MaxDuration bounds a buffered transcription payload.
	MaxDuration      time.Duration
	InputSampleRate  int
	OutputSampleRate int
	// DestroyGrace is how long an ended turn stream stays readable before it
	// is destroyed.
	DestroyGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = defaultMaxChunkSize
	}
	if c.MinSendInterval < 0 {
		c.MinSendInterval = 0
	} else if c.MinSendInterval == 0 {
		c.MinSendInterval = defaultMinSendInterval
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = defaultMaxBufferSize
	}
	if c.MaxConcurrentStreams <= 0 {
		c.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = defaultStreamTimeout
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaultMaxDuration
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = defaultInputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = defaultOutputSampleRate
	}
	if c.DestroyGrace <= 0 {
		c.DestroyGrace = defaultDestroyGrace
	}
	return c
}

// Sender delivers one validated outbound chunk. The manager never touches
// the socket itself.
type Sender func(chunk []byte) error

type outboundChunk struct {
	data       []byte
	enqueuedAt time.Time
}

type StreamManager struct {
	cfg    Config
	events *events.Manager
	log    *slog.Logger
	clock  shared.Clock

	outMu       sync.Mutex
	sender      Sender
	queue       deque.Deque[outboundChunk]
	queuedBytes int
	lastSend    time.Time
	drainTimer  *time.Timer
	onDrainErr  func(error)

	mu          sync.Mutex
	streams     map[string]*TurnStream
	graceTimers map[string]*time.Timer
	streamSeq   uint64
}

func NewStreamManager(cfg Config, ev *events.Manager, log *slog.Logger) *StreamManager {
	if log == nil {
		log = slog.Default()
	}
	return &StreamManager{
		cfg:         cfg.withDefaults(),
		events:      ev,
		log:         log.With("component", "audio"),
		streams:     make(map[string]*TurnStream),
		graceTimers: make(map[string]*time.Timer),
	}
}

func (m *StreamManager) Config() Config { return m.cfg }

func (m *StreamManager) SetClock(c shared.Clock) {
	m.mu.Lock()
	m.outMu.Lock()
	m.clock = c
	m.outMu.Unlock()
	m.mu.Unlock()
}

func (m *StreamManager) SetSender(s Sender) {
	m.outMu.Lock()
	m.sender = s
	m.outMu.Unlock()
}

// OnDrainError registers a callback for send failures of throttled chunks,
// which have no caller left to return the error to.
func (m *StreamManager) OnDrainError(fn func(error)) {
	m.outMu.Lock()
	m.onDrainErr = fn
	m.outMu.Unlock()
}

// ValidateChunk checks one outbound PCM chunk.
func (m *StreamManager) ValidateChunk(chunk []byte) error {
	switch {
	case len(chunk) == 0:
		return shared.NewError(shared.CodeInvalidAudioFormat, "audio chunk is empty")
	case len(chunk) > m.cfg.MaxChunkSize:
		return shared.Errorf(shared.CodeInvalidAudioFormat, "audio chunk of %d bytes exceeds max %d", len(chunk), m.cfg.MaxChunkSize)
	case len(chunk)%BytesPerSample != 0:
		return shared.Errorf(shared.CodeInvalidAudioFormat, "audio chunk length %d is not 16-bit aligned", len(chunk))
	}
	return nil
}

// SendAudioChunk validates chunk and either sends it now or queues it behind
// the throttle. Queued chunks keep submission order.
func (m *StreamManager) SendAudioChunk(chunk []byte) error {
	if err := m.ValidateChunk(chunk); err != nil {
		return err
	}

	m.outMu.Lock()
	defer m.outMu.Unlock()

	if m.sender == nil {
		return shared.NewError(shared.CodeAudioStreamError, "no audio sender registered")
	}

	now := m.clock.Now()
	if m.queue.Len() > 0 || now.Sub(m.lastSend) < m.cfg.MinSendInterval {
		if m.queuedBytes+len(chunk) > m.cfg.MaxBufferSize {
			return shared.Errorf(shared.CodeStreamLimitExceeded, "outbound audio buffer full (%d bytes queued)", m.queuedBytes)
		}
		data := make([]byte, len(chunk))
		copy(data, chunk)
		m.queue.PushBack(outboundChunk{data: data, enqueuedAt: now})
		m.queuedBytes += len(data)
		m.armDrainLocked(now)
		return nil
	}

	if err := m.sender(chunk); err != nil {
		return shared.Wrap(shared.CodeAudioStreamError, "send audio chunk", err)
	}
	m.lastSend = now
	m.drainLocked()
	return nil
}

func (m *StreamManager) armDrainLocked(now time.Time) {
	if m.drainTimer != nil {
		return
	}
	wait := max(m.cfg.MinSendInterval-now.Sub(m.lastSend), 0)
	m.drainTimer = time.AfterFunc(wait, m.onDrainTimer)
}

func (m *StreamManager) onDrainTimer() {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	m.drainTimer = nil
	m.drainLocked()
}

// drainLocked sends queued chunks whose throttle wait has elapsed and re-arms
// the timer for the rest.
func (m *StreamManager) drainLocked() {
	for m.queue.Len() > 0 {
		now := m.clock.Now()
		if now.Sub(m.lastSend) < m.cfg.MinSendInterval {
			m.armDrainLocked(now)
			return
		}

		next := m.queue.PopFront()
		m.queuedBytes -= len(next.data)
		if m.sender == nil {
			continue
		}
		if err := m.sender(next.data); err != nil {
			m.log.Warn("queued audio chunk send failed", "bytes", len(next.data), "queued_for", now.Sub(next.enqueuedAt), "error", err)
			if m.onDrainErr != nil {
				m.onDrainErr(shared.Wrap(shared.CodeAudioStreamError, "send queued audio chunk", err))
			}
			continue
		}
		m.lastSend = now
	}
}

// QueuedBytes is the size of audio waiting behind the throttle.
func (m *StreamManager) QueuedBytes() int {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	return m.queuedBytes
}

// ResetOutbound drops queued chunks and stops the drain timer.
func (m *StreamManager) ResetOutbound() {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	if m.drainTimer != nil {
		m.drainTimer.Stop()
		m.drainTimer = nil
	}
	m.queue.Clear()
	m.queuedBytes = 0
}

// SplitAudioChunk cuts data into pieces of at most maxSize bytes, rounded
// down to whole samples.
func SplitAudioChunk(data []byte, maxSize int) [][]byte {
	size := maxSize &^ (BytesPerSample - 1)
	if size <= 0 || len(data) == 0 {
		return nil
	}
	pieces := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		pieces = append(pieces, data[start:end])
	}
	return pieces
}

// HandleInboundAudio appends one decoded fragment to the turn stream for
// responseID, creating it (and publishing a speaker event) on first sight.
func (m *StreamManager) HandleInboundAudio(responseID string, data []byte) (*TurnStream, error) {
	m.mu.Lock()
	stream, ok := m.streams[responseID]
	if !ok {
		m.cleanupStaleStreamsLocked()
		m.enforceStreamLimitsLocked()
		m.streamSeq++
		stream = newTurnStream(responseID, m.streamSeq, m.clock.Now())
		m.streams[responseID] = stream
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("audio stream created", "response_id", responseID)
		if m.events != nil {
			m.events.Emit(events.Speaker, events.SpeakerEvent{ResponseID: responseID, Stream: stream})
		}
	}

	if stream.Buffered()+len(data) > m.cfg.MaxBufferSize {
		return stream, shared.Errorf(shared.CodeStreamLimitExceeded, "audio stream %s buffer exceeds %d bytes", responseID, m.cfg.MaxBufferSize)
	}
	if _, err := stream.Write(data); err != nil {
		return stream, err
	}
	return stream, nil
}

func (m *StreamManager) cleanupStaleStreamsLocked() {
	now := m.clock.Now()
	for id, s := range m.streams {
		if now.Sub(s.CreatedAt()) > m.cfg.StreamTimeout {
			m.log.Debug("destroying stale audio stream", "response_id", id)
			m.destroyLocked(id)
		}
	}
}

// enforceStreamLimitsLocked evicts oldest-created streams until there is
// room for one more.
func (m *StreamManager) enforceStreamLimitsLocked() {
	if len(m.streams) < m.cfg.MaxConcurrentStreams {
		return
	}
	ordered := m.orderedLocked()
	for _, s := range ordered {
		if len(m.streams) < m.cfg.MaxConcurrentStreams {
			return
		}
		m.log.Debug("evicting audio stream", "response_id", s.ID())
		m.destroyLocked(s.ID())
	}
}

func (m *StreamManager) orderedLocked() []*TurnStream {
	ordered := make([]*TurnStream, 0, len(m.streams))
	for _, s := range m.streams {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].seq < ordered[j].seq
	})
	return ordered
}

func (m *StreamManager) destroyLocked(id string) {
	if s, ok := m.streams[id]; ok {
		s.Destroy()
		delete(m.streams, id)
	}
	if t, ok := m.graceTimers[id]; ok {
		t.Stop()
		delete(m.graceTimers, id)
	}
}

// EndTurn ends the stream for responseID, or every active stream when
// responseID is empty. Each ended stream is destroyed after the grace
// window unless its reader has already drained it.
func (m *StreamManager) EndTurn(responseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.streams {
		if responseID != "" && id != responseID {
			continue
		}
		if s.Ended() {
			continue
		}
		s.End()
		m.scheduleDestroyLocked(id, s)
	}
}

func (m *StreamManager) scheduleDestroyLocked(id string, s *TurnStream) {
	m.graceTimers[id] = time.AfterFunc(m.cfg.DestroyGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.streams[id] != s {
			return
		}
		if !s.Drained() {
			m.log.Debug("forcing destroy of undrained audio stream", "response_id", id, "buffered", s.Buffered())
		}
		m.destroyLocked(id)
	})
}

func (m *StreamManager) Stream(responseID string) (*TurnStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[responseID]
	return s, ok
}

// ActiveStreams lists live streams in creation order.
func (m *StreamManager) ActiveStreams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ordered := m.orderedLocked()
	ids := make([]string, len(ordered))
	for i, s := range ordered {
		ids[i] = s.ID()
	}
	return ids
}

func (m *StreamManager) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Cleanup destroys every stream and drops queued outbound audio.
func (m *StreamManager) Cleanup() {
	m.ResetOutbound()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.streams {
		m.destroyLocked(id)
	}
	for id, t := range m.graceTimers {
		t.Stop()
		delete(m.graceTimers, id)
	}
}
