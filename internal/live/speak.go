package live

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/voice-live/internal/audio"
	"github.com/eleven-am/voice-live/internal/events"
	"github.com/eleven-am/voice-live/internal/protocol"
	"github.com/eleven-am/voice-live/internal/shared"
)

const transcribePrompt = "Transcribe the preceding audio verbatim. Reply with the transcript only."

var prebuiltVoices = []string{"Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus", "Zephyr"}

type SpeakOptions struct {
	// Speaker switches the prebuilt voice before the text is sent.
	Speaker string
}

// Speak sends text as a complete user turn. It may be called before setup
// completes; the turn is then delivered once the session is ready.
func (c *Client) Speak(ctx context.Context, text string, opts SpeakOptions) error {
	if err := ctx.Err(); err != nil {
		return c.fail(shared.Wrap(shared.CodeInvalidState, "speak", err))
	}
	if strings.TrimSpace(text) == "" {
		return c.fail(shared.NewError(shared.CodeInvalidState, "text is empty"))
	}
	if err := c.requireSession(); err != nil {
		return err
	}

	if opts.Speaker != "" {
		if err := c.switchVoice(opts.Speaker); err != nil {
			return c.fail(shared.Recode(shared.CodeSessionConfigUpdateFailed, "switch speaker", err))
		}
	}

	c.history.AddEntry(shared.RoleUser, text)
	c.markTurnStart()
	if err := c.sendEvent(protocol.NewTextTurn(string(shared.RoleUser), text)); err != nil {
		return c.fail(shared.Wrap(shared.CodeWebSocketError, "send text turn", err))
	}
	return nil
}

// SpeakReader reads r to EOF and speaks its contents.
func (c *Client) SpeakReader(ctx context.Context, r io.Reader, opts SpeakOptions) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return c.fail(shared.Wrap(shared.CodeInvalidState, "read text", err))
	}
	return c.Speak(ctx, string(data), opts)
}

func (c *Client) switchVoice(voice string) error {
	c.mu.Lock()
	same := c.voice == voice
	c.voice = voice
	c.mu.Unlock()
	if same {
		return nil
	}
	return c.sendEvent(protocol.NewSessionUpdate(protocol.SessionConfig{
		GenerationConfig: protocol.VoiceGenerationConfig(voice),
	}))
}

func (c *Client) markTurnStart() {
	c.mu.Lock()
	c.turnStarted = time.Now()
	c.lastTurnAudio = false
	c.mu.Unlock()
}

// Send streams 16-bit PCM from r through the throttled realtime audio path.
// It returns the number of bytes sent.
func (c *Client) Send(ctx context.Context, r io.Reader) (int, error) {
	if err := c.requireSession(); err != nil {
		return 0, err
	}
	c.markTurnStart()
	n, err := c.audio.SendStream(ctx, r)
	if err != nil {
		c.emitError(err)
	}
	return n, err
}

// SendAudio sends one PCM chunk at the input sample rate.
func (c *Client) SendAudio(chunk []byte) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if err := c.audio.SendAudioChunk(chunk); err != nil {
		c.emitError(err)
		return err
	}
	return nil
}

// SendSamples resamples to the input rate when needed and sends the result,
// split into valid chunks.
func (c *Client) SendSamples(samples []int16, sampleRate int) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if len(samples) == 0 {
		return c.fail(shared.NewError(shared.CodeInvalidAudioFormat, "no samples"))
	}

	cfg := c.audio.Config()
	if sampleRate > 0 && sampleRate != cfg.InputSampleRate {
		samples = audio.ResampleInt16(samples, sampleRate, cfg.InputSampleRate)
	}
	for _, piece := range audio.SplitAudioChunk(audio.Int16ToPCMBytes(samples), cfg.MaxChunkSize) {
		if err := c.audio.SendAudioChunk(piece); err != nil {
			c.emitError(err)
			return err
		}
	}
	return nil
}

// Listen buffers r, asks the model to transcribe it and returns the
// assistant text produced for that turn.
func (c *Client) Listen(ctx context.Context, r io.Reader) (string, error) {
	if err := c.requireSession(); err != nil {
		return "", err
	}

	tr, err := c.audio.CollectForTranscription(ctx, r)
	if err != nil {
		c.emitError(err)
		return "", err
	}

	var (
		mu   sync.Mutex
		text strings.Builder
		once sync.Once
	)
	done := make(chan struct{})
	writing := events.Subscribe(c.events, events.Writing, func(e events.WritingEvent) {
		if e.Role != shared.RoleAssistant {
			return
		}
		mu.Lock()
		text.WriteString(e.Text)
		mu.Unlock()
	})
	complete := c.events.On(events.TurnComplete, func(any) {
		once.Do(func() { close(done) })
	})
	ended := c.events.On(events.Session, func(p any) {
		if e, ok := p.(events.SessionEvent); ok && e.State == events.StateDisconnected {
			once.Do(func() { close(done) })
		}
	})
	defer func() {
		c.events.Off(events.Writing, writing)
		c.events.Off(events.TurnComplete, complete)
		c.events.Off(events.Session, ended)
	}()

	turn := protocol.Content{
		Role: string(shared.RoleUser),
		Parts: []protocol.Part{
			{InlineData: &protocol.InlineData{MimeType: c.inputMimeType(), Data: tr.Data}},
			{Text: transcribePrompt},
		},
	}
	c.markTurnStart()
	c.metrics.AddAudioBytes("out", tr.Bytes)
	if err := c.sendEvent(protocol.NewClientContent([]protocol.Content{turn}, true)); err != nil {
		return "", c.fail(shared.Wrap(shared.CodeWebSocketError, "send transcription turn", err))
	}

	select {
	case <-done:
	case <-ctx.Done():
		return "", c.fail(shared.Wrap(shared.CodeAudioProcessingError, "transcription cancelled", ctx.Err()))
	}

	if c.State() == events.StateDisconnected {
		return "", c.fail(shared.NewError(shared.CodeNotConnected, "session closed before transcription completed"))
	}
	mu.Lock()
	defer mu.Unlock()
	return strings.TrimSpace(text.String()), nil
}

// Speakers lists the prebuilt voices the endpoint offers.
func (c *Client) Speakers() []string {
	return append([]string(nil), prebuiltVoices...)
}
