package audio

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/eleven-am/voice-live/internal/shared"
)

// Transcription is a fully buffered audio payload ready to send as one
// inline turn.
type Transcription struct {
	Data       string
	Bytes      int
	Duration   time.Duration
	SampleRate int
}

// CollectForTranscription reads r to EOF, enforcing the buffer and duration
// caps, and returns the audio as a single base64 payload.
func (m *StreamManager) CollectForTranscription(ctx context.Context, r io.Reader) (*Transcription, error) {
	var pcm []byte
	buf := make([]byte, m.cfg.MaxChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, shared.Wrap(shared.CodeAudioStreamError, "transcription input cancelled", err)
		}
		n, err := r.Read(buf)
		if n > 0 {
			if len(pcm)+n > m.cfg.MaxBufferSize {
				return nil, shared.Errorf(shared.CodeStreamLimitExceeded, "transcription input exceeds %d bytes", m.cfg.MaxBufferSize)
			}
			pcm = append(pcm, buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, shared.Wrap(shared.CodeAudioStreamError, "read transcription input", err)
		}
	}

	if len(pcm) == 0 {
		return nil, shared.NewError(shared.CodeInvalidAudioFormat, "transcription input is empty")
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, shared.Errorf(shared.CodeInvalidAudioFormat, "transcription input length %d is not 16-bit aligned", len(pcm))
	}

	duration := PCMDuration(len(pcm), m.cfg.InputSampleRate)
	if duration > m.cfg.MaxDuration {
		return nil, shared.Errorf(shared.CodeAudioProcessingError, "audio duration %s exceeds max %s", duration, m.cfg.MaxDuration).
			WithDetails(map[string]any{"duration_ms": duration.Milliseconds()})
	}

	return &Transcription{
		Data:       EncodeBase64(pcm),
		Bytes:      len(pcm),
		Duration:   duration,
		SampleRate: m.cfg.InputSampleRate,
	}, nil
}

// SendStream reads PCM from r and pushes it through the throttled outbound
// path. Reads that split a sample carry the odd byte into the next chunk.
// When the throttle buffer is full it waits for room instead of failing.
func (m *StreamManager) SendStream(ctx context.Context, r io.Reader) (int, error) {
	buf := make([]byte, m.cfg.MaxChunkSize)
	var carry []byte
	total := 0

	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) &^ (BytesPerSample - 1)
			for _, piece := range SplitAudioChunk(data[:whole], m.cfg.MaxChunkSize) {
				if sendErr := m.sendWithBackpressure(ctx, piece); sendErr != nil {
					return total, sendErr
				}
				total += len(piece)
			}
			carry = append([]byte(nil), data[whole:]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, shared.Wrap(shared.CodeAudioStreamError, "read audio input", err)
		}
	}

	if len(carry) > 0 {
		return total, shared.NewError(shared.CodeInvalidAudioFormat, "audio input ended mid-sample")
	}
	return total, nil
}

func (m *StreamManager) sendWithBackpressure(ctx context.Context, chunk []byte) error {
	for {
		err := m.SendAudioChunk(chunk)
		if shared.CodeOf(err) != shared.CodeStreamLimitExceeded {
			return err
		}
		wait := time.NewTimer(max(m.cfg.MinSendInterval, time.Millisecond))
		select {
		case <-ctx.Done():
			wait.Stop()
			return shared.Wrap(shared.CodeAudioStreamError, "audio send cancelled", ctx.Err())
		case <-wait.C:
		}
	}
}
