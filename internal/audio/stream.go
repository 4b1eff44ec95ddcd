package audio

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/eleven-am/voice-live/internal/shared"
)

var ErrStreamDestroyed = shared.NewError(shared.CodeSpeakerStreamError, "audio stream destroyed")

// TurnStream is the readable audio output of one model turn. Writes append to
// an in-memory sink; reads block until data arrives or the stream ends.
type TurnStream struct {
	id        string
	seq       uint64
	createdAt time.Time

	mu        sync.Mutex
	cond      *sync.Cond
	buf       bytes.Buffer
	written   int
	ended     bool
	destroyed bool
}

func newTurnStream(id string, seq uint64, createdAt time.Time) *TurnStream {
	s := &TurnStream{id: id, seq: seq, createdAt: createdAt}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *TurnStream) ID() string           { return s.id }
func (s *TurnStream) CreatedAt() time.Time { return s.createdAt }

func (s *TurnStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return 0, ErrStreamDestroyed
	}
	if s.ended {
		return 0, shared.NewError(shared.CodeSpeakerStreamError, "write after end of turn")
	}
	n, _ := s.buf.Write(p)
	s.written += n
	s.cond.Broadcast()
	return n, nil
}

func (s *TurnStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.buf.Len() == 0 && !s.ended && !s.destroyed {
		s.cond.Wait()
	}
	if s.destroyed {
		return 0, ErrStreamDestroyed
	}
	if s.buf.Len() == 0 {
		return 0, io.EOF
	}
	return s.buf.Read(p)
}

// Close destroys the stream from the consumer side.
func (s *TurnStream) Close() error {
	s.Destroy()
	return nil
}

// End marks the turn finished. Buffered audio stays readable.
func (s *TurnStream) End() {
	s.mu.Lock()
	s.ended = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Destroy discards buffered audio and wakes any blocked reader.
func (s *TurnStream) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.buf.Reset()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *TurnStream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *TurnStream) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Drained reports whether the stream ended and every byte was read.
func (s *TurnStream) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended && s.buf.Len() == 0
}

func (s *TurnStream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

func (s *TurnStream) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
