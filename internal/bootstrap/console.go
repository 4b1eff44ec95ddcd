package bootstrap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/eleven-am/voice-live/internal/events"
	"github.com/eleven-am/voice-live/internal/live"
	"github.com/eleven-am/voice-live/internal/shared"
)

const (
	quitCommand  = "/quit"
	voiceCommand = "/voice"
)

// VoiceClient is the part of the live client the console drives.
type VoiceClient interface {
	Speak(ctx context.Context, text string, opts live.SpeakOptions) error
	OnWriting(fn func(events.WritingEvent)) events.ListenerID
	OnSpeaker(fn func(events.SpeakerEvent)) events.ListenerID
	OnError(fn func(*shared.Error)) events.ListenerID
}

// Console turns input lines into spoken turns and prints the model's text.
// Speaker audio is appended to audioOut when it is set.
type Console struct {
	client   VoiceClient
	in       io.Reader
	out      io.Writer
	audioOut io.Writer
	log      *slog.Logger

	outMu   sync.Mutex
	audioMu sync.Mutex
	copies  sync.WaitGroup
	speaker string
}

func NewConsole(client VoiceClient, in io.Reader, out, audioOut io.Writer, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	c := &Console{
		client:   client,
		in:       in,
		out:      out,
		audioOut: audioOut,
		log:      log.With("component", "console"),
	}
	client.OnWriting(c.printWriting)
	client.OnError(c.printError)
	if audioOut != nil {
		client.OnSpeaker(c.saveSpeaker)
	}
	return c
}

// Run reads lines until EOF, the quit command or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == quitCommand:
			return nil
		case strings.HasPrefix(line, voiceCommand+" "):
			c.speaker = strings.TrimSpace(strings.TrimPrefix(line, voiceCommand))
			c.printf("voice set to %s\n", c.speaker)
			continue
		}

		if err := c.client.Speak(ctx, line, live.SpeakOptions{Speaker: c.speaker}); err != nil {
			c.log.Warn("speak failed", "error", err)
		}
	}
	return scanner.Err()
}

// Wait blocks until every speaker stream has been written out.
func (c *Console) Wait() {
	c.copies.Wait()
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) printWriting(e events.WritingEvent) {
	if e.Role != shared.RoleAssistant {
		return
	}
	c.printf("%s", e.Text)
}

func (c *Console) printError(e *shared.Error) {
	c.printf("\n[%s] %s\n", e.Code, e.Message)
}

// saveSpeaker runs on the frame goroutine, so the copy itself must not block
// it.
func (c *Console) saveSpeaker(e events.SpeakerEvent) {
	c.copies.Add(1)
	go func() {
		defer c.copies.Done()
		c.audioMu.Lock()
		defer c.audioMu.Unlock()
		n, err := io.Copy(c.audioOut, e.Stream)
		if err != nil {
			c.log.Warn("speaker stream copy stopped", "response_id", e.ResponseID, "bytes", n, "error", err)
			return
		}
		c.log.Debug("speaker audio saved", "response_id", e.ResponseID, "bytes", n)
	}()
}
