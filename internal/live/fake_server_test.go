package live

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/voice-live/internal/auth"
	"github.com/eleven-am/voice-live/internal/connection"
	"github.com/eleven-am/voice-live/internal/session"
	"github.com/gorilla/websocket"
)

var (
	discard  = slog.New(slog.NewTextHandler(io.Discard, nil))
	upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
)

type frame map[string]json.RawMessage

func (f frame) kind() string {
	for k := range f {
		return k
	}
	return ""
}

type responder func(fs *fakeServer, f frame)

// fakeServer plays the remote endpoint. Every received frame is recorded
// and handed to the responder.
type fakeServer struct {
	t       *testing.T
	srv     *httptest.Server
	respond responder

	mu      sync.Mutex
	frames  []frame
	headers []http.Header
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func autoSetup(fs *fakeServer, f frame) {
	switch f.kind() {
	case "setup", "session_resume":
		fs.send(map[string]any{"setupComplete": map[string]any{}})
	}
}

func newFakeServer(t *testing.T, respond responder) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, respond: respond}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.headers = append(fs.headers, r.Header.Clone())
		fs.conn = ws
		fs.mu.Unlock()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			fs.mu.Lock()
			fs.frames = append(fs.frames, f)
			fs.mu.Unlock()
			if fs.respond != nil {
				fs.respond(fs, f)
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) sendRaw(data []byte) {
	fs.mu.Lock()
	ws := fs.conn
	fs.mu.Unlock()
	if ws == nil {
		fs.t.Error("fake server has no connection")
		return
	}
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		fs.t.Logf("fake server write: %v", err)
	}
}

func (fs *fakeServer) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fs.t.Fatalf("marshal: %v", err)
	}
	fs.sendRaw(data)
}

func (fs *fakeServer) received() []frame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]frame(nil), fs.frames...)
}

func (fs *fakeServer) framesOf(kind string) []json.RawMessage {
	var out []json.RawMessage
	for _, f := range fs.received() {
		if raw, ok := f[kind]; ok {
			out = append(out, raw)
		}
	}
	return out
}

func (fs *fakeServer) header(i int) http.Header {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if i >= len(fs.headers) {
		return nil
	}
	return fs.headers[i]
}

// waitFrames blocks until at least n frames arrived.
func (fs *fakeServer) waitFrames(n int) []frame {
	fs.t.Helper()
	waitUntil(fs.t, func() bool { return len(fs.received()) >= n })
	return fs.received()
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func testConfig(fs *fakeServer) Config {
	return Config{
		Endpoint:   fs.url(),
		Auth:       auth.Config{APIKey: "test-key"},
		Connection: connection.Config{OpenTimeout: 2 * time.Second},
		Session:    session.Config{ReadyTimeout: 2 * time.Second},
	}
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, append([]Option{WithLogger(discard)}, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}
