package live

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/voice-live/internal/auth"
	"github.com/eleven-am/voice-live/internal/events"
	"github.com/eleven-am/voice-live/internal/history"
	"github.com/eleven-am/voice-live/internal/observability"
	"github.com/eleven-am/voice-live/internal/session"
	"github.com/eleven-am/voice-live/internal/shared"
	"github.com/eleven-am/voice-live/internal/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

func connectClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func detail(e *shared.Error, key string) any {
	details, _ := e.Details.(map[string]any)
	return details[key]
}

func textOf(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var cc struct {
		Turns []struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"turns"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		t.Fatalf("decode client_content: %v", err)
	}
	if len(cc.Turns) == 0 || len(cc.Turns[0].Parts) == 0 {
		return ""
	}
	return cc.Turns[0].Parts[len(cc.Turns[0].Parts)-1].Text
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{}, WithLogger(discard))
	if shared.CodeOf(err) != shared.CodeAPIKeyMissing {
		t.Fatalf("expected API_KEY_MISSING, got %v", err)
	}
}

func TestNew_RejectsInvalidTool(t *testing.T) {
	_, err := New(Config{Auth: auth.Config{APIKey: "k"}}, WithLogger(discard), WithTools(tools.Tool{Name: "broken"}))
	if shared.CodeOf(err) != shared.CodeInvalidState {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}
}

func TestClient_ConnectSendsSetup(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	cfg := testConfig(fs)
	cfg.Instructions = "be brief"
	c := newTestClient(t, cfg, WithTools(tools.Tool{
		Name:    "weather",
		Execute: func(context.Context, tools.ExecutionContext, map[string]any) (any, error) { return nil, nil },
	}))

	states := make(chan events.SessionState, 4)
	c.OnSession(func(e events.SessionEvent) { states <- e.State })

	connectClient(t, c)

	if c.State() != events.StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	if got := receive(t, states); got != events.StateConnecting {
		t.Fatalf("expected connecting first, got %s", got)
	}
	if got := receive(t, states); got != events.StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if c.SessionID() == "" {
		t.Fatal("expected a session id")
	}

	if got := fs.header(0).Get(auth.HeaderAPIKey); got != "test-key" {
		t.Fatalf("expected api key header, got %q", got)
	}

	frames := fs.received()
	var setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			SpeechConfig struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		Tools []struct {
			FunctionDeclarations []struct {
				Name string `json:"name"`
			} `json:"functionDeclarations"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(frames[0]["setup"], &setup); err != nil {
		t.Fatalf("first frame is not setup: %v", err)
	}
	if setup.Model != "models/"+DefaultModel {
		t.Fatalf("unexpected model %q", setup.Model)
	}
	if v := setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != DefaultVoice {
		t.Fatalf("unexpected voice %q", v)
	}
	if len(setup.SystemInstruction.Parts) != 1 || setup.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("unexpected system instruction %+v", setup.SystemInstruction)
	}
	if len(setup.Tools) != 1 || setup.Tools[0].FunctionDeclarations[0].Name != "weather" {
		t.Fatalf("unexpected tools %+v", setup.Tools)
	}
}

func TestClient_ConnectTwiceFails(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	err := c.Connect(context.Background())
	if shared.CodeOf(err) != shared.CodeInvalidState {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}
	if c.State() != events.StateConnected {
		t.Fatalf("second connect must not disturb the session, got %s", c.State())
	}
}

func TestClient_TokenModeUsesBearerAndQualifiedModel(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	cfg := testConfig(fs)
	cfg.Auth = auth.Config{
		UseVertexAI: true,
		Project:     "proj",
		Location:    "europe-west4",
		TokenSource: auth.StaticTokenSource("tok"),
	}
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics("test", reg)
	c := newTestClient(t, cfg, WithMetrics(m))
	connectClient(t, c)

	if got := fs.header(0).Get(auth.HeaderAuthorization); got != "Bearer tok" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	var setup struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(fs.received()[0]["setup"], &setup); err != nil {
		t.Fatal(err)
	}
	want := "projects/proj/locations/europe-west4/publishers/google/models/" + DefaultModel
	if setup.Model != want {
		t.Fatalf("expected %q, got %q", want, setup.Model)
	}
	if got := testutil.ToFloat64(m.TokenRefreshes); got != 1 {
		t.Fatalf("expected one token refresh, got %v", got)
	}
	if got := testutil.ToFloat64(m.Frames.WithLabelValues("out", "setup")); got != 1 {
		t.Fatalf("expected one setup frame counted, got %v", got)
	}
}

func TestClient_ConnectFailsOnServerError(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer, f frame) {
		if f.kind() == "setup" {
			fs.send(map[string]any{"error": map[string]any{"code": 400, "message": "unknown model"}})
		}
	})
	c := newTestClient(t, testConfig(fs))

	errs := make(chan *shared.Error, 4)
	c.OnError(func(e *shared.Error) { errs <- e })

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	if c.State() != events.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	first := receive(t, errs)
	if first.Code != shared.CodeUnknown || detail(first, "server_code") != "400" {
		t.Fatalf("unexpected error event %+v", first)
	}
}

func TestClient_ConnectFailsWhenSetupNeverCompletes(t *testing.T) {
	fs := newFakeServer(t, nil)
	cfg := testConfig(fs)
	cfg.Session.ReadyTimeout = 50 * time.Millisecond
	c := newTestClient(t, cfg)

	err := c.Connect(context.Background())
	if shared.CodeOf(err) != shared.CodeConnectionFailed {
		t.Fatalf("expected CONNECTION_FAILED, got %v", err)
	}
	if c.State() != events.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
}

// startConnect begins a connect whose setup the test acknowledges by hand.
func startConnect(t *testing.T, fs *fakeServer, c *Client) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	fs.waitFrames(1)
	return done
}

func TestClient_SpeakBeforeSetupIsDeliveredAfter(t *testing.T) {
	fs := newFakeServer(t, nil)
	c := newTestClient(t, testConfig(fs))

	done := startConnect(t, fs, c)
	if err := c.Speak(context.Background(), "hello", SpeakOptions{}); err != nil {
		t.Fatalf("speak during setup: %v", err)
	}
	if st := c.Status(); st.PendingFrames != 1 {
		t.Fatalf("expected one pending frame, got %d", st.PendingFrames)
	}

	time.Sleep(30 * time.Millisecond)
	if n := len(fs.received()); n != 1 {
		t.Fatalf("nothing but setup may be sent before setupComplete, got %d frames", n)
	}

	fs.send(map[string]any{"setupComplete": map[string]any{}})
	if err := receive(t, done); err != nil {
		t.Fatalf("connect: %v", err)
	}

	frames := fs.waitFrames(2)
	if got := textOf(t, frames[1]["client_content"]); got != "hello" {
		t.Fatalf("expected queued text turn, got %q", got)
	}
	if st := c.Status(); st.PendingFrames != 0 {
		t.Fatalf("expected queue drained, got %d", st.PendingFrames)
	}
}

func TestClient_QueuedFramesDrainInOrder(t *testing.T) {
	fs := newFakeServer(t, nil)
	c := newTestClient(t, testConfig(fs))

	done := startConnect(t, fs, c)
	for _, text := range []string{"one", "two", "three"} {
		if err := c.Speak(context.Background(), text, SpeakOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	fs.send(map[string]any{"setupComplete": map[string]any{}})
	if err := receive(t, done); err != nil {
		t.Fatal(err)
	}

	frames := fs.waitFrames(4)
	for i, want := range []string{"one", "two", "three"} {
		if got := textOf(t, frames[i+1]["client_content"]); got != want {
			t.Fatalf("frame %d: expected %q, got %q", i+1, want, got)
		}
	}
}

func TestClient_SpeakValidation(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))

	if err := c.Speak(context.Background(), "hi", SpeakOptions{}); shared.CodeOf(err) != shared.CodeNotConnected {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}

	connectClient(t, c)
	if err := c.Speak(context.Background(), "   ", SpeakOptions{}); shared.CodeOf(err) != shared.CodeInvalidState {
		t.Fatalf("expected INVALID_STATE for empty text, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Speak(ctx, "hi", SpeakOptions{}); shared.CodeOf(err) != shared.CodeInvalidState {
		t.Fatalf("expected INVALID_STATE for cancelled context, got %v", err)
	}
}

func TestClient_SpeakWithSpeakerSwitchesVoice(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	if err := c.Speak(context.Background(), "hi", SpeakOptions{Speaker: "Kore"}); err != nil {
		t.Fatal(err)
	}
	frames := fs.waitFrames(3)
	if _, ok := frames[1]["session.update"]; !ok {
		t.Fatalf("expected voice switch before the turn, got %s", frames[1].kind())
	}
	if !strings.Contains(string(frames[1]["session.update"]), "Kore") {
		t.Fatalf("voice switch does not name the speaker: %s", frames[1]["session.update"])
	}
	if got := textOf(t, frames[2]["client_content"]); got != "hi" {
		t.Fatalf("unexpected turn %q", got)
	}

	entries := c.History()
	if len(entries) != 1 || entries[0].Role != shared.RoleUser || entries[0].Content != "hi" {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestClient_ServerContentEmitsOnce(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	writing := make(chan events.WritingEvent, 4)
	speaking := make(chan events.SpeakingEvent, 4)
	speakers := make(chan events.SpeakerEvent, 4)
	turns := make(chan events.TurnCompleteEvent, 4)
	c.OnWriting(func(e events.WritingEvent) { writing <- e })
	c.OnSpeaking(func(e events.SpeakingEvent) { speaking <- e })
	c.OnSpeaker(func(e events.SpeakerEvent) { speakers <- e })
	c.OnTurnComplete(func(e events.TurnCompleteEvent) { turns <- e })

	pcm := []byte{1, 0, 2, 0}
	fs.send(map[string]any{
		"responseId": "resp-1",
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{
					map[string]any{"text": "hello"},
					map[string]any{"inlineData": map[string]any{
						"mediaType": "audio/pcm;rate=24000",
						"data":      base64.StdEncoding.EncodeToString(pcm),
					}},
				},
			},
		},
	})

	w := receive(t, writing)
	if w.Text != "hello" || w.Role != shared.RoleAssistant {
		t.Fatalf("unexpected writing event %+v", w)
	}
	s := receive(t, speaking)
	if s.ResponseID != "resp-1" || !bytes.Equal(s.Audio, pcm) || s.SampleRate != 24000 {
		t.Fatalf("unexpected speaking event %+v", s)
	}
	if len(s.Samples) != 2 || s.Samples[0] != 1 || s.Samples[1] != 2 {
		t.Fatalf("unexpected samples %v", s.Samples)
	}
	sp := receive(t, speakers)
	if sp.ResponseID != "resp-1" {
		t.Fatalf("unexpected speaker event %+v", sp)
	}

	fs.send(map[string]any{"responseId": "resp-1", "serverContent": map[string]any{"turnComplete": true}})
	tc := receive(t, turns)
	if tc.ResponseID != "resp-1" {
		t.Fatalf("unexpected turn complete %+v", tc)
	}

	select {
	case e := <-writing:
		t.Fatalf("duplicate writing event %+v", e)
	case e := <-speaking:
		t.Fatalf("duplicate speaking event %+v", e)
	case e := <-speakers:
		t.Fatalf("duplicate speaker event %+v", e)
	default:
	}

	got, err := io.ReadAll(sp.Stream)
	if err != nil {
		t.Fatalf("read ended stream: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("stream carried %v, want %v", got, pcm)
	}

	entries := c.History()
	if len(entries) != 1 || entries[0].Role != shared.RoleAssistant {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestClient_UsageModality(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	usage := make(chan events.UsageEvent, 2)
	c.OnUsage(func(e events.UsageEvent) { usage <- e })

	fs.send(map[string]any{"usageMetadata": map[string]any{
		"promptTokenCount": 3, "responseTokenCount": 5, "totalTokenCount": 8,
	}})
	u := receive(t, usage)
	if u.TotalTokens != 8 || u.PromptTokens != 3 || u.ResponseTokens != 5 || u.Modality != "text" {
		t.Fatalf("unexpected usage %+v", u)
	}

	fs.send(map[string]any{"usageMetadata": map[string]any{
		"totalTokenCount":       2,
		"responseTokensDetails": []any{map[string]any{"modality": "AUDIO", "tokenCount": 2}},
	}})
	u = receive(t, usage)
	if u.Modality != "audio" {
		t.Fatalf("expected audio modality, got %+v", u)
	}
}

func TestClient_UsageAfterAudioTurnKeepsModality(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	usage := make(chan events.UsageEvent, 2)
	c.OnUsage(func(e events.UsageEvent) { usage <- e })

	fs.send(map[string]any{
		"responseId": "resp-1",
		"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mediaType": "audio/pcm;rate=24000",
					"data":      base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}),
				}},
			}},
		},
	})
	fs.send(map[string]any{"responseId": "resp-1", "serverContent": map[string]any{"turnComplete": true}})
	fs.send(map[string]any{"usageMetadata": map[string]any{"totalTokenCount": 4}})
	if u := receive(t, usage); u.Modality != "audio" {
		t.Fatalf("usage trailing an audio turn should be audio, got %+v", u)
	}

	if err := c.Speak(context.Background(), "next", SpeakOptions{}); err != nil {
		t.Fatal(err)
	}
	fs.send(map[string]any{"usageMetadata": map[string]any{"totalTokenCount": 1}})
	if u := receive(t, usage); u.Modality != "text" {
		t.Fatalf("a new turn should reset the modality, got %+v", u)
	}
}

func TestClient_UnknownToolSendsNoResult(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	errs := make(chan *shared.Error, 4)
	c.OnError(func(e *shared.Error) { errs <- e })

	fs.send(map[string]any{"toolCall": map[string]any{
		"functionCalls": []any{map[string]any{"id": "call-1", "name": "missing"}},
	}})
	e := receive(t, errs)
	if e.Code != shared.CodeToolNotFound || detail(e, "call_id") != "call-1" {
		t.Fatalf("unexpected error %+v", e)
	}

	// The socket is ordered: anything sent for the call precedes this turn.
	if err := c.Speak(context.Background(), "ping", SpeakOptions{}); err != nil {
		t.Fatal(err)
	}
	frames := fs.waitFrames(2)
	if got := textOf(t, frames[1]["client_content"]); got != "ping" {
		t.Fatalf("expected ping right after setup, got %s", frames[1].kind())
	}
	if results := fs.framesOf("tool_result"); len(results) != 0 {
		t.Fatalf("unknown tool must not be answered, got %d results", len(results))
	}
}

func TestClient_ToolCallsAnswered(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	weather := tools.Tool{
		Name: "weather",
		Execute: func(_ context.Context, ec tools.ExecutionContext, args map[string]any) (any, error) {
			if ec.CallID != "call-1" || ec.SessionID == "" {
				return nil, errors.New("missing execution context")
			}
			return map[string]any{"city": args["city"], "forecast": "sunny"}, nil
		},
	}
	broken := tools.Tool{
		Name: "broken",
		Execute: func(context.Context, tools.ExecutionContext, map[string]any) (any, error) {
			return nil, errors.New("backend down")
		},
	}
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics("test", reg)
	c := newTestClient(t, testConfig(fs), WithTools(weather, broken), WithMetrics(m))
	connectClient(t, c)

	calls := make(chan events.ToolCallEvent, 4)
	errs := make(chan *shared.Error, 4)
	c.OnToolCall(func(e events.ToolCallEvent) { calls <- e })
	c.OnError(func(e *shared.Error) { errs <- e })

	fs.send(map[string]any{"toolCall": map[string]any{
		"functionCalls": []any{
			map[string]any{"id": "call-1", "name": "weather", "args": map[string]any{"city": "Lagos"}},
			map[string]any{"id": "call-2", "name": "broken"},
		},
	}})

	first := receive(t, calls)
	second := receive(t, calls)
	if first.ID != "call-1" || second.ID != "call-2" {
		t.Fatalf("tool calls out of order: %s, %s", first.ID, second.ID)
	}
	if e := receive(t, errs); e.Code != shared.CodeToolExecutionError {
		t.Fatalf("expected TOOL_EXECUTION_ERROR, got %+v", e)
	}

	waitUntil(t, func() bool { return len(fs.framesOf("tool_result")) == 2 })
	var results []struct {
		ToolCallID string         `json:"tool_call_id"`
		Result     map[string]any `json:"result"`
	}
	for _, raw := range fs.framesOf("tool_result") {
		var r struct {
			ToolCallID string         `json:"tool_call_id"`
			Result     map[string]any `json:"result"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			t.Fatal(err)
		}
		results = append(results, r)
	}
	if results[0].ToolCallID != "call-1" || results[0].Result["forecast"] != "sunny" || results[0].Result["city"] != "Lagos" {
		t.Fatalf("unexpected success result %+v", results[0])
	}
	if results[1].ToolCallID != "call-2" || results[1].Result["error"] == nil {
		t.Fatalf("unexpected failure result %+v", results[1])
	}
	if !strings.Contains(results[1].Result["error"].(string), "backend down") {
		t.Fatalf("failure result should carry the cause, got %v", results[1].Result["error"])
	}

	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("weather", "ok")); got != 1 {
		t.Fatalf("expected one ok call counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("broken", "error")); got != 1 {
		t.Fatalf("expected one failed call counted, got %v", got)
	}
}

func TestClient_ToolForwarderOutputSurfacesAsWriting(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	fwd := tools.ForwarderFunc(func(_ context.Context, agentRef, input string) (<-chan string, error) {
		ch := make(chan string, 2)
		ch <- "partial "
		ch <- "answer"
		close(ch)
		return ch, nil
	})
	delegate := tools.Tool{
		Name: "delegate",
		Execute: func(ctx context.Context, ec tools.ExecutionContext, args map[string]any) (any, error) {
			ch, err := ec.Forwarder.Invoke(ctx, "research", "question")
			if err != nil {
				return nil, err
			}
			return tools.Collect(ctx, ch)
		},
	}
	c := newTestClient(t, testConfig(fs), WithTools(delegate), WithAgentForwarder(fwd))
	connectClient(t, c)

	writing := make(chan events.WritingEvent, 4)
	c.OnWriting(func(e events.WritingEvent) { writing <- e })

	fs.send(map[string]any{"toolCall": map[string]any{
		"functionCalls": []any{map[string]any{"id": "call-1", "name": "delegate"}},
	}})

	if w := receive(t, writing); w.Text != "partial " {
		t.Fatalf("unexpected first chunk %q", w.Text)
	}
	if w := receive(t, writing); w.Text != "answer" {
		t.Fatalf("unexpected second chunk %q", w.Text)
	}
	waitUntil(t, func() bool { return len(fs.framesOf("tool_result")) == 1 })
	if !strings.Contains(string(fs.framesOf("tool_result")[0]), "partial answer") {
		t.Fatalf("unexpected result %s", fs.framesOf("tool_result")[0])
	}
}

func ackUpdates(fs *fakeServer, f frame) {
	autoSetup(fs, f)
	if f.kind() == "session.update" {
		fs.send(map[string]any{"sessionUpdated": map[string]any{}})
	}
}

func TestClient_UpdateSessionConfigAcknowledged(t *testing.T) {
	fs := newFakeServer(t, ackUpdates)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	updates := make(chan events.SessionEvent, 2)
	c.OnSession(func(e events.SessionEvent) {
		if e.State == events.StateUpdated {
			updates <- e
		}
	})

	u := SessionUpdate{Voice: "Aoede", Instructions: "speak slowly"}
	if err := c.UpdateSessionConfig(context.Background(), u); err != nil {
		t.Fatalf("update: %v", err)
	}
	e := receive(t, updates)
	if cfg, ok := e.Config.(SessionUpdate); !ok || cfg.Voice != "Aoede" {
		t.Fatalf("unexpected update event %+v", e)
	}

	raw := fs.framesOf("session.update")
	if len(raw) != 1 {
		t.Fatalf("expected one session.update, got %d", len(raw))
	}
	var update struct {
		Session struct {
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"system_instruction"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw[0], &update); err != nil {
		t.Fatal(err)
	}
	if p := update.Session.SystemInstruction.Parts; len(p) != 1 || p[0].Text != "speak slowly" {
		t.Fatalf("unexpected update payload %s", raw[0])
	}

	// The applied voice is not switched again.
	if err := c.Speak(context.Background(), "hi", SpeakOptions{Speaker: "Aoede"}); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return len(fs.framesOf("client_content")) == 1 })
	if n := len(fs.framesOf("session.update")); n != 1 {
		t.Fatalf("expected no further voice switch, got %d updates", n)
	}
}

func TestClient_UpdateSessionConfigTimesOut(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	cfg := testConfig(fs)
	cfg.UpdateTimeout = 50 * time.Millisecond
	c := newTestClient(t, cfg)
	connectClient(t, c)

	err := c.UpdateSessionConfig(context.Background(), SessionUpdate{Voice: "Kore"})
	if shared.CodeOf(err) != shared.CodeSessionConfigUpdateFailed {
		t.Fatalf("expected SESSION_CONFIG_UPDATE_FAILED, got %v", err)
	}

	// The slot is released so a later update can proceed.
	err = c.UpdateSessionConfig(context.Background(), SessionUpdate{Voice: "Kore"})
	if shared.CodeOf(err) != shared.CodeSessionConfigUpdateFailed {
		t.Fatalf("expected a second timeout, got %v", err)
	}
}

func TestClient_UpdateSessionConfigRequiresConnection(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))

	err := c.UpdateSessionConfig(context.Background(), SessionUpdate{Voice: "Kore"})
	if shared.CodeOf(err) != shared.CodeNotConnected {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
}

func TestClient_AddToolsAndInstructionsPushUpdates(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))

	if err := c.AddInstructions("  "); shared.CodeOf(err) != shared.CodeInvalidState {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}
	if err := c.AddInstructions("first"); err != nil {
		t.Fatal(err)
	}
	connectClient(t, c)

	if err := c.AddInstructions("second"); err != nil {
		t.Fatal(err)
	}
	if err := c.AddTools(tools.Tool{
		Name:    "clock",
		Execute: func(context.Context, tools.ExecutionContext, map[string]any) (any, error) { return "noon", nil },
	}); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool { return len(fs.framesOf("session.update")) == 2 })
	updates := fs.framesOf("session.update")
	if !strings.Contains(string(updates[0]), `first\n\nsecond`) {
		t.Fatalf("instructions update should carry the joined text: %s", updates[0])
	}
	if !strings.Contains(string(updates[1]), `"clock"`) {
		t.Fatalf("tools update should declare the new tool: %s", updates[1])
	}
	if st := c.Status(); len(st.Tools) != 1 || st.Tools[0] != "clock" {
		t.Fatalf("unexpected tools in status %+v", st.Tools)
	}
}

func TestClient_AddToolsReportsSendFailure(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	errs := make(chan *shared.Error, 4)
	c.OnError(func(e *shared.Error) { errs <- e })

	// A local close leaves the client connected with a dead socket.
	_ = c.conn.Close()

	err := c.AddTools(tools.Tool{
		Name:    "clock",
		Execute: func(context.Context, tools.ExecutionContext, map[string]any) (any, error) { return "noon", nil },
	})
	if shared.CodeOf(err) != shared.CodeConnectionNotEstablished {
		t.Fatalf("expected CONNECTION_NOT_ESTABLISHED, got %v", err)
	}
	if e := receive(t, errs); e.Code != shared.CodeConnectionNotEstablished {
		t.Fatalf("expected the failure as an error event, got %+v", e)
	}

	if err := c.AddInstructions("be brief"); shared.CodeOf(err) != shared.CodeConnectionNotEstablished {
		t.Fatalf("expected CONNECTION_NOT_ESTABLISHED, got %v", err)
	}
	if e := receive(t, errs); e.Code != shared.CodeConnectionNotEstablished {
		t.Fatalf("expected the failure as an error event, got %+v", e)
	}
}

func TestClient_ResumeSession(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	handles := make(chan events.SessionHandleEvent, 2)
	c.OnSessionHandle(func(e events.SessionHandleEvent) { handles <- e })

	fs.send(map[string]any{"sessionResumptionUpdate": map[string]any{"newHandle": "h-1", "resumable": true}})
	if h := receive(t, handles); h.Handle != "h-1" {
		t.Fatalf("unexpected handle event %+v", h)
	}
	if c.SessionHandle() != "h-1" {
		t.Fatalf("expected handle h-1, got %q", c.SessionHandle())
	}

	states := make(chan events.SessionState, 8)
	c.OnSession(func(e events.SessionEvent) { states <- e.State })

	entries := []history.Entry{
		{Role: shared.RoleUser, Content: "what is the time"},
		{Role: shared.RoleAssistant, Content: "noon"},
	}
	if err := c.ResumeSession(context.Background(), "h-1", entries); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.State() != events.StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}

	for _, want := range []events.SessionState{events.StateDisconnected, events.StateConnecting, events.StateConnected} {
		if got := receive(t, states); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}

	raw := fs.framesOf("session_resume")
	if len(raw) != 1 {
		t.Fatalf("expected one session_resume frame, got %d", len(raw))
	}
	var resume struct {
		Handle  string `json:"handle"`
		Context []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"context"`
	}
	if err := json.Unmarshal(raw[0], &resume); err != nil {
		t.Fatal(err)
	}
	if resume.Handle != "h-1" || len(resume.Context) != 2 || resume.Context[1].Content != "noon" {
		t.Fatalf("unexpected resume payload %+v", resume)
	}
	if got := c.History(); len(got) != 2 {
		t.Fatalf("history should be replaced, got %d entries", len(got))
	}
}

func TestClient_ResumeRequiresHandle(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))

	err := c.ResumeSession(context.Background(), "", nil)
	if shared.CodeOf(err) != shared.CodeSessionResumptionFailed {
		t.Fatalf("expected SESSION_RESUMPTION_FAILED, got %v", err)
	}
}

func TestClient_ResumeFromStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := session.NewStore(rdb)

	fs := newFakeServer(t, autoSetup)
	first := newTestClient(t, testConfig(fs), WithStore(store))
	connectClient(t, first)
	if err := first.Speak(context.Background(), "remember me", SpeakOptions{}); err != nil {
		t.Fatal(err)
	}

	handles := make(chan events.SessionHandleEvent, 1)
	first.OnSessionHandle(func(e events.SessionHandleEvent) { handles <- e })
	fs.send(map[string]any{"sessionResumptionUpdate": map[string]any{"newHandle": "stored-handle", "resumable": true}})
	receive(t, handles)

	id := first.SessionID()
	waitUntil(t, func() bool { return mr.Exists(session.RedisKey(id)) })
	if err := first.Disconnect(); err != nil {
		t.Fatal(err)
	}

	second := newTestClient(t, testConfig(fs), WithStore(store))
	if err := second.ResumeFromStore(context.Background(), id); err != nil {
		t.Fatalf("resume from store: %v", err)
	}

	raw := fs.framesOf("session_resume")
	if len(raw) != 1 || !strings.Contains(string(raw[0]), "stored-handle") || !strings.Contains(string(raw[0]), "remember me") {
		t.Fatalf("unexpected resume frames %v", raw)
	}

	err := second.ResumeFromStore(context.Background(), "missing")
	if shared.CodeOf(err) != shared.CodeSessionResumptionFailed {
		t.Fatalf("expected SESSION_RESUMPTION_FAILED, got %v", err)
	}
}

func TestClient_ResumeFromStoreWithoutStore(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	if err := c.ResumeFromStore(context.Background(), "any"); shared.CodeOf(err) != shared.CodeInvalidState {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}
}

func TestClient_DisconnectClearsListeners(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	states := make(chan events.SessionState, 4)
	c.OnSession(func(e events.SessionEvent) { states <- e.State })
	c.OnWriting(func(events.WritingEvent) {})

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if c.State() != events.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if got := receive(t, states); got != events.StateDisconnecting {
		t.Fatalf("expected disconnecting, got %s", got)
	}
	if got := receive(t, states); got != events.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	if n := c.ListenerCount(events.Session) + c.ListenerCount(events.Writing); n != 0 {
		t.Fatalf("expected listeners cleared, got %d", n)
	}
	if err := c.Speak(context.Background(), "late", SpeakOptions{}); shared.CodeOf(err) != shared.CodeNotConnected {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
	if err := c.SendAudio([]byte{0, 0}); shared.CodeOf(err) != shared.CodeNotConnected {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect should be a no-op, got %v", err)
	}
}

func TestClient_ServerSessionEndDisconnects(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	ended := make(chan events.SessionEvent, 1)
	c.OnSession(func(e events.SessionEvent) {
		if e.State == events.StateDisconnected {
			ended <- e
		}
	})

	fs.send(map[string]any{"sessionEnd": map[string]any{"reason": "idle"}})
	e := receive(t, ended)
	if e.Reason != "idle" || e.SessionID == "" {
		t.Fatalf("unexpected disconnect event %+v", e)
	}
	if c.State() != events.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}

	// Listeners survive a server-side end so the client can reconnect.
	connectClient(t, c)
	if c.ListenerCount(events.Session) != 1 {
		t.Fatalf("expected the session listener to survive")
	}
}

func TestClient_RemoteCloseDisconnects(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	ended := make(chan events.SessionEvent, 1)
	c.OnSession(func(e events.SessionEvent) {
		if e.State == events.StateDisconnected {
			ended <- e
		}
	})

	fs.mu.Lock()
	ws := fs.conn
	fs.mu.Unlock()
	_ = ws.Close()

	receive(t, ended)
	if c.State() != events.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
}

func TestClient_InvalidFrameDisconnects(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	errs := make(chan *shared.Error, 4)
	c.OnError(func(e *shared.Error) { errs <- e })

	fs.sendRaw([]byte("not json"))
	if e := receive(t, errs); e.Code != shared.CodeWebSocketError {
		t.Fatalf("expected WEBSOCKET_ERROR, got %+v", e)
	}
	waitUntil(t, func() bool { return c.State() == events.StateDisconnected })
}

func TestClient_UnknownFrameIsDropped(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	usage := make(chan events.UsageEvent, 1)
	c.OnUsage(func(e events.UsageEvent) { usage <- e })

	fs.send(map[string]any{"somethingNew": map[string]any{"x": 1}})
	fs.send(map[string]any{"usageMetadata": map[string]any{"totalTokenCount": 1}})
	receive(t, usage)
	if c.State() != events.StateConnected {
		t.Fatalf("unknown frames must not disturb the session, got %s", c.State())
	}
}

func TestClient_GoAwayEmitsExpiring(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	expiring := make(chan events.SessionExpiringEvent, 1)
	c.OnSessionExpiring(func(e events.SessionExpiringEvent) { expiring <- e })

	fs.send(map[string]any{"goAway": map[string]any{"timeLeft": "10s"}})
	if e := receive(t, expiring); e.ExpiresIn != 10*time.Second {
		t.Fatalf("unexpected expiring event %+v", e)
	}
}

func TestClient_DurationLimitDisconnects(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	cfg := testConfig(fs)
	cfg.Session.MaxDuration = 150 * time.Millisecond
	cfg.Session.ExpiryWarning = 100 * time.Millisecond
	c := newTestClient(t, cfg)

	expiring := make(chan events.SessionExpiringEvent, 1)
	ended := make(chan events.SessionEvent, 1)
	c.OnSessionExpiring(func(e events.SessionExpiringEvent) { expiring <- e })
	c.OnSession(func(e events.SessionEvent) {
		if e.State == events.StateDisconnected {
			ended <- e
		}
	})

	connectClient(t, c)

	if e := receive(t, expiring); e.ExpiresIn != 100*time.Millisecond {
		t.Fatalf("unexpected warning %+v", e)
	}
	e := receive(t, ended)
	if !strings.Contains(e.Reason, "max session duration") {
		t.Fatalf("unexpected disconnect reason %q", e.Reason)
	}
}

func TestClient_SendAudio(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	if err := c.SendAudio([]byte{1, 2, 3}); shared.CodeOf(err) != shared.CodeInvalidAudioFormat {
		t.Fatalf("expected INVALID_AUDIO_FORMAT for odd chunk, got %v", err)
	}
	if err := c.SendAudio([]byte{1, 0, 2, 0}); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool { return len(fs.framesOf("realtime_input")) == 1 })
	var input struct {
		MediaChunks []struct {
			MimeType string `json:"mime_type"`
			Data     string `json:"data"`
		} `json:"media_chunks"`
	}
	if err := json.Unmarshal(fs.framesOf("realtime_input")[0], &input); err != nil {
		t.Fatal(err)
	}
	chunk := input.MediaChunks[0]
	if chunk.MimeType != "audio/pcm;rate=16000" {
		t.Fatalf("unexpected mime type %q", chunk.MimeType)
	}
	if chunk.Data != base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}) {
		t.Fatalf("unexpected payload %q", chunk.Data)
	}
}

func TestClient_SendStreamsReader(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	cfg := testConfig(fs)
	cfg.Audio.MaxChunkSize = 4
	cfg.Audio.MinSendInterval = -1
	c := newTestClient(t, cfg)
	connectClient(t, c)

	n, err := c.Send(context.Background(), bytes.NewReader(make([]byte, 12)))
	if err != nil {
		t.Fatal(err)
	}
	if n != 12 {
		t.Fatalf("expected 12 bytes sent, got %d", n)
	}
	waitUntil(t, func() bool { return len(fs.framesOf("realtime_input")) == 3 })
}

func TestClient_SendSamples(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	cfg := testConfig(fs)
	cfg.Audio.MaxChunkSize = 4
	cfg.Audio.MinSendInterval = -1
	c := newTestClient(t, cfg)
	connectClient(t, c)

	if err := c.SendSamples(nil, 16000); shared.CodeOf(err) != shared.CodeInvalidAudioFormat {
		t.Fatalf("expected INVALID_AUDIO_FORMAT for empty samples, got %v", err)
	}
	if err := c.SendSamples(make([]int16, 8), 16000); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return len(fs.framesOf("realtime_input")) == 4 })
}

func TestClient_SpeakReader(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	if err := c.SpeakReader(context.Background(), strings.NewReader("from a reader"), SpeakOptions{}); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return len(fs.framesOf("client_content")) == 1 })
	if got := textOf(t, fs.framesOf("client_content")[0]); got != "from a reader" {
		t.Fatalf("unexpected turn text %q", got)
	}
}

func TestClient_Listen(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer, f frame) {
		autoSetup(fs, f)
		if f.kind() == "client_content" && strings.Contains(string(f["client_content"]), "inlineData") {
			fs.send(map[string]any{"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []any{
					map[string]any{"text": "hello "},
					map[string]any{"text": "world "},
				}},
			}})
			fs.send(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		}
	})
	c := newTestClient(t, testConfig(fs))
	connectClient(t, c)

	before := c.ListenerCount(events.Writing)
	text, err := c.Listen(context.Background(), bytes.NewReader(make([]byte, 3200)))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected transcript %q", text)
	}
	if c.ListenerCount(events.Writing) != before {
		t.Fatal("listen must remove its listeners")
	}

	if _, err := c.Listen(context.Background(), bytes.NewReader(nil)); shared.CodeOf(err) != shared.CodeInvalidAudioFormat {
		t.Fatalf("expected INVALID_AUDIO_FORMAT for empty audio, got %v", err)
	}
}

func TestClient_StatusAndSpeakers(t *testing.T) {
	fs := newFakeServer(t, autoSetup)
	c := newTestClient(t, testConfig(fs))

	st := c.Status()
	if st.State != events.StateDisconnected || st.ConnectedAt != nil || st.UptimeSeconds != 0 {
		t.Fatalf("unexpected idle status %+v", st)
	}

	connectClient(t, c)
	st = c.Status()
	if st.State != events.StateConnected || st.SessionID == "" || st.ConnectedAt == nil {
		t.Fatalf("unexpected connected status %+v", st)
	}
	if st.Resumable {
		t.Fatal("no handle was issued yet")
	}

	speakers := c.Speakers()
	if len(speakers) != 8 || speakers[0] != "Puck" {
		t.Fatalf("unexpected speakers %v", speakers)
	}
	speakers[0] = "changed"
	if c.Speakers()[0] != "Puck" {
		t.Fatal("speakers must return a copy")
	}
}
