package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deshartman/crelay-payments-sub000/internal/llm/provider"
	"github.com/deshartman/crelay-payments-sub000/internal/session"
	"github.com/deshartman/crelay-payments-sub000/internal/telephony"
	"github.com/deshartman/crelay-payments-sub000/pkg/assets"
	"github.com/deshartman/crelay-payments-sub000/pkg/callparams"
)

// recordingLoader resolves profiles from a fixed map and remembers
// which keys were asked for.
type recordingLoader struct {
	mu       sync.Mutex
	keys     []string
	profiles map[string]*assets.Profile
}

func (l *recordingLoader) Load(_ context.Context, key string) (*assets.Profile, error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	p, ok := l.profiles[key]
	if !ok {
		return nil, fmt.Errorf("profile %s not found", key)
	}
	return p, nil
}

func (l *recordingLoader) loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

type relayFixture struct {
	t        *testing.T
	ts       *httptest.Server
	mock     *provider.MockProvider
	registry *session.Registry
	loader   *recordingLoader
	params   callparams.Store
}

func newRelayFixture(t *testing.T, opts ...func(*Config)) *relayFixture {
	t.Helper()

	loader := &recordingLoader{profiles: map[string]*assets.Profile{
		"default": {
			Name:    "default",
			Context: "You are a helpful voice agent.",
			Tools: []assets.ToolConfig{
				{Name: "send-dtmf"},
				{Name: "end-call"},
			},
		},
		"payments": {
			Name:    "payments",
			Context: "You take card payments over the phone.",
		},
	}}

	cfg := Config{
		Provider:       provider.NewMockProvider("mock"),
		Model:          "mock-model",
		Assets:         loader,
		DefaultProfile: "default",
		Registry:       session.NewRegistry(8, 0),
		Telephony:      telephony.NewDryRunClient(),
		Params:         callparams.NewMemoryStore(),
		CallerID:       "+15550000100",
		AnswerURL:      "https://relay.example/twiml",
		Interruptible:  true,
		TickInterval:   time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cfg.Registry.Close(ctx)
		ts.Close()
	})

	f := &relayFixture{
		t:        t,
		ts:       ts,
		registry: cfg.Registry,
		params:   cfg.Params,
	}
	f.mock, _ = cfg.Provider.(*provider.MockProvider)
	f.loader, _ = cfg.Assets.(*recordingLoader)
	return f
}

func (f *relayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + DefaultWSPath
}

func (f *relayFixture) dial() *websocket.Conn {
	f.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	if err != nil {
		f.t.Fatalf("dial %s: %v", f.wsURL(), err)
	}
	f.t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitSessions polls the registry until it holds want sessions.
func (f *relayFixture) awaitSessions(want int) {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.registry.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.t.Fatalf("registry count never reached %d (have %d)", want, f.registry.Count())
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %v frame: %v", frame["type"], err)
	}
}

func setupFrame(callSid string) map[string]any {
	return map[string]any{
		"type":      "setup",
		"sessionId": "VX" + callSid,
		"callSid":   callSid,
		"from":      "+15550001111",
		"to":        "+15550002222",
		"direction": "inbound",
	}
}

func promptFrame(text string) map[string]any {
	return map[string]any{"type": "prompt", "voicePrompt": text, "last": true}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// collectUtterance reads text frames until the terminal one, returning
// the concatenated tokens.
func collectUtterance(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	var sb strings.Builder
	for {
		frame := readFrame(t, conn)
		if frame["type"] != "text" {
			t.Fatalf("expected text frame, got %v", frame)
		}
		if tok, _ := frame["token"].(string); tok != "" {
			sb.WriteString(tok)
		}
		if last, _ := frame["last"].(bool); last {
			return sb.String()
		}
	}
}

func TestNewServer_Validation(t *testing.T) {
	base := func() Config {
		return Config{
			Provider:  provider.NewMockProvider("mock"),
			Assets:    &recordingLoader{},
			Registry:  session.NewRegistry(1, 0),
			Telephony: telephony.NewDryRunClient(),
			Params:    callparams.NewMemoryStore(),
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no provider", func(c *Config) { c.Provider = nil }},
		{"no loader", func(c *Config) { c.Assets = nil }},
		{"no registry", func(c *Config) { c.Registry = nil }},
		{"no telephony", func(c *Config) { c.Telephony = nil }},
		{"no params store", func(c *Config) { c.Params = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if _, err := NewServer(cfg); err == nil {
				t.Fatal("expected an error")
			}
		})
	}

	if _, err := NewServer(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestServer_ConverseOverSocket(t *testing.T) {
	f := newRelayFixture(t)
	f.mock.AddStreamChunks(provider.TextChunks("Hello ", "caller."))
	f.mock.AddStreamChunks(provider.TextChunks("You pressed five."))

	conn := f.dial()
	sendFrame(t, conn, setupFrame("CA900"))
	f.awaitSessions(1)

	sendFrame(t, conn, promptFrame("Hi there"))
	if got := collectUtterance(t, conn); got != "Hello caller." {
		t.Errorf("utterance = %q, want %q", got, "Hello caller.")
	}

	sendFrame(t, conn, map[string]any{"type": "dtmf", "digit": "5"})
	if got := collectUtterance(t, conn); got != "You pressed five." {
		t.Errorf("dtmf reply = %q, want %q", got, "You pressed five.")
	}

	sess, ok := f.registry.Get("CA900")
	if !ok {
		t.Fatal("session not registered")
	}
	info := sess.Info()
	if info.CallSID != "CA900" || info.Profile != "default" || info.Turns != 2 {
		t.Errorf("unexpected session info: %+v", info)
	}

	calls := f.mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(calls))
	}
	last := calls[1].Messages[len(calls[1].Messages)-1]
	if last.Content != "Caller pressed keypad digit 5." {
		t.Errorf("dtmf folded as %q", last.Content)
	}
}

func TestServer_InterruptRoutedToSession(t *testing.T) {
	f := newRelayFixture(t)
	f.mock.AddStreamChunks(provider.TextChunks("The full story goes on."))

	conn := f.dial()
	sendFrame(t, conn, setupFrame("CA901"))
	f.awaitSessions(1)

	sendFrame(t, conn, promptFrame("tell me"))
	collectUtterance(t, conn)

	// Barge-in reported after the turn completed: the transcript keeps
	// only what was actually heard.
	sendFrame(t, conn, map[string]any{
		"type":                     "interrupt",
		"utteranceUntilInterrupt":  "The full story",
		"durationUntilInterruptMs": 480,
	})

	sess, _ := f.registry.Get("CA901")
	deadline := time.Now().Add(2 * time.Second)
	for {
		history := sess.History()
		if n := len(history); n > 0 && history[n-1].Content == "The full story" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never truncated: %+v", sess.History())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_PreSetupFramesDropped(t *testing.T) {
	f := newRelayFixture(t)
	f.mock.AddStreamChunks(provider.TextChunks("Ready."))

	conn := f.dial()
	sendFrame(t, conn, promptFrame("too early"))
	sendFrame(t, conn, map[string]any{"type": "bogus"})
	sendFrame(t, conn, setupFrame("CA902"))
	f.awaitSessions(1)

	sendFrame(t, conn, promptFrame("now"))
	if got := collectUtterance(t, conn); got != "Ready." {
		t.Errorf("utterance = %q, want %q", got, "Ready.")
	}
}

func TestServer_EndCallToolHangsUp(t *testing.T) {
	f := newRelayFixture(t)
	f.mock.AddStreamChunks(provider.ToolCallChunks("call_1", "end-call", map[string]any{"reason": "caller done"}))
	f.mock.AddStreamChunks(provider.TextChunks("Goodbye!"))

	conn := f.dial()
	sendFrame(t, conn, setupFrame("CA903"))
	f.awaitSessions(1)
	sendFrame(t, conn, promptFrame("bye"))

	if got := collectUtterance(t, conn); got != "Goodbye!" {
		t.Errorf("farewell = %q, want %q", got, "Goodbye!")
	}

	end := readFrame(t, conn)
	if end["type"] != "end" {
		t.Fatalf("expected end frame, got %v", end)
	}
	handoff, _ := end["handoffData"].(string)
	if !strings.Contains(handoff, "end-call") || !strings.Contains(handoff, "caller done") {
		t.Errorf("handoffData = %q", handoff)
	}

	// The server hangs up after the end frame.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the socket to close after end")
	}
	f.awaitSessions(0)
}

func TestServer_ProfileFromCustomParameters(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial()
	setup := setupFrame("CA904")
	setup["customParameters"] = map[string]any{"profile": "payments"}
	sendFrame(t, conn, setup)
	f.awaitSessions(1)

	sess, _ := f.registry.Get("CA904")
	if got := sess.Info().Profile; got != "payments" {
		t.Errorf("profile = %q, want payments", got)
	}
	keys := f.loader.loaded()
	if len(keys) == 0 || keys[len(keys)-1] != "payments" {
		t.Errorf("loader keys = %v", keys)
	}
}

func TestServer_UnknownProfileRefused(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial()
	setup := setupFrame("CA905")
	setup["customParameters"] = map[string]any{"profile": "missing"}
	sendFrame(t, conn, setup)

	end := readFrame(t, conn)
	if end["type"] != "end" {
		t.Fatalf("expected end frame, got %v", end)
	}
	if handoff, _ := end["handoffData"].(string); !strings.Contains(handoff, "setup-failed") {
		t.Errorf("handoffData = %q", handoff)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the socket to close after refusal")
	}
	if f.registry.Count() != 0 {
		t.Errorf("registry count = %d, want 0", f.registry.Count())
	}
}

func TestServer_RegistryFullRefusedBusy(t *testing.T) {
	f := newRelayFixture(t, func(c *Config) {
		c.Registry = session.NewRegistry(1, 0)
	})

	first := f.dial()
	sendFrame(t, first, setupFrame("CA906"))
	f.awaitSessions(1)

	second := f.dial()
	sendFrame(t, second, setupFrame("CA907"))
	end := readFrame(t, second)
	if end["type"] != "end" {
		t.Fatalf("expected end frame, got %v", end)
	}
	if handoff, _ := end["handoffData"].(string); !strings.Contains(handoff, "busy") {
		t.Errorf("handoffData = %q", handoff)
	}
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Errorf("close error = %v, want try-again-later", err)
	}
	if f.registry.Count() != 1 {
		t.Errorf("registry count = %d, want 1", f.registry.Count())
	}
}

func TestServer_DuplicateCallRefused(t *testing.T) {
	f := newRelayFixture(t)

	first := f.dial()
	sendFrame(t, first, setupFrame("CA908"))
	f.awaitSessions(1)

	second := f.dial()
	sendFrame(t, second, setupFrame("CA908"))
	end := readFrame(t, second)
	if end["type"] != "end" {
		t.Fatalf("expected end frame, got %v", end)
	}
	if f.registry.Count() != 1 {
		t.Errorf("registry count = %d, want 1", f.registry.Count())
	}
}

func TestServer_TransportCloseTearsDownSession(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial()
	sendFrame(t, conn, setupFrame("CA909"))
	f.awaitSessions(1)
	sess, _ := f.registry.Get("CA909")

	conn.Close()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close with the transport")
	}
	f.awaitSessions(0)
	if got := sess.State(); got != session.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestServer_SetupRateLimit(t *testing.T) {
	f := newRelayFixture(t, func(c *Config) {
		c.SetupsPerMinute = 1
	})

	first := f.dial()
	sendFrame(t, first, setupFrame("CA910"))
	f.awaitSessions(1)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("second dial error = %v, want bad handshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 response, got %+v", resp)
	}
	resp.Body.Close()
}

func TestServer_OriginationFlow(t *testing.T) {
	f := newRelayFixture(t)

	body := `{"to": "+15550009999", "profile": "payments", "parameters": {"account": "42"}}`
	resp, err := http.Post(f.ts.URL+DefaultCallPath, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST calls: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created callResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.CallSid == "" || created.To != "+15550009999" || created.From != "+15550000100" {
		t.Fatalf("unexpected call response: %+v", created)
	}
	if created.Status != telephony.CallStatusQueued {
		t.Errorf("status = %q, want queued", created.Status)
	}

	// The websocket for that call picks up the stashed profile.
	conn := f.dial()
	sendFrame(t, conn, setupFrame(created.CallSid))
	f.awaitSessions(1)
	sess, _ := f.registry.Get(created.CallSid)
	if got := sess.Info().Profile; got != "payments" {
		t.Errorf("profile = %q, want payments", got)
	}

	// Consume-once: the stash is gone after session establishment.
	if _, err := f.params.Take(context.Background(), created.CallSid); !errors.Is(err, callparams.ErrNotFound) {
		t.Errorf("Take after establish = %v, want ErrNotFound", err)
	}
}

func TestServer_CallEndpointValidation(t *testing.T) {
	f := newRelayFixture(t)

	t.Run("method", func(t *testing.T) {
		resp, err := http.Get(f.ts.URL + DefaultCallPath)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", resp.StatusCode)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(f.ts.URL+DefaultCallPath, "application/json", strings.NewReader("{"))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("missing to", func(t *testing.T) {
		resp, err := http.Post(f.ts.URL+DefaultCallPath, "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("no caller id", func(t *testing.T) {
		g := newRelayFixture(t, func(c *Config) { c.CallerID = "" })
		resp, err := http.Post(g.ts.URL+DefaultCallPath, "application/json", strings.NewReader(`{"to": "+15550009999"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("origination disabled", func(t *testing.T) {
		g := newRelayFixture(t, func(c *Config) { c.AnswerURL = "" })
		resp, err := http.Post(g.ts.URL+DefaultCallPath, "application/json", strings.NewReader(`{"to": "+15550009999"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestServer_InitialLanguageFrame(t *testing.T) {
	f := newRelayFixture(t, func(c *Config) {
		c.Language = "en-AU"
		c.TTSLanguage = "en-AU"
	})
	conn := f.dial()
	sendFrame(t, conn, setupFrame("CA910"))

	frame := readFrame(t, conn)
	if frame["type"] != "language" {
		t.Fatalf("first frame type = %v, want language", frame["type"])
	}
	if frame["ttsLanguage"] != "en-AU" || frame["transcriptionLanguage"] != "en-AU" {
		t.Errorf("language frame = %v, want both sides en-AU", frame)
	}

	// Conversation proceeds normally behind it.
	f.mock.AddStreamChunks(provider.TextChunks("G'day."))
	sendFrame(t, conn, promptFrame("hello"))
	if got := collectUtterance(t, conn); got != "G'day." {
		t.Errorf("utterance = %q, want G'day.", got)
	}
}
