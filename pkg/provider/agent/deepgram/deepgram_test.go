package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

func TestBuildSettings(t *testing.T) {
	s := agent.Settings{
		APIKey:   "key",
		Model:    "gpt-4o-mini",
		Voice:    "aura-2-thalia-en",
		Greeting: "provider greeting",
	}
	cfg := agent.StartConfig{
		CallID:       "call-1",
		Greeting:     "call greeting",
		SystemPrompt: "be brief",
		InputFormat:  audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000},
		Tools: []types.ToolDefinition{{
			Name:        "transfer",
			Description: "transfer the call",
			Parameters: []types.ToolParameter{
				{Name: "destination", Type: "string", Required: true},
				{Name: "mode", Type: "string", Enum: []string{"blind", "attended"}},
			},
		}},
	}

	msg := buildSettings(s, cfg, cfg.Greeting, cfg.SystemPrompt)
	if msg["type"] != "Settings" {
		t.Fatalf("type = %v", msg["type"])
	}

	ag := msg["agent"].(map[string]any)
	if ag["greeting"] != "call greeting" {
		t.Errorf("greeting = %v, want the per-call override", ag["greeting"])
	}

	think := ag["think"].(map[string]any)
	if think["prompt"] != "be brief" {
		t.Errorf("prompt = %v", think["prompt"])
	}
	fns := think["functions"].([]map[string]any)
	if len(fns) != 1 || fns[0]["name"] != "transfer" {
		t.Fatalf("functions = %v", fns)
	}
	params := fns[0]["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	if _, ok := props["destination"]; !ok {
		t.Error("destination parameter missing")
	}
	req := params["required"].([]string)
	if len(req) != 1 || req[0] != "destination" {
		t.Errorf("required = %v", req)
	}

	in := msg["audio"].(map[string]any)["input"].(map[string]any)
	if in["encoding"] != "mulaw" || in["sample_rate"] != 8000 {
		t.Errorf("input = %v", in)
	}
	out := msg["audio"].(map[string]any)["output"].(map[string]any)
	if out["encoding"] != "mulaw" || out["sample_rate"] != 8000 {
		t.Errorf("output = %v", out)
	}
}

func TestEncodingName(t *testing.T) {
	if got := encodingName(audio.EncodingULaw); got != "mulaw" {
		t.Errorf("ulaw = %q", got)
	}
	if got := encodingName(audio.EncodingPCM16); got != "linear16" {
		t.Errorf("pcm16 = %q", got)
	}
}

// fakeAgent runs a Voice Agent endpoint for one connection and scripts the
// server side of the conversation.
func fakeAgent(t *testing.T, script func(t *testing.T, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token test-key" {
			t.Errorf("Authorization = %q", got)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "done")
		script(t, c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func recvEvent(t *testing.T, ch <-chan agent.Event) agent.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return agent.Event{}
}

func TestSessionConversation(t *testing.T) {
	gotAudio := make(chan []byte, 1)
	gotToolResult := make(chan map[string]string, 1)

	srv := fakeAgent(t, func(t *testing.T, c *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// First message must be the settings.
		_, raw, err := c.Read(ctx)
		if err != nil {
			t.Errorf("read settings: %v", err)
			return
		}
		var settings map[string]any
		if err := json.Unmarshal(raw, &settings); err != nil || settings["type"] != "Settings" {
			t.Errorf("first message = %s", raw)
			return
		}

		write := func(v any) {
			b, _ := json.Marshal(v)
			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				t.Errorf("write: %v", err)
			}
		}
		write(map[string]string{"type": "SettingsApplied"})

		// Prestream audio flushed after the ACK.
		typ, chunk, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			t.Errorf("expected binary audio, got %v err %v", typ, err)
			return
		}
		gotAudio <- chunk

		write(map[string]string{"type": "ConversationText", "role": "assistant", "content": "hello there"})

		// One agent audio burst.
		mulaw := make([]byte, 160)
		for i := range mulaw {
			mulaw[i] = 0xFF
		}
		if err := c.Write(ctx, websocket.MessageBinary, mulaw); err != nil {
			t.Errorf("write audio: %v", err)
		}
		write(map[string]string{"type": "AgentAudioDone"})

		write(map[string]any{
			"type": "FunctionCallRequest",
			"functions": []map[string]any{{
				"id":          "fn-1",
				"name":        "hangup_call",
				"arguments":   map[string]any{"reason": "done"},
				"client_side": true,
			}},
		})

		// The tool result comes back as FunctionCallResponse.
		for {
			_, raw, err := c.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]string
			if json.Unmarshal(raw, &msg) == nil && msg["type"] == "FunctionCallResponse" {
				gotToolResult <- msg
				return
			}
		}
	})

	p, err := New(agent.Settings{APIKey: "test-key", BaseURL: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Start(context.Background(), agent.StartConfig{
		CallID:      "call-1",
		InputFormat: audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	// Sent before readiness; must be buffered and flushed.
	caller := make([]byte, 160)
	for i := range caller {
		caller[i] = 0x7F
	}
	if err := sess.SendAudio(caller); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case chunk := <-gotAudio:
		if len(chunk) != 160 || chunk[0] != 0x7F {
			t.Errorf("server received %d bytes, first 0x%02x", len(chunk), chunk[0])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received caller audio")
	}

	ev := recvEvent(t, sess.Events())
	if ev.Type != agent.EventConversationText || ev.Role != "assistant" || ev.Text != "hello there" {
		t.Fatalf("event 1 = %+v", ev)
	}

	ev = recvEvent(t, sess.Events())
	if ev.Type != agent.EventAgentAudio || len(ev.Audio) != 160 {
		t.Fatalf("event 2 = %+v", ev)
	}

	ev = recvEvent(t, sess.Events())
	if ev.Type != agent.EventAgentAudioDone {
		t.Fatalf("event 3 = %+v", ev)
	}

	ev = recvEvent(t, sess.Events())
	if ev.Type != agent.EventToolCall || len(ev.ToolCalls) != 1 {
		t.Fatalf("event 4 = %+v", ev)
	}
	call := ev.ToolCalls[0]
	if call.ID != "fn-1" || call.Name != "hangup_call" {
		t.Errorf("tool call = %+v", call)
	}

	if err := sess.SendToolResult(context.Background(), call.ID, call.Name, `{"status":"success"}`); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}
	select {
	case msg := <-gotToolResult:
		if msg["id"] != "fn-1" || msg["name"] != "hangup_call" {
			t.Errorf("tool result = %v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the tool result")
	}
}

func TestSessionBurstBoundaries(t *testing.T) {
	mulaw := make([]byte, 160)
	for i := range mulaw {
		mulaw[i] = 0xFF
	}

	srv := fakeAgent(t, func(t *testing.T, c *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		write := func(v any) {
			b, _ := json.Marshal(v)
			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				t.Errorf("write: %v", err)
			}
		}
		write(map[string]string{"type": "SettingsApplied"})

		// First burst, interrupted by a text frame rather than an
		// AgentAudioDone of its own.
		_ = c.Write(ctx, websocket.MessageBinary, mulaw)
		write(map[string]string{"type": "ConversationText", "role": "assistant", "content": "first"})

		// Second burst, then the connection drops mid-burst.
		_ = c.Write(ctx, websocket.MessageBinary, mulaw)
	})

	p, err := New(agent.Settings{APIKey: "test-key", BaseURL: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Start(context.Background(), agent.StartConfig{CallID: "call-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	want := []agent.EventType{
		agent.EventAgentAudio,
		agent.EventAgentAudioDone, // text frame ends the first burst
		agent.EventConversationText,
		agent.EventAgentAudio,
		agent.EventAgentAudioDone, // connection loss ends the second burst
		agent.EventError,
	}
	for i, w := range want {
		ev := recvEvent(t, sess.Events())
		if ev.Type != w {
			t.Fatalf("event %d = %v, want %v", i, ev.Type, w)
		}
	}
}

func TestSessionReadyOnAck(t *testing.T) {
	srv := fakeAgent(t, func(t *testing.T, c *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		b, _ := json.Marshal(map[string]string{"type": "Welcome"})
		_ = c.Write(ctx, websocket.MessageText, b)
		// Hold the connection open until the client closes.
		_, _, _ = c.Read(ctx)
	})

	p, err := New(agent.Settings{APIKey: "test-key", BaseURL: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Start(context.Background(), agent.StartConfig{CallID: "call-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !sess.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("session never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartLogsRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("dg-request-id", "req-12345")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "done")
		ctx := context.Background()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		// Hold the connection open until the client closes.
		_, _, _ = c.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	p, err := New(agent.Settings{APIKey: "test-key", BaseURL: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var buf bytes.Buffer
	p.log = slog.New(slog.NewTextHandler(&buf, nil))

	sess, err := p.Start(context.Background(), agent.StartConfig{CallID: "call-7"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !strings.Contains(buf.String(), "req-12345") {
		t.Errorf("connect log missing the server request id:\n%s", buf.String())
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(agent.Settings{}); err == nil {
		t.Error("expected error for missing api key")
	}
}
