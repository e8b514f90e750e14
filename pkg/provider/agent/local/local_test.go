package local

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
)

func fakeCompanion(t *testing.T, script func(t *testing.T, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

func mulawSine(n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/8000))
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return audio.PCM16ToULaw(pcm)
}

func TestSessionBridge(t *testing.T) {
	gotStart := make(chan startMsg, 1)
	gotAudio := make(chan audioMsg, 1)

	srv := fakeCompanion(t, func(t *testing.T, c *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, raw, err := c.Read(ctx)
		if err != nil {
			t.Errorf("read start: %v", err)
			return
		}
		var start startMsg
		if err := json.Unmarshal(raw, &start); err != nil {
			t.Errorf("start message: %v (%s)", err, raw)
			return
		}
		gotStart <- start

		_, raw, err = c.Read(ctx)
		if err != nil {
			t.Errorf("read audio: %v", err)
			return
		}
		var env audioMsg
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Errorf("audio envelope: %v", err)
			return
		}
		gotAudio <- env

		write := func(v any) {
			b, _ := json.Marshal(v)
			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				t.Errorf("write: %v", err)
			}
		}
		write(map[string]any{"type": "stt_result", "text": "book a table", "is_final": true})
		write(map[string]any{
			"type": "llm_response",
			"text": "transferring you now",
			"tool_calls": []map[string]any{{
				"id":        "t-1",
				"name":      "transfer",
				"arguments": map[string]any{"destination": "sales"},
			}},
		})

		// One binary utterance, a quiet µ-law sample.
		if err := c.Write(ctx, websocket.MessageBinary, mulawSine(161)); err != nil {
			t.Errorf("write audio: %v", err)
		}

		// Hold until the client closes.
		_, _, _ = c.Read(ctx)
	})

	p, err := New(agent.Settings{BaseURL: wsURL(srv), Greeting: "hi"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Start(context.Background(), agent.StartConfig{
		CallID:       "call-9",
		SystemPrompt: "be helpful",
		InputFormat:  audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	select {
	case start := <-gotStart:
		if start.Type != "start" || start.CallID != "call-9" || start.Mode != "agent" {
			t.Errorf("start = %+v", start)
		}
		if start.SampleRate != 16000 || start.SystemPrompt != "be helpful" || start.Greeting != "hi" {
			t.Errorf("start = %+v", start)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no start message")
	}

	// 20ms of caller µ-law; the uplink converts to PCM16@16k.
	if err := sess.SendAudio(mulawSine(160)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case env := <-gotAudio:
		if env.Type != "audio" || env.Rate != 16000 || env.Format != "pcm16le" || env.CallID != "call-9" {
			t.Errorf("envelope = %+v", env)
		}
		pcm, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		// 160 samples at 8k upsample to ~320 samples at 16k.
		if n := len(pcm) / 2; n < 300 || n > 330 {
			t.Errorf("payload = %d samples, want ~320", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no audio envelope")
	}

	ev := recvEvent(t, sess.Events())
	if ev.Type != agent.EventConversationText || ev.Role != "user" || ev.Text != "book a table" {
		t.Fatalf("event 1 = %+v", ev)
	}

	ev = recvEvent(t, sess.Events())
	if ev.Type != agent.EventConversationText || ev.Role != "assistant" {
		t.Fatalf("event 2 = %+v", ev)
	}

	ev = recvEvent(t, sess.Events())
	if ev.Type != agent.EventToolCall || len(ev.ToolCalls) != 1 || ev.ToolCalls[0].Name != "transfer" {
		t.Fatalf("event 3 = %+v", ev)
	}

	ev = recvEvent(t, sess.Events())
	if ev.Type != agent.EventAgentAudio || len(ev.Audio) == 0 {
		t.Fatalf("event 4 = %+v", ev)
	}
	ev = recvEvent(t, sess.Events())
	if ev.Type != agent.EventAgentAudioDone {
		t.Fatalf("event 5 = %+v", ev)
	}
}

func TestStartFailsWhenUnreachable(t *testing.T) {
	p, err := New(agent.Settings{BaseURL: "ws://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Start(context.Background(), agent.StartConfig{CallID: "c"}); err == nil {
		t.Error("expected dial error")
	}
}

func TestReconnectExhaustionFailsCall(t *testing.T) {
	orig := reconnectBackoff
	reconnectBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { reconnectBackoff = orig })

	srv := fakeCompanion(t, func(t *testing.T, c *websocket.Conn) {
		// Swallow the start message and let the connection drop.
		_, _, _ = c.Read(context.Background())
	})

	p, err := New(agent.Settings{BaseURL: wsURL(srv), ConnectTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Start(context.Background(), agent.StartConfig{CallID: "call-3"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	// Kill the companion so every redial fails.
	srv.Close()

	ev := recvEvent(t, sess.Events())
	if ev.Type != agent.EventError || ev.Err == nil {
		t.Fatalf("event = %+v, want EventError after the schedule runs out", ev)
	}

	// The read loop exits and closes the event channel.
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("unexpected event after failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel never closed")
	}
}

func TestSendAudioAfterClose(t *testing.T) {
	srv := fakeCompanion(t, func(t *testing.T, c *websocket.Conn) {
		ctx := context.Background()
		_, _, _ = c.Read(ctx)
		_, _, _ = c.Read(ctx)
	})

	p, err := New(agent.Settings{BaseURL: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.Start(context.Background(), agent.StartConfig{CallID: "c"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Error("expected ErrSessionClosed")
	}
}
