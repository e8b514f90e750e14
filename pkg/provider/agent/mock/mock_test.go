package mock

import (
	"context"
	"testing"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
)

func TestScriptedSession(t *testing.T) {
	p := New()
	sess, err := p.Start(context.Background(), agent.StartConfig{CallID: "call-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ms := p.Sessions()[0]

	ms.Emit(agent.Event{Type: agent.EventConversationText, Role: "assistant", Text: "hi"})
	ev := <-sess.Events()
	if ev.Type != agent.EventConversationText || ev.CallID != "call-1" {
		t.Fatalf("event = %+v", ev)
	}

	if err := sess.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.SendToolResult(context.Background(), "id-1", "hangup_call", "{}"); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}
	if got := len(ms.Audio()); got != 1 {
		t.Errorf("audio chunks = %d", got)
	}
	if rs := ms.ToolResults(); len(rs) != 1 || rs[0].Name != "hangup_call" {
		t.Errorf("tool results = %+v", rs)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sess.Events(); ok {
		t.Error("events channel should be closed")
	}
	if err := sess.SendAudio([]byte{3}); err == nil {
		t.Error("expected ErrSessionClosed after Close")
	}
}
