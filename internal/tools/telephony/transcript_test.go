package telephony

import (
	"context"
	"testing"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
)

func TestTranscript_RecordsRequest(t *testing.T) {
	ec := newExecContext(t, nil)
	ec.Config.Tools.RequestTranscript.Enabled = true

	res := (&TranscriptTool{}).Execute(context.Background(), map[string]any{
		"email": "Jane@Example.com",
	}, ec)
	if res.Status != tools.StatusSuccess {
		t.Fatalf("status = %q: %s", res.Status, res.Error)
	}
	if res.Extra["email"] != "jane@example.com" {
		t.Errorf("email = %v", res.Extra["email"])
	}
	if res.Extra["transcript_requested"] != true {
		t.Error("result should flag the transcript request")
	}
}

func TestTranscript_Disabled(t *testing.T) {
	ec := newExecContext(t, nil)
	res := (&TranscriptTool{}).Execute(context.Background(), map[string]any{
		"email": "jane@example.com",
	}, ec)
	if res.Status != tools.StatusFailed {
		t.Errorf("status = %q, want failed when disabled", res.Status)
	}
}

func TestTranscript_InvalidEmail(t *testing.T) {
	ec := newExecContext(t, nil)
	ec.Config.Tools.RequestTranscript.Enabled = true

	for _, email := range []string{"", "not an address", "jane.example.com"} {
		res := (&TranscriptTool{}).Execute(context.Background(), map[string]any{"email": email}, ec)
		if res.Status != tools.StatusFailed {
			t.Errorf("email %q: status = %q, want failed", email, res.Status)
		}
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"jane@example.com", "jane@example.com"},
		{"Jane@Example.COM", "jane@example.com"},
		{"jane at example dot com", "jane@example.com"},
		{"jane doe at mail dot example dot org", "janedoe@mail.example.org"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeEmail(tt.in); got != tt.want {
			t.Errorf("normalizeEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
