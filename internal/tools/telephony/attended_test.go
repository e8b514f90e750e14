package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
)

// attendedBackend answers MOH requests and originates with a fixed channel.
func attendedBackend(t *testing.T, originateStatus int) (http.HandlerFunc, *struct {
	mohStarted bool
	mohStopped bool
	originate  url.Values
}) {
	t.Helper()
	state := &struct {
		mohStarted bool
		mohStopped bool
		originate  url.Values
	}{}
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/moh") && r.Method == http.MethodPost:
			state.mohStarted = true
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/moh") && r.Method == http.MethodDelete:
			state.mohStopped = true
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/ari/channels" && r.Method == http.MethodPost:
			state.originate = r.URL.Query()
			if originateStatus != http.StatusOK {
				http.Error(w, `{"message":"endpoint unavailable"}`, originateStatus)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "agent-chan-1"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
	return handler, state
}

func TestAttendedTransfer_StartsHoldAndDial(t *testing.T) {
	handler, state := attendedBackend(t, http.StatusOK)
	ec := newExecContext(t, handler)

	res := (&AttendedTransferTool{}).Execute(context.Background(), map[string]any{
		"destination": "support",
		"reason":      "billing question",
	}, ec)

	if res.Status != tools.StatusSuccess {
		t.Fatalf("status = %q: %s", res.Status, res.Error)
	}
	if !state.mohStarted {
		t.Error("caller should be placed on hold before dialing")
	}
	if got := state.originate.Get("endpoint"); got != "PJSIP/2002" {
		t.Errorf("originate endpoint = %q", got)
	}
	if got := state.originate.Get("callerId"); got != `"Front Desk" <7000>` {
		t.Errorf("caller id = %q", got)
	}
	if got := state.originate.Get("variables[TRANSFER_CALL_ID]"); got != "call-1" {
		t.Errorf("TRANSFER_CALL_ID = %q", got)
	}

	sess, _ := ec.Sessions.Get("call-1")
	if sess.Action == nil || sess.Action.Type != session.ActionAttendedTransfer {
		t.Fatal("session should record the attended transfer action")
	}
	if sess.Action.AgentChannelID != "agent-chan-1" {
		t.Errorf("agent channel = %q", sess.Action.AgentChannelID)
	}
	if sess.AudioCaptureEnabled {
		t.Error("audio capture should pause while the caller is on hold")
	}
	if !sess.TransferActive {
		t.Error("transfer should be marked active")
	}
}

func TestAttendedTransfer_OriginateFailureUnwinds(t *testing.T) {
	handler, state := attendedBackend(t, http.StatusServiceUnavailable)
	ec := newExecContext(t, handler)

	res := (&AttendedTransferTool{}).Execute(context.Background(), map[string]any{
		"destination": "support",
	}, ec)
	if res.Status != tools.StatusError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if !state.mohStopped {
		t.Error("failed dial should take the caller off hold")
	}

	sess, _ := ec.Sessions.Get("call-1")
	if sess.Action != nil || sess.TransferActive || !sess.AudioCaptureEnabled {
		t.Error("failed dial should restore the session state")
	}
}

func TestAttendedTransfer_Disabled(t *testing.T) {
	ec := newExecContext(t, nil)
	ec.Config.Tools.AttendedTransfer.Enabled = false

	res := (&AttendedTransferTool{}).Execute(context.Background(), map[string]any{
		"destination": "support",
	}, ec)
	if res.Status != tools.StatusFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
}

func TestAttendedTransfer_DestinationNotAllowed(t *testing.T) {
	ec := newExecContext(t, nil)
	res := (&AttendedTransferTool{}).Execute(context.Background(), map[string]any{
		"destination": "billing",
	}, ec)
	if res.Status != tools.StatusFailed {
		t.Errorf("status = %q, want failed for a blind-only destination", res.Status)
	}
}
