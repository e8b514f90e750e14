package telephony

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/ari"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
)

// testTransferConfig is a small destination catalog shared by the tests.
func testTransferConfig() config.TransferConfig {
	return config.TransferConfig{
		Technology: "PJSIP",
		Destinations: map[string]config.TransferDestination{
			"sales": {
				Type: "extension", Target: "2001",
				Description: "the sales team", AttendedAllowed: true,
			},
			"support": {
				Type: "extension", Target: "2002",
				Description: "technical support", AttendedAllowed: true,
			},
			"support_agent": {
				Type: "extension", Target: "2003",
				Description: "a live support agent", AttendedAllowed: true,
			},
			"billing_queue": {
				Type: "queue", Target: "billing",
				Description: "the billing department",
				DialString:  "Local/billing@queues",
			},
		},
	}
}

func testToolsConfig() config.ToolsConfig {
	return config.ToolsConfig{
		AIIdentity: config.AIIdentity{Name: "Front Desk", Number: "7000"},
		Transfer:   testTransferConfig(),
		AttendedTransfer: config.AttendedTransferConfig{
			Enabled:  true,
			MOHClass: "default",
		},
		LeaveVoicemail: config.VoicemailConfig{
			Enabled:   true,
			Extension: "100",
		},
	}
}

// newExecContext wires an execution context against an httptest ARI backend
// and a one-call session store.
func newExecContext(t *testing.T, handler http.HandlerFunc) *tools.ExecContext {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	store := session.NewStore()
	store.Create("call-1", "chan-1")

	return &tools.ExecContext{
		CallID:          "call-1",
		CallerChannelID: "chan-1",
		Sessions:        store,
		ARI:             ari.NewClient(ts.URL+"/ari", "agent", "secret", "ai-agent"),
		Config:          &config.Config{Tools: testToolsConfig()},
		Log:             slog.Default(),
	}
}
