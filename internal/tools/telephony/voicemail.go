package telephony

import (
	"context"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

const (
	// voicemailGrace lets the handoff announcement finish before the
	// channel leaves Stasis.
	voicemailGrace = 800 * time.Millisecond

	defaultVoicemailContext = "ext-local"
)

// VoicemailTool hands the caller to a mailbox by continuing the channel into
// the dialplan at the "vmu<extension>" pattern, which answers straight into
// the mailbox greeting.
type VoicemailTool struct{}

func (t *VoicemailTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name: "leave_voicemail",
		Description: "Send the caller to voicemail so they can leave a message. " +
			"Use when no one is available and the caller wants to leave a message.",
		Category: types.CategoryTelephony,
		Parameters: []types.ToolParameter{
			{Name: "extension", Type: "string",
				Description: "Mailbox extension. Defaults to the configured mailbox."},
		},
		RequiresChannel:  true,
		MaxExecutionTime: 10 * time.Second,
	}
}

func (t *VoicemailTool) Execute(ctx context.Context, params map[string]any, ec *tools.ExecContext) types.ToolResult {
	cfg := ec.Config.Tools.LeaveVoicemail
	if !cfg.Enabled {
		return types.ToolResult{Status: tools.StatusFailed, Message: "Voicemail is not enabled."}
	}

	extension := paramString(params, "extension")
	if extension == "" {
		extension = cfg.Extension
	}
	if extension == "" {
		return types.ToolResult{Status: tools.StatusFailed, Message: "No voicemail extension is configured."}
	}
	dpContext := cfg.Context
	if dpContext == "" {
		dpContext = defaultVoicemailContext
	}

	if err := ec.Sessions.Update(ec.CallID, func(s *session.CallSession) {
		s.Action = &session.CurrentAction{
			Type:      session.ActionVoicemail,
			Target:    extension,
			StartedAt: time.Now(),
		}
		s.TransferActive = true
		s.TransferTarget = "Voicemail " + extension
	}); err != nil {
		return types.ToolResult{Status: tools.StatusError, Message: "The call is no longer active.", Error: err.Error()}
	}

	select {
	case <-time.After(voicemailGrace):
	case <-ctx.Done():
	}

	if err := ec.ARI.ContinueInDialplan(ctx, ec.CallerChannelID, dpContext, "vmu"+extension, 1); err != nil {
		_ = ec.Sessions.Update(ec.CallID, func(s *session.CallSession) {
			s.Action = nil
			s.TransferActive = false
			s.TransferTarget = ""
		})
		return types.ToolResult{
			Status:  tools.StatusError,
			Message: "I couldn't reach the voicemail system.",
			Error:   err.Error(),
		}
	}

	ec.Log.Info("voicemail handoff", "call_id", ec.CallID, "extension", extension, "context", dpContext)
	return types.ToolResult{
		Status:  tools.StatusSuccess,
		Message: "Transferring you to voicemail now. Please leave your message after the tone.",
		Extra:   map[string]any{"extension": extension},
	}
}
