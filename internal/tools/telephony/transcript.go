package telephony

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

// TranscriptTool records the caller's request for a call transcript and the
// address to deliver it to. Delivery itself happens after the call ends;
// this tool captures intent during the conversation, which also satisfies
// the hangup guardrail's transcript check.
type TranscriptTool struct{}

func (t *TranscriptTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name: "request_transcript",
		Description: "Record that the caller wants a transcript of this call emailed to them. " +
			"Collect and confirm their email address first.",
		Category: types.CategoryBusiness,
		Parameters: []types.ToolParameter{
			{Name: "email", Type: "string", Required: true,
				Description: "The caller's confirmed email address."},
		},
		MaxExecutionTime: 5 * time.Second,
	}
}

func (t *TranscriptTool) Execute(ctx context.Context, params map[string]any, ec *tools.ExecContext) types.ToolResult {
	if !ec.Config.Tools.RequestTranscript.Enabled {
		return types.ToolResult{Status: tools.StatusFailed, Message: "Transcript delivery is not enabled."}
	}

	email := normalizeEmail(paramString(params, "email"))
	if email == "" || !emailAddrRe.MatchString(email) {
		return types.ToolResult{
			Status:  tools.StatusFailed,
			Message: "That email address doesn't look valid. Please ask the caller to repeat it.",
		}
	}

	ec.Log.Info("transcript requested", "call_id", ec.CallID, "email", email)
	return types.ToolResult{
		Status:  tools.StatusSuccess,
		Message: fmt.Sprintf("A transcript of this call will be sent to %s after we hang up.", email),
		Extra:   map[string]any{"email": email, "transcript_requested": true},
	}
}

// normalizeEmail converts a spoken address ("jane at example dot com") to
// its written form and lowercases it.
func normalizeEmail(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "@") {
		s = strings.ReplaceAll(s, " at ", "@")
	}
	s = strings.ReplaceAll(s, " dot ", ".")
	return strings.ReplaceAll(s, " ", "")
}
