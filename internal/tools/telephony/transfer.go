package telephony

import (
	"context"
	"fmt"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

// transferGrace gives the farewell audio a head start before the channel
// leaves Stasis.
const transferGrace = 800 * time.Millisecond

// TransferTool performs a blind transfer: the caller channel is released
// into the dialplan at the destination's extension and the agent drops out
// of the call.
type TransferTool struct{}

func (t *TransferTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name: "transfer",
		Description: "Transfer the caller to a department or extension. " +
			"Use when the caller asks for a person, team, or queue you cannot help with directly.",
		Category: types.CategoryTelephony,
		Parameters: []types.ToolParameter{
			{Name: "destination", Type: "string", Required: true,
				Description: "Where to send the caller, e.g. \"sales\", \"support\", or an extension number."},
			{Name: "reason", Type: "string",
				Description: "Short reason for the transfer, for the call log."},
		},
		RequiresChannel:  true,
		MaxExecutionTime: 10 * time.Second,
	}
}

func (t *TransferTool) Execute(ctx context.Context, params map[string]any, ec *tools.ExecContext) types.ToolResult {
	spoken := paramString(params, "destination")
	if spoken == "" {
		return types.ToolResult{Status: tools.StatusFailed, Message: "No destination was given."}
	}

	key, dest, err := resolveDestination(ec.Config.Tools.Transfer, spoken)
	if err != nil {
		return types.ToolResult{
			Status:  tools.StatusFailed,
			Message: fmt.Sprintf("I don't have a destination matching %q.", spoken),
			Error:   err.Error(),
		}
	}
	name := destinationName(key, dest)

	if err := ec.Sessions.Update(ec.CallID, func(s *session.CallSession) {
		s.TransferActive = true
		s.TransferTarget = name
	}); err != nil {
		return types.ToolResult{Status: tools.StatusError, Message: "The call is no longer active.", Error: err.Error()}
	}

	ec.Log.Info("blind transfer", "call_id", ec.CallID, "destination", key, "target", dest.Target,
		"reason", paramString(params, "reason"))

	// Let the announcement reach the caller before leaving Stasis.
	select {
	case <-time.After(transferGrace):
	case <-ctx.Done():
	}

	if err := ec.ARI.ContinueInDialplan(ctx, ec.CallerChannelID, "", dest.Target, 1); err != nil {
		undoTransferFlag(ec)
		return types.ToolResult{
			Status:  tools.StatusError,
			Message: fmt.Sprintf("The transfer to %s failed.", name),
			Error:   err.Error(),
		}
	}

	return types.ToolResult{
		Status:  tools.StatusSuccess,
		Message: fmt.Sprintf("Transferring you to %s now.", name),
		Extra:   map[string]any{"destination": key, "target": dest.Target},
	}
}

func undoTransferFlag(ec *tools.ExecContext) {
	_ = ec.Sessions.Update(ec.CallID, func(s *session.CallSession) {
		s.TransferActive = false
		s.TransferTarget = ""
	})
}
