package telephony

import (
	"context"
	"fmt"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/ari"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

const (
	defaultDialTimeout  = 30 * time.Second
	defaultCallerName   = "AI Agent"
	defaultCallerNumber = "6789"
)

// AttendedTransferTool starts a warm transfer: the caller goes on hold with
// music, an agent leg is originated towards the destination, and the
// answering agent accepts or declines with DTMF. The engine finishes the
// flow off the agent leg's channel events; this tool sets it in motion and
// records the in-flight action on the session.
type AttendedTransferTool struct{}

func (t *AttendedTransferTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name: "attended_transfer",
		Description: "Warm-transfer the caller: put them on hold, call the destination, " +
			"and let the answering agent accept or decline before connecting. " +
			"Prefer this over a blind transfer when the caller needs a live person.",
		Category: types.CategoryTelephony,
		Parameters: []types.ToolParameter{
			{Name: "destination", Type: "string", Required: true,
				Description: "Where to send the caller, e.g. \"sales\" or \"support\"."},
			{Name: "reason", Type: "string",
				Description: "Short context for the receiving agent."},
		},
		RequiresChannel:  true,
		MaxExecutionTime: 15 * time.Second,
	}
}

func (t *AttendedTransferTool) Execute(ctx context.Context, params map[string]any, ec *tools.ExecContext) types.ToolResult {
	cfg := ec.Config.Tools
	if !cfg.AttendedTransfer.Enabled {
		return types.ToolResult{Status: tools.StatusFailed, Message: "Attended transfer is not enabled."}
	}

	spoken := paramString(params, "destination")
	if spoken == "" {
		return types.ToolResult{Status: tools.StatusFailed, Message: "No destination was given."}
	}
	key, dest, err := resolveDestination(cfg.Transfer, spoken)
	if err != nil {
		return types.ToolResult{
			Status:  tools.StatusFailed,
			Message: fmt.Sprintf("I don't have a destination matching %q.", spoken),
			Error:   err.Error(),
		}
	}
	if !dest.AttendedAllowed {
		return types.ToolResult{
			Status:  tools.StatusFailed,
			Message: fmt.Sprintf("%s does not accept attended transfers.", destinationName(key, dest)),
		}
	}

	name := destinationName(key, dest)
	endpoint := dialEndpoint(cfg.Transfer, dest)
	dialTimeout := cfg.AttendedTransfer.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	// Hold the caller before dialing so they never hear the agent leg.
	if err := ec.Sessions.Update(ec.CallID, func(s *session.CallSession) {
		s.TransferActive = true
		s.TransferTarget = name
		s.AudioCaptureEnabled = false
		s.Action = &session.CurrentAction{
			Type:           session.ActionAttendedTransfer,
			DestinationKey: key,
			Target:         dest.Target,
			TargetName:     name,
			DialEndpoint:   endpoint,
			DialTimeout:    dialTimeout,
			MOHClass:       cfg.AttendedTransfer.MOHClass,
			StartedAt:      time.Now(),
		}
	}); err != nil {
		return types.ToolResult{Status: tools.StatusError, Message: "The call is no longer active.", Error: err.Error()}
	}

	if err := ec.ARI.StartMOH(ctx, ec.CallerChannelID, cfg.AttendedTransfer.MOHClass); err != nil {
		ec.Log.Warn("music on hold failed to start", "call_id", ec.CallID, "error", err)
	}

	callerName := cfg.AIIdentity.Name
	if callerName == "" {
		callerName = defaultCallerName
	}
	callerNumber := cfg.AIIdentity.Number
	if callerNumber == "" {
		callerNumber = defaultCallerNumber
	}

	agent, err := ec.ARI.Originate(ctx, ari.OriginateParams{
		Endpoint:   endpoint,
		CallerID:   fmt.Sprintf("%q <%s>", callerName, callerNumber),
		Timeout:    dialTimeout,
		AppArgs:    "attended," + ec.CallID,
		Originator: ec.CallerChannelID,
		ChannelVars: map[string]string{
			"TRANSFER_CALL_ID": ec.CallID,
			"TRANSFER_REASON":  paramString(params, "reason"),
		},
	})
	if err != nil {
		t.abort(ctx, ec)
		return types.ToolResult{
			Status:  tools.StatusError,
			Message: fmt.Sprintf("I couldn't reach %s.", name),
			Error:   err.Error(),
		}
	}

	_ = ec.Sessions.Update(ec.CallID, func(s *session.CallSession) {
		if s.Action != nil && s.Action.Type == session.ActionAttendedTransfer {
			s.Action.AgentChannelID = agent.ID
		}
	})

	ec.Log.Info("attended transfer started",
		"call_id", ec.CallID, "destination", key, "endpoint", endpoint, "agent_channel", agent.ID)

	return types.ToolResult{
		Status:  tools.StatusSuccess,
		Message: fmt.Sprintf("Please hold while I connect you to %s.", name),
		Extra:   map[string]any{"destination": key, "agent_channel": agent.ID},
	}
}

// abort unwinds the hold state after a failed originate.
func (t *AttendedTransferTool) abort(ctx context.Context, ec *tools.ExecContext) {
	if err := ec.ARI.StopMOH(ctx, ec.CallerChannelID); err != nil {
		ec.Log.Debug("music on hold stop failed", "call_id", ec.CallID, "error", err)
	}
	_ = ec.Sessions.Update(ec.CallID, func(s *session.CallSession) {
		s.TransferActive = false
		s.TransferTarget = ""
		s.AudioCaptureEnabled = true
		s.Action = nil
	})
}
