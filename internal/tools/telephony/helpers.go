package telephony

import (
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
)

// paramString reads a string parameter, tolerating absence.
func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// Register adds every telephony tool to the registry.
func Register(reg *tools.Registry) {
	reg.Register(&TransferTool{})
	reg.Register(&AttendedTransferTool{})
	reg.Register(&HangupTool{})
	reg.Register(&VoicemailTool{})
	reg.Register(&TranscriptTool{})
}
