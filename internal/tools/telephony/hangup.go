package telephony

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

// defaultFarewell is spoken when neither the model nor the configuration
// supplies one.
const defaultFarewell = "Thank you for calling. Goodbye!"

// transcriptLookback is how many recent turns the transcript-offer guardrail
// scans before allowing a hangup.
const transcriptLookback = 10

// endCallMarkers are phrases that signal the caller wants to end the call.
var endCallMarkers = []string{
	"bye", "goodbye", "good bye", "hang up", "hangup",
	"that's all", "thats all", "that is all",
	"nothing else", "no thanks", "no thank you",
	"i'm done", "im done", "we're done", "all set",
	"that's it", "thats it", "have a good day", "have a nice day",
}

// affirmativeMarkers are short confirmations. An affirmative alone is not an
// end-call signal; it matters when the assistant just asked the caller to
// confirm contact details.
var affirmativeMarkers = []string{
	"yes", "yeah", "yep", "yup", "correct",
	"that's right", "thats right", "that's correct", "thats correct",
	"exactly", "right", "sure", "ok", "okay",
}

// emailAddrRe matches a written-out email address.
var emailAddrRe = regexp.MustCompile(`@[a-z0-9.-]+\.[a-z]{2,}`)

// HangupTool ends the call after the farewell finishes playing. Guardrails
// block premature hangups: a caller dictating or confirming contact details
// is not saying goodbye, and when transcript delivery is enabled the caller
// gets offered one before the call ends.
type HangupTool struct{}

func (t *HangupTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name: "hangup_call",
		Description: "End the call politely. Use only when the conversation is finished " +
			"and the caller has nothing else. Speak the farewell, then the call ends.",
		Category: types.CategoryTelephony,
		Parameters: []types.ToolParameter{
			{Name: "farewell_message", Type: "string",
				Description: "Closing words spoken to the caller before disconnecting."},
			{Name: "reason", Type: "string",
				Description: "Short reason for ending the call, for the call log."},
		},
		RequiresChannel:  true,
		MaxExecutionTime: 5 * time.Second,
	}
}

func (t *HangupTool) Execute(ctx context.Context, params map[string]any, ec *tools.ExecContext) types.ToolResult {
	sess, ok := ec.Sessions.Get(ec.CallID)
	if !ok {
		return types.ToolResult{Status: tools.StatusError, Message: "The call is no longer active."}
	}

	if res, blocked := t.guard(ec, sess); blocked {
		return res
	}

	farewell := paramString(params, "farewell_message")
	if farewell == "" {
		farewell = ec.Config.Tools.HangupCall.FarewellMessage
	}
	if farewell == "" {
		farewell = defaultFarewell
	}

	if err := ec.Sessions.Update(ec.CallID, func(s *session.CallSession) {
		s.CleanupAfterTTS = true
	}); err != nil {
		return types.ToolResult{Status: tools.StatusError, Message: "The call is no longer active.", Error: err.Error()}
	}

	ec.Log.Info("hangup requested", "call_id", ec.CallID, "reason", paramString(params, "reason"))
	return types.ToolResult{
		Status:        tools.StatusSuccess,
		Message:       farewell,
		WillHangup:    true,
		AIShouldSpeak: true,
	}
}

// guard applies the premature-hangup checks against the triggering user
// utterance and the recent transcript.
func (t *HangupTool) guard(ec *tools.ExecContext, sess *session.CallSession) (types.ToolResult, bool) {
	input := strings.ToLower(strings.TrimSpace(ec.UserInput))
	if input == "" {
		return types.ToolResult{}, false
	}

	if looksLikeEmail(input) {
		return types.ToolResult{
			Status:        tools.StatusBlocked,
			Message:       "The caller appears to be providing contact details, not ending the call. Confirm the details instead of hanging up.",
			AIShouldSpeak: false,
		}, true
	}

	if isAffirmative(input) && !userWantsToEndCall(input) && assistantConfirmingContact(sess.History) {
		return types.ToolResult{
			Status:        tools.StatusBlocked,
			Message:       "The caller was confirming contact details, not saying goodbye. Continue the conversation.",
			AIShouldSpeak: false,
		}, true
	}

	if ec.Config.Tools.RequestTranscript.Enabled &&
		userWantsToEndCall(input) &&
		!transcriptMentioned(sess.History) {
		return types.ToolResult{
			Status:        tools.StatusBlocked,
			Message:       "Before we finish, would you like a transcript of this call emailed to you?",
			AIShouldSpeak: true,
		}, true
	}

	return types.ToolResult{}, false
}

// userWantsToEndCall reports whether the utterance contains an end-of-call
// phrase.
func userWantsToEndCall(input string) bool {
	for _, m := range endCallMarkers {
		if strings.Contains(input, m) {
			return true
		}
	}
	return false
}

// isAffirmative reports whether the utterance is a short confirmation.
func isAffirmative(input string) bool {
	trimmed := strings.Trim(input, " .!,?")
	for _, m := range affirmativeMarkers {
		if trimmed == m || strings.HasPrefix(trimmed, m+" ") || strings.HasPrefix(trimmed, m+",") {
			return true
		}
	}
	return false
}

// looksLikeEmail reports whether the utterance contains a written or spoken
// email address ("jane at example dot com").
func looksLikeEmail(input string) bool {
	if emailAddrRe.MatchString(input) {
		return true
	}
	return strings.Contains(input, " at ") && strings.Contains(input, " dot ")
}

// assistantConfirmingContact reports whether the assistant's last turn was a
// read-back of contact details awaiting confirmation.
func assistantConfirmingContact(history []types.Message) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != "assistant" {
			continue
		}
		text := strings.ToLower(history[i].Content)
		if strings.Contains(text, "is that correct") ||
			strings.Contains(text, "is that right") ||
			strings.Contains(text, "did i get that") {
			return true
		}
		if strings.Contains(text, "email") && strings.HasSuffix(strings.TrimSpace(text), "?") {
			return true
		}
		return false
	}
	return false
}

// transcriptMentioned reports whether a transcript came up in the recent
// turns, meaning the offer guardrail is satisfied.
func transcriptMentioned(history []types.Message) bool {
	start := len(history) - transcriptLookback
	if start < 0 {
		start = 0
	}
	for _, m := range history[start:] {
		if strings.Contains(strings.ToLower(m.Content), "transcript") {
			return true
		}
	}
	return false
}
