// Package session holds the per-call state shared by the engine, the
// streaming playback manager, and the tool layer: the [Store] of
// [CallSession] values and the [Coordinator] that owns the conversation
// state machine and the TTS gating token.
package session

import (
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

// ConversationState is the per-call conversation FSM state.
type ConversationState string

const (
	StateIdle          ConversationState = "idle"
	StateListening     ConversationState = "listening"
	StateThinking      ConversationState = "thinking"
	StateSpeaking      ConversationState = "speaking"
	StateToolExecuting ConversationState = "tool_executing"
)

// ActionType tags the in-progress call action, if any.
type ActionType string

const (
	ActionAttendedTransfer ActionType = "attended_transfer"
	ActionVoicemail        ActionType = "voicemail"
)

// CurrentAction records a multi-step telephony action in flight so that DTMF
// and channel events can be routed to it.
type CurrentAction struct {
	Type ActionType

	// Attended transfer fields.
	DestinationKey string
	Target         string
	TargetName     string
	DialEndpoint   string
	DialTimeout    time.Duration
	MOHClass       string
	AgentChannelID string
	Answered       bool

	// Decision is "", "accepted", or "declined"; DecisionDigit is the DTMF
	// digit that produced it.
	Decision      string
	DecisionDigit byte

	StartedAt time.Time
}

// StreamingStats are the per-call outbound streaming counters surfaced on
// the session for observability and fallback decisions.
type StreamingStats struct {
	BytesSent          int64
	FallbackCount      int64
	JitterDepth        int64
	KeepaliveSent      int64
	KeepaliveTimeouts  int64
	UnderflowEvents    int64
	LastStreamingError string
}

// CallSession is the state of one live call. Values handed out by the store
// are deep copies; mutate through [Store.Update] or [Store.Upsert].
type CallSession struct {
	// CallID is the canonical, stable call identifier.
	CallID string

	// CallerChannelID is the ARI channel id of the caller leg.
	CallerChannelID string

	// BridgeID is the ARI bridge holding the caller and the media channel.
	BridgeID string

	// InboundSSRC and OutboundSSRC identify the RTP streams once learned.
	InboundSSRC  uint32
	OutboundSSRC uint32

	// AudioSocketConnID is set when the call uses AudioSocket instead of RTP.
	AudioSocketConnID string

	// InboundFormat is the negotiated inbound encoding and rate.
	InboundFormat audio.Format

	// VADState tracks voice-activity per audio source.
	VADState map[string]bool

	// Streaming holds the outbound streaming counters.
	Streaming StreamingStats

	// History is the ordered conversation transcript.
	History []types.Message

	// Action is the multi-step action in flight, or nil.
	Action *CurrentAction

	// TransferActive suppresses caller-channel cleanup while a transfer or
	// voicemail handoff is in progress.
	TransferActive bool

	// TransferTarget names the transfer destination for logs.
	TransferTarget string

	// AudioCaptureEnabled gates inbound audio towards the provider; cleared
	// while the caller is on hold so MOH does not feed the model.
	AudioCaptureEnabled bool

	// CleanupAfterTTS asks the engine to hang up once the current playback
	// finishes (set by the hangup tool).
	CleanupAfterTTS bool

	// Pipeline optionally pins a named pipeline for this call.
	Pipeline string

	// Provider is the full-agent provider serving the call, if any.
	Provider string

	CreatedAt time.Time

	// gatingToken is the currently-playing stream id; managed exclusively by
	// the store's CAS operations.
	gatingToken string

	// version increments on every upsert.
	version uint64
}

// Version returns the session's store version.
func (s *CallSession) Version() uint64 { return s.version }

// GatingToken returns the currently-held stream id, or "".
func (s *CallSession) GatingToken() string { return s.gatingToken }

// AppendHistory appends one conversation turn, stamping it if needed.
func (s *CallSession) AppendHistory(m types.Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.History = append(s.History, m)
}

// clone returns a deep copy.
func (s *CallSession) clone() *CallSession {
	cp := *s
	if s.VADState != nil {
		cp.VADState = make(map[string]bool, len(s.VADState))
		for k, v := range s.VADState {
			cp.VADState[k] = v
		}
	}
	if s.History != nil {
		cp.History = append([]types.Message(nil), s.History...)
	}
	if s.Action != nil {
		action := *s.Action
		cp.Action = &action
	}
	return &cp
}
