package session

import (
	"log/slog"
	"sync"
)

// PreemptFunc stops the active outbound stream for a call. The streaming
// playback manager registers its stop entry point here so that barge-in can
// cut off TTS without the coordinator importing the manager.
type PreemptFunc func(callID string) bool

// Coordinator owns the per-call conversation state machine and mediates the
// TTS gating token. At most one outbound stream may hold the token per call;
// acquisition and release go through OnTTSStart / OnTTSEnd so state
// transitions and token changes stay atomic with respect to each other.
type Coordinator struct {
	store *Store
	log   *slog.Logger

	mu      sync.Mutex
	states  map[string]ConversationState
	preempt PreemptFunc
}

// NewCoordinator creates a Coordinator over the given store.
func NewCoordinator(store *Store, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:  store,
		log:    log,
		states: make(map[string]ConversationState),
	}
}

// SetPreempt registers the barge-in stop hook.
func (c *Coordinator) SetPreempt(fn PreemptFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preempt = fn
}

// State returns the call's conversation state, defaulting to idle.
func (c *Coordinator) State(callID string) ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[callID]; ok {
		return s
	}
	return StateIdle
}

// SetState forces the call into state. Used by the engine on call setup
// (idle→listening) and by the tool layer around executions.
func (c *Coordinator) SetState(callID string, state ConversationState) {
	c.mu.Lock()
	c.states[callID] = state
	c.mu.Unlock()
}

// OnTTSStart attempts to begin playback of streamID: it acquires the gating
// token and transitions the call to speaking. Returns false on token
// contention, in which case no state changed.
func (c *Coordinator) OnTTSStart(callID, streamID string) bool {
	if !c.store.SetGatingToken(callID, streamID) {
		c.log.Debug("gating token contention", "call_id", callID, "stream_id", streamID,
			"holder", c.store.GatingToken(callID))
		return false
	}
	c.SetState(callID, StateSpeaking)
	return true
}

// OnTTSEnd releases the token iff it is still held by streamID and, when
// released, transitions the call back to listening.
func (c *Coordinator) OnTTSEnd(callID, streamID, reason string) {
	if !c.store.ClearGatingToken(callID, streamID) {
		return
	}
	c.SetState(callID, StateListening)
	c.log.Debug("playback ended", "call_id", callID, "stream_id", streamID, "reason", reason)
}

// OnUserSpeech is the barge-in hook: user speech while the agent is speaking
// requests pre-emption of the active stream. Returns true when a stream was
// stopped.
func (c *Coordinator) OnUserSpeech(callID string) bool {
	c.mu.Lock()
	speaking := c.states[callID] == StateSpeaking
	preempt := c.preempt
	c.mu.Unlock()
	if !speaking || preempt == nil {
		return false
	}
	c.log.Info("barge-in detected, stopping playback", "call_id", callID)
	return preempt(callID)
}

// Forget drops the call's conversation state.
func (c *Coordinator) Forget(callID string) {
	c.mu.Lock()
	delete(c.states, callID)
	c.mu.Unlock()
}
