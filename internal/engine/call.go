package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/ari"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/streaming"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/vad"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

const (
	// chunkChanBuf buffers provider audio towards the streaming manager.
	chunkChanBuf = 32

	// cleanupWait bounds how long a pending hangup waits for the farewell
	// stream to drain.
	cleanupWait = 30 * time.Second

	// ariOpTimeout bounds teardown-time ARI calls, which must not hang on a
	// dead switch.
	ariOpTimeout = 5 * time.Second

	// declineMessage is spoken when the attended-transfer agent declines or
	// never answers.
	declineMessage = "They're unavailable right now. Can I help with something else?"
)

// call is the per-call state machine.
type call struct {
	e  *Engine
	id string

	// cfg is the configuration snapshot taken when the call started. Config
	// reloads apply to later calls only.
	cfg *config.Config

	channelID string

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	bridgeID     string
	mediaChID    string
	waitingMedia bool
	sess         agent.Session
	vadSess      vad.SessionHandle
	allowed      []string
	chunks       chan []byte
	lastUserText string
	greeted      bool

	torn atomic.Bool
}

func newCall(e *Engine, id string, ch *ari.Channel) *call {
	ctx, cancel := context.WithCancel(context.Background())
	return &call{
		e:         e,
		id:        id,
		cfg:       e.config(),
		channelID: ch.ID,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// setup answers the caller, builds the media path, and starts the provider
// session. It runs once per call in its own goroutine.
func (c *call) setup(ctx context.Context) error {
	e := c.e
	e.store.Create(c.id, c.channelID)
	e.coord.SetState(c.id, session.StateIdle)

	if err := e.ariC.Answer(ctx, c.channelID); err != nil {
		return fmt.Errorf("answer: %w", err)
	}

	bridge, err := e.ariC.CreateBridge(ctx, "mixing")
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	c.mu.Lock()
	c.bridgeID = bridge.ID
	c.mu.Unlock()
	_ = e.store.Update(c.id, func(s *session.CallSession) { s.BridgeID = bridge.ID })

	if err := e.ariC.AddChannel(ctx, bridge.ID, c.channelID); err != nil {
		return fmt.Errorf("bridge caller: %w", err)
	}

	endpoint, err := e.tr.Allocate(ctx, c.id)
	if err != nil {
		return fmt.Errorf("allocate transport: %w", err)
	}
	if endpoint != "" {
		c.mu.Lock()
		c.waitingMedia = true
		c.mu.Unlock()
		format := c.cfg.RTP.Codec
		if format == "" {
			format = "ulaw"
		}
		if _, err := e.ariC.ExternalMedia(ctx, endpoint, format); err != nil {
			return fmt.Errorf("external media: %w", err)
		}
	}

	provider, providerName, err := e.provider()
	if err != nil {
		return err
	}
	_ = e.store.Update(c.id, func(s *session.CallSession) {
		s.Provider = providerName
		s.InboundFormat = agent.TelephonyFormat
	})

	if e.vad != nil {
		vs, err := e.vad.NewSession(vad.Config{
			SampleRate:       agent.TelephonyFormat.SampleRate,
			FrameSizeMs:      20,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		})
		if err != nil {
			e.log.Warn("vad session unavailable, barge-in disabled", "call_id", c.id, "err", err)
		} else {
			c.mu.Lock()
			c.vadSess = vs
			c.mu.Unlock()
		}
	}

	allowed := c.toolAllowlist(providerName)
	settings := c.cfg.Providers[providerName]
	sess, err := provider.Start(ctx, agent.StartConfig{
		CallID:       c.id,
		SystemPrompt: settings.SystemPrompt,
		Greeting:     settings.Greeting,
		InputFormat:  agent.TelephonyFormat,
		Tools:        e.tools.Definitions(allowed),
	})
	if err != nil {
		return fmt.Errorf("start provider session: %w", err)
	}

	c.mu.Lock()
	c.sess = sess
	c.allowed = allowed
	c.mu.Unlock()

	e.coord.SetState(c.id, session.StateListening)
	go c.pumpEvents(sess)
	return nil
}

// toolAllowlist returns the per-call tool allowlist: the active pipeline's
// list for pipeline calls, everything for full-agent calls.
func (c *call) toolAllowlist(providerName string) []string {
	if providerName != "" {
		return nil
	}
	if entry, ok := c.cfg.Pipelines[c.cfg.ActivePipeline]; ok {
		return entry.Tools
	}
	return nil
}

func (c *call) awaitingMedia() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingMedia
}

// bindMediaChannel attaches the External Media leg to the call's bridge.
func (c *call) bindMediaChannel(ctx context.Context, channelID string) {
	c.mu.Lock()
	c.mediaChID = channelID
	c.waitingMedia = false
	bridgeID := c.bridgeID
	c.mu.Unlock()

	if err := c.e.ariC.AddChannel(ctx, bridgeID, channelID); err != nil {
		c.e.log.Error("bridge external media channel", "call_id", c.id, "err", err)
	}
}

// onInboundAudio handles one caller media frame: barge-in detection, then
// delivery to the provider session when capture is enabled.
func (c *call) onInboundAudio(payload []byte) {
	c.mu.Lock()
	sess := c.sess
	vadSess := c.vadSess
	c.mu.Unlock()
	if sess == nil {
		return
	}

	if vadSess != nil {
		pcm := audio.Decode(audio.EncodingULaw, payload)
		if ev, err := vadSess.ProcessFrame(pcm); err == nil && ev.Type == vad.VADSpeechStart {
			c.e.coord.OnUserSpeech(c.id)
		}
	}

	snap, ok := c.e.store.Get(c.id)
	if !ok || !snap.AudioCaptureEnabled {
		return
	}
	if err := sess.SendAudio(payload); err != nil && err != agent.ErrSessionClosed {
		c.e.log.Debug("provider audio send failed", "call_id", c.id, "err", err)
	}
}

// pumpEvents consumes the provider session event stream for the call's
// lifetime.
func (c *call) pumpEvents(sess agent.Session) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				c.endBurst()
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *call) handleEvent(ev agent.Event) {
	e := c.e
	switch ev.Type {
	case agent.EventAgentAudio:
		c.feedAudio(ev.Audio)

	case agent.EventAgentAudioDone:
		c.endBurst()

	case agent.EventConversationText:
		if ev.Role == "user" {
			c.mu.Lock()
			c.lastUserText = ev.Text
			c.mu.Unlock()
			e.coord.SetState(c.id, session.StateThinking)
		}
		_ = e.store.Update(c.id, func(s *session.CallSession) {
			s.AppendHistory(types.Message{Role: ev.Role, Content: ev.Text})
		})

	case agent.EventToolCall:
		c.execTools(ev)

	case agent.EventHangupReady:
		c.hangupCaller("agent-hangup")

	case agent.EventError:
		e.met.RecordProviderError(c.ctx, providerLabel(c), "session")
		e.log.Error("provider session failed", "call_id", c.id, "err", ev.Err)
		c.hangupCaller("provider-error")
	}
}

// feedAudio starts an outbound segment on the first chunk of a burst and
// forwards subsequent chunks to it.
func (c *call) feedAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.mu.Lock()
	if c.chunks == nil {
		c.chunks = make(chan []byte, chunkChanBuf)
		ptype := streaming.PlaybackResponse
		if !c.greeted {
			ptype = streaming.PlaybackGreeting
			c.greeted = true
		}
		sess := c.sess
		params := streaming.StartParams{
			CallID:    c.id,
			ChannelID: c.channelID,
			Chunks:    c.chunks,
			Type:      ptype,
			Source:    sess.OutputFormat(),
			Target:    agent.TelephonyFormat,
			Send:      c.e.tr.Send,
			PadTail:   c.e.tr.PadTail(),
		}
		c.mu.Unlock()
		if _, err := c.e.stream.Start(c.ctx, params); err != nil {
			c.e.log.Warn("streaming start rejected", "call_id", c.id, "err", err)
		}
		c.mu.Lock()
	}
	ch := c.chunks
	c.mu.Unlock()

	select {
	case ch <- chunk:
	case <-c.ctx.Done():
	}
}

// endBurst closes the current segment's chunk channel and, when the hangup
// tool armed cleanup, waits for the farewell to drain before hanging up.
func (c *call) endBurst() {
	c.mu.Lock()
	ch := c.chunks
	c.chunks = nil
	c.mu.Unlock()
	if ch == nil {
		return
	}
	close(ch)

	snap, ok := c.e.store.Get(c.id)
	if !ok || !snap.CleanupAfterTTS {
		return
	}
	go func() {
		deadline := time.Now().Add(cleanupWait)
		for c.e.stream.Active(c.id) && time.Now().Before(deadline) {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		c.hangupCaller("cleanup-after-tts")
	}()
}

// execTools runs the requested tool calls and returns each result to the
// provider, which then generates the spoken response.
func (c *call) execTools(ev agent.Event) {
	e := c.e
	e.coord.SetState(c.id, session.StateToolExecuting)
	defer e.coord.SetState(c.id, session.StateThinking)

	c.mu.Lock()
	sess := c.sess
	allowed := c.allowed
	userInput := c.lastUserText
	bridgeID := c.bridgeID
	c.mu.Unlock()
	if sess == nil {
		return
	}

	snap, _ := e.store.Get(c.id)
	providerName := ""
	if snap != nil {
		providerName = snap.Provider
	}

	ec := &tools.ExecContext{
		CallID:          c.id,
		CallerChannelID: c.channelID,
		BridgeID:        bridgeID,
		Sessions:        e.store,
		ARI:             e.ariC,
		Config:          c.cfg,
		Provider:        providerName,
		UserInput:       userInput,
		Log:             e.log.With("call_id", c.id),
	}

	for _, tc := range ev.ToolCalls {
		res := e.tools.Execute(c.ctx, tc.Name, tc.Arguments, allowed, ec)
		e.met.RecordToolCall(c.ctx, tc.Name, res.Status)
		payload := tools.Serialize(res)
		if err := sess.SendToolResult(c.ctx, tc.ID, tc.Name, payload); err != nil {
			e.log.Warn("tool result delivery failed", "call_id", c.id, "tool", tc.Name, "err", err)
		}
	}
}

// onAgentAnswered handles the attended-transfer agent leg entering Stasis.
func (c *call) onAgentAnswered(ctx context.Context, channelID string) {
	_ = c.e.store.Update(c.id, func(s *session.CallSession) {
		if s.Action != nil && s.Action.Type == session.ActionAttendedTransfer {
			s.Action.AgentChannelID = channelID
			s.Action.Answered = true
		}
	})
	if err := c.e.ariC.Answer(ctx, channelID); err != nil {
		c.e.log.Warn("answer agent leg", "call_id", c.id, "err", err)
	}
	// Prompt the answering agent for a DTMF decision.
	if _, err := c.e.ariC.Play(ctx, channelID, "sound:beep"); err != nil {
		c.e.log.Debug("agent prompt playback failed", "call_id", c.id, "err", err)
	}
	c.e.log.Info("attended transfer agent answered", "call_id", c.id, "agent_channel", channelID)
}

// onAgentDTMF routes the agent's accept/decline decision. 1 connects the
// caller to the agent and drops the AI media; 2 declines and resumes the AI.
func (c *call) onAgentDTMF(ctx context.Context, channelID string, digit byte) {
	snap, ok := c.e.store.Get(c.id)
	if !ok || snap.Action == nil || snap.Action.Type != session.ActionAttendedTransfer {
		return
	}
	if snap.Action.Decision != "" {
		return
	}

	switch digit {
	case '1':
		c.acceptTransfer(ctx, channelID)
	case '2':
		c.declineTransfer(ctx, channelID)
	}
}

func (c *call) acceptTransfer(ctx context.Context, agentChannelID string) {
	e := c.e
	_ = e.store.Update(c.id, func(s *session.CallSession) {
		if s.Action != nil {
			s.Action.Decision = "accepted"
			s.Action.DecisionDigit = '1'
		}
		s.AudioCaptureEnabled = false
	})

	e.stream.Stop(c.id, "transfer-accepted")
	if err := e.ariC.StopMOH(ctx, c.channelID); err != nil {
		e.log.Debug("stop moh", "call_id", c.id, "err", err)
	}

	c.mu.Lock()
	bridgeID := c.bridgeID
	mediaChID := c.mediaChID
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if mediaChID != "" {
		if err := e.ariC.RemoveChannel(ctx, bridgeID, mediaChID); err != nil {
			e.log.Debug("remove media channel", "call_id", c.id, "err", err)
		}
	}
	if err := e.ariC.AddChannel(ctx, bridgeID, agentChannelID); err != nil {
		e.log.Error("bridge agent leg", "call_id", c.id, "err", err)
	}
	e.coord.SetState(c.id, session.StateIdle)
	e.log.Info("attended transfer accepted", "call_id", c.id, "agent_channel", agentChannelID)
}

func (c *call) declineTransfer(ctx context.Context, agentChannelID string) {
	e := c.e
	_ = e.store.Update(c.id, func(s *session.CallSession) {
		if s.Action != nil {
			s.Action.Decision = "declined"
			s.Action.DecisionDigit = '2'
		}
	})
	if err := e.ariC.Hangup(ctx, agentChannelID); err != nil {
		e.log.Debug("hangup agent leg", "call_id", c.id, "err", err)
	}
	c.resumeAfterTransfer(ctx, true)
	e.log.Info("attended transfer declined", "call_id", c.id)
}

// onAgentGone handles the agent leg leaving Stasis. An undecided departure
// (no answer, or hung up before pressing a digit) counts as a decline; after
// an accept the caller talks to the agent and the AI stays out of the call.
func (c *call) onAgentGone(channelID string) {
	snap, ok := c.e.store.Get(c.id)
	if !ok || snap.Action == nil || snap.Action.Type != session.ActionAttendedTransfer {
		return
	}
	if snap.Action.Decision == "accepted" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ariOpTimeout)
	defer cancel()
	c.resumeAfterTransfer(ctx, snap.Action.Decision == "")
	c.e.log.Info("attended transfer agent leg ended", "call_id", c.id, "channel_id", channelID)
}

// resumeAfterTransfer takes the caller off hold and puts the AI back in the
// conversation.
func (c *call) resumeAfterTransfer(ctx context.Context, speak bool) {
	e := c.e
	if err := e.ariC.StopMOH(ctx, c.channelID); err != nil {
		e.log.Debug("stop moh", "call_id", c.id, "err", err)
	}
	_ = e.store.Update(c.id, func(s *session.CallSession) {
		s.Action = nil
		s.TransferActive = false
		s.TransferTarget = ""
		s.AudioCaptureEnabled = true
	})
	e.coord.SetState(c.id, session.StateListening)

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if speak && sess != nil {
		if err := sess.InjectMessage(ctx, declineMessage); err != nil {
			e.log.Debug("decline message injection failed", "call_id", c.id, "err", err)
		}
	}
}

func (c *call) hangupCaller(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), ariOpTimeout)
	defer cancel()
	c.e.log.Info("hanging up", "call_id", c.id, "reason", reason)
	if err := c.e.ariC.Hangup(ctx, c.channelID); err != nil {
		c.e.log.Debug("hangup", "call_id", c.id, "err", err)
	}
}

// teardown releases everything in reverse order of setup. It is idempotent.
func (c *call) teardown(reason string) {
	if !c.torn.CompareAndSwap(false, true) {
		return
	}
	e := c.e
	e.log.Info("call ending", "call_id", c.id, "reason", reason)

	c.cancel()
	e.stream.Stop(c.id, reason)
	e.stream.Forget(c.id)

	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	vadSess := c.vadSess
	c.vadSess = nil
	bridgeID := c.bridgeID
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			e.log.Debug("provider session close", "call_id", c.id, "err", err)
		}
	}
	if e.orc != nil {
		e.orc.Release(c.id)
	}
	if vadSess != nil {
		_ = vadSess.Close()
	}
	e.tr.Release(c.id)

	if bridgeID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), ariOpTimeout)
		if err := e.ariC.DestroyBridge(ctx, bridgeID); err != nil {
			e.log.Debug("destroy bridge", "call_id", c.id, "err", err)
		}
		cancel()
	}

	e.store.Delete(c.id)
	e.coord.Forget(c.id)
}

func providerLabel(c *call) string {
	if snap, ok := c.e.store.Get(c.id); ok && snap.Provider != "" {
		return snap.Provider
	}
	return "pipeline"
}
