// Package engine binds the call-control plane to the media plane: it consumes
// Stasis events from ARI, allocates per-call transport resources (an RTP port
// via External Media, or an AudioSocket connection), selects the full-agent
// provider or composed pipeline serving the call, pumps provider events into
// the streaming playback manager, executes tool calls, and tears everything
// down in reverse order on StasisEnd.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/ari"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/observe"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/pipeline"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/playback"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/streaming"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/vad"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/transport/audiosocket"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/transport/rtp"
)

// externalMediaPrefix identifies channels created by the External Media API.
const externalMediaPrefix = "UnicastRTP/"

// attendedAppArg is the first Stasis app argument on originated agent legs.
const attendedAppArg = "attended"

// Transport moves media between the switch and the engine. Both the RTP
// server and the AudioSocket server satisfy it through small adapters in
// this package.
type Transport interface {
	// Allocate reserves per-call resources and returns the External Media
	// endpoint address, or "" when the transport is connection-oriented.
	Allocate(ctx context.Context, callID string) (endpoint string, err error)

	// Send delivers one outbound frame for the call.
	Send(callID string, frame []byte) bool

	// Release frees the call's resources.
	Release(callID string)

	// PadTail reports whether outbound frames must be whole 20 ms frames.
	PadTail() bool
}

// Params hold the engine's dependencies.
type Params struct {
	Config       *config.Config
	ARI          *ari.Client
	Store        *session.Store
	Coordinator  *session.Coordinator
	Streaming    *streaming.Manager
	Playback     *playback.Manager
	Orchestrator *pipeline.Orchestrator
	Tools        *tools.Registry
	Transport    Transport

	// Providers maps full-agent provider names to constructed providers.
	// When the configured default provider is absent the engine serves
	// calls through the pipeline orchestrator.
	Providers map[string]agent.Provider

	// VAD detects caller speech for barge-in. Optional.
	VAD vad.Engine

	Metrics *observe.Metrics
	Log     *slog.Logger
}

// Engine is the per-process call controller.
type Engine struct {
	cfg    *config.Config
	ariC   *ari.Client
	store  *session.Store
	coord  *session.Coordinator
	stream *streaming.Manager
	play   *playback.Manager
	orc    *pipeline.Orchestrator
	tools  *tools.Registry
	tr     Transport
	agents map[string]agent.Provider
	vad    vad.Engine
	met    *observe.Metrics
	log    *slog.Logger

	mu    sync.Mutex
	calls map[string]*call

	// agentLegs maps originated agent-leg channel ids to the call they
	// belong to, for DTMF routing during attended transfer.
	agentLegs map[string]string
}

// New creates an engine. Run starts it.
func New(p Params) (*Engine, error) {
	if p.Config == nil || p.ARI == nil || p.Store == nil || p.Streaming == nil {
		return nil, fmt.Errorf("engine: config, ari client, store and streaming manager are required")
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	met := p.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	e := &Engine{
		cfg:       p.Config,
		ariC:      p.ARI,
		store:     p.Store,
		coord:     p.Coordinator,
		stream:    p.Streaming,
		play:      p.Playback,
		orc:       p.Orchestrator,
		tools:     p.Tools,
		tr:        p.Transport,
		agents:    p.Providers,
		vad:       p.VAD,
		met:       met,
		log:       log.With("component", "engine"),
		calls:     make(map[string]*call),
		agentLegs: make(map[string]string),
	}
	if e.tools == nil {
		e.tools = tools.Default()
	}
	return e, nil
}

// Run consumes Stasis events until ctx is cancelled or the channel closes.
// Active calls are torn down before Run returns.
func (e *Engine) Run(ctx context.Context, events <-chan ari.Event) error {
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.dispatch(ctx, ev)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		e.onStasisStart(ctx, ev)
	case ari.EventStasisEnd:
		if ev.Channel != nil {
			e.onStasisEnd(ev.Channel.ID)
		}
	case ari.EventChannelDtmfReceived:
		if ev.Channel != nil && len(ev.Digit) == 1 {
			e.onDTMF(ctx, ev.Channel.ID, ev.Digit[0])
		}
	case ari.EventPlaybackFinished:
		if ev.Playback != nil && e.play != nil {
			e.play.OnPlaybackFinished(ev.Playback.ID)
		}
	}
}

// onStasisStart routes a channel entering the application. Three kinds of
// channel arrive here: fresh caller legs, External Media legs for a call
// being set up, and originated agent legs for an attended transfer.
func (e *Engine) onStasisStart(ctx context.Context, ev ari.Event) {
	if ev.Channel == nil {
		return
	}
	ch := ev.Channel

	if len(ev.Args) >= 2 && ev.Args[0] == attendedAppArg {
		e.onAgentLegUp(ctx, ev.Args[1], ch.ID)
		return
	}

	if strings.HasPrefix(ch.Name, externalMediaPrefix) {
		e.onMediaLegUp(ctx, ch.ID)
		return
	}

	e.startCall(ctx, ch)
}

// onMediaLegUp adds the External Media channel to the pending call's bridge.
// ARI delivers the media leg right after the ExternalMedia request, so at
// most one call is waiting for one at a time per setup goroutine.
func (e *Engine) onMediaLegUp(ctx context.Context, channelID string) {
	e.mu.Lock()
	var pending *call
	for _, c := range e.calls {
		if c.awaitingMedia() {
			pending = c
			break
		}
	}
	e.mu.Unlock()
	if pending == nil {
		e.log.Warn("external media channel with no pending call", "channel_id", channelID)
		_ = e.ariC.Hangup(ctx, channelID)
		return
	}
	pending.bindMediaChannel(ctx, channelID)
}

// onAgentLegUp answers the originated agent leg of an attended transfer and
// registers it for DTMF routing.
func (e *Engine) onAgentLegUp(ctx context.Context, callID, channelID string) {
	e.mu.Lock()
	c := e.calls[callID]
	if c != nil {
		e.agentLegs[channelID] = callID
	}
	e.mu.Unlock()
	if c == nil {
		e.log.Warn("agent leg for unknown call", "call_id", callID, "channel_id", channelID)
		_ = e.ariC.Hangup(ctx, channelID)
		return
	}
	c.onAgentAnswered(ctx, channelID)
}

func (e *Engine) startCall(ctx context.Context, ch *ari.Channel) {
	callID := ch.ID
	e.mu.Lock()
	if _, dup := e.calls[callID]; dup {
		e.mu.Unlock()
		return
	}
	c := newCall(e, callID, ch)
	e.calls[callID] = c
	e.mu.Unlock()

	e.log.Info("call started",
		"call_id", callID,
		"caller", ch.Caller.Number,
		"exten", ch.Dialplan.Exten)

	go func() {
		if err := c.setup(ctx); err != nil {
			e.log.Error("call setup failed", "call_id", callID, "err", err)
			c.teardown("setup-failed")
			e.forget(callID)
		}
	}()
}

func (e *Engine) onStasisEnd(channelID string) {
	e.mu.Lock()
	c := e.calls[channelID]
	if c == nil {
		// Agent legs and media legs end too; only caller legs key the map.
		if callID, ok := e.agentLegs[channelID]; ok {
			delete(e.agentLegs, channelID)
			c = e.calls[callID]
			e.mu.Unlock()
			if c != nil {
				c.onAgentGone(channelID)
			}
			return
		}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	c.teardown("stasis-end")
	e.forget(c.id)
}

func (e *Engine) onDTMF(ctx context.Context, channelID string, digit byte) {
	e.mu.Lock()
	callID, ok := e.agentLegs[channelID]
	var c *call
	if ok {
		c = e.calls[callID]
	}
	e.mu.Unlock()
	if c != nil {
		c.onAgentDTMF(ctx, channelID, digit)
	}
}

// HandleInboundAudio is the transport audio callback: it feeds caller media
// into the call's provider session, running barge-in detection first.
func (e *Engine) HandleInboundAudio(callID string, payload []byte) {
	e.mu.Lock()
	c := e.calls[callID]
	e.mu.Unlock()
	if c != nil {
		c.onInboundAudio(payload)
	}
}

// HandleInboundSSRC records the learned inbound SSRC on the session.
func (e *Engine) HandleInboundSSRC(callID string, ssrc uint32) {
	_ = e.store.Update(callID, func(s *session.CallSession) {
		s.InboundSSRC = ssrc
	})
}

// ActiveCalls returns the number of live calls.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// UpdateConfig swaps the configuration used for new calls. Calls already in
// flight keep the snapshot they started with.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// config returns the current configuration snapshot.
func (e *Engine) config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) forget(callID string) {
	e.mu.Lock()
	delete(e.calls, callID)
	for leg, id := range e.agentLegs {
		if id == callID {
			delete(e.agentLegs, leg)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	calls := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	e.mu.Unlock()
	for _, c := range calls {
		c.teardown("shutdown")
		e.forget(c.id)
	}
}

// provider selects the full-agent provider or pipeline serving a call.
// An explicit full-agent default wins; otherwise the active pipeline is
// wrapped behind the same session contract.
func (e *Engine) provider() (agent.Provider, string, error) {
	cfg := e.config()
	if name := cfg.DefaultProvider; name != "" {
		if p, ok := e.agents[name]; ok {
			return p, name, nil
		}
	}
	if e.orc != nil && cfg.ActivePipeline != "" {
		return e.orc.AgentProvider(""), "", nil
	}
	if name := cfg.DefaultProvider; name != "" {
		return nil, "", fmt.Errorf("engine: default provider %q is not configured", name)
	}
	return nil, "", fmt.Errorf("engine: no provider or pipeline configured")
}

// RTPTransport adapts the RTP server to the Transport interface.
type RTPTransport struct {
	Server *rtp.Server

	// AdvertiseHost is the address Asterisk should send media to.
	AdvertiseHost string
}

func (t *RTPTransport) Allocate(ctx context.Context, callID string) (string, error) {
	sess, err := t.Server.AllocateSession(ctx, callID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", t.AdvertiseHost, sess.Port()), nil
}

func (t *RTPTransport) Send(callID string, frame []byte) bool {
	return t.Server.SendAudio(callID, frame)
}
func (t *RTPTransport) Release(callID string) { t.Server.Release(callID) }
func (t *RTPTransport) PadTail() bool         { return false }

// AudioSocketTransport adapts the AudioSocket server to the Transport
// interface. Connections are bound to calls as they arrive, so Allocate
// returns no endpoint.
type AudioSocketTransport struct {
	Server *audiosocket.Server
}

func (t *AudioSocketTransport) Allocate(context.Context, string) (string, error) { return "", nil }
func (t *AudioSocketTransport) Send(callID string, frame []byte) bool {
	return t.Server.SendAudioToCall(callID, frame)
}
func (t *AudioSocketTransport) Release(string) {}
func (t *AudioSocketTransport) PadTail() bool  { return true }
