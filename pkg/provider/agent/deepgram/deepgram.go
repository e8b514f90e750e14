// Package deepgram implements the full-agent provider backed by the Deepgram
// Voice Agent API (wss://agent.deepgram.com). One WebSocket carries caller
// audio up and agent audio, conversation text, and function-call requests
// down.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

const (
	agentEndpoint = "wss://agent.deepgram.com/v1/agent/converse"

	defaultListenModel = "nova-3"
	defaultThinkModel  = "gpt-4o-mini"
	defaultVoice       = "aura-2-thalia-en"
	defaultGreeting    = "Hello, how can I help you today?"

	defaultConnectTimeout = 10 * time.Second
	keepaliveInterval     = 10 * time.Second

	// readyFallback unblocks caller audio when the settings ACK never
	// arrives; the server tolerates early audio once settings are in flight.
	readyFallback = 300 * time.Millisecond

	// greetingRetryDelay is how long to wait for the first agent audio burst
	// before re-injecting the greeting as a spoken message.
	greetingRetryDelay = 1500 * time.Millisecond

	// maxGreetingInjections caps greeting re-injection per call.
	maxGreetingInjections = 2

	// prestreamCap bounds caller audio buffered before the settings ACK.
	prestreamCap = 10
)

func init() {
	agent.Register("deepgram", func(s agent.Settings) (agent.Provider, error) {
		return New(s)
	})
}

// Provider implements agent.Provider on the Deepgram Voice Agent API.
type Provider struct {
	s   agent.Settings
	log *slog.Logger
}

// New creates the provider. The API key must be non-empty.
func New(s agent.Settings) (*Provider, error) {
	if s.APIKey == "" {
		return nil, errors.New("deepgram: api_key must not be empty")
	}
	if s.BaseURL == "" {
		s.BaseURL = agentEndpoint
	}
	if s.Model == "" {
		s.Model = defaultThinkModel
	}
	if s.Voice == "" {
		s.Voice = defaultVoice
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	return &Provider{s: s, log: slog.Default().With("provider", "deepgram")}, nil
}

// Name returns "deepgram".
func (p *Provider) Name() string { return "deepgram" }

// Start dials the agent endpoint and configures the session. Caller audio
// sent before the server acknowledges the settings is buffered (bounded) and
// flushed on readiness.
func (p *Provider) Start(ctx context.Context, cfg agent.StartConfig) (agent.Session, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.s.APIKey)

	dialCtx, cancel := context.WithTimeout(ctx, p.s.ConnectTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, p.s.BaseURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	log := p.log.With("call_id", cfg.CallID)
	var requestID string
	if resp != nil {
		requestID = resp.Header.Get("dg-request-id")
	}
	if requestID != "" {
		log = log.With("request_id", requestID)
	}
	log.Info("agent session connected", "request_id", requestID)

	greeting := cfg.Greeting
	if greeting == "" {
		greeting = p.s.Greeting
	}
	if greeting == "" {
		greeting = defaultGreeting
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = p.s.SystemPrompt
	}

	sess := &session{
		conn:     conn,
		log:      log,
		callID:   cfg.CallID,
		greeting: greeting,
		events:   make(chan agent.Event, 64),
		audio:    make(chan []byte, 256),
		ctrl:     make(chan []byte, 16),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		norm: agent.NewNormalizer(audio.Format{
			Encoding:   audio.EncodingULaw,
			SampleRate: 8000,
		}, p.s.AutodetectOutput, p.log),
	}

	settings, err := json.Marshal(buildSettings(p.s, cfg, greeting, prompt))
	if err != nil {
		conn.Close(websocket.StatusInternalError, "settings")
		return nil, fmt.Errorf("deepgram: settings: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, settings); err != nil {
		conn.Close(websocket.StatusInternalError, "settings")
		return nil, fmt.Errorf("deepgram: send settings: %w", err)
	}

	sess.readyTimer = time.AfterFunc(readyFallback, func() {
		sess.markReady("fallback-timer")
	})

	sess.wg.Add(3)
	go sess.readLoop()
	go sess.writeLoop()
	go sess.supervise()

	return sess, nil
}

// encodingName maps an internal encoding to the Deepgram settings value.
func encodingName(e audio.Encoding) string {
	switch e {
	case audio.EncodingULaw:
		return "mulaw"
	case audio.EncodingALaw:
		return "alaw"
	default:
		return "linear16"
	}
}

// buildSettings assembles the Settings message. Output is pinned to µ-law@8k
// so agent audio needs no conversion on the hot path.
func buildSettings(s agent.Settings, cfg agent.StartConfig, greeting, prompt string) map[string]any {
	in := cfg.InputFormat
	if in.Encoding == "" {
		in = agent.TelephonyFormat
	}

	listenModel := defaultListenModel
	language := s.Language
	if language == "" {
		language = "en"
	}

	think := map[string]any{
		"provider": map[string]any{"type": "open_ai", "model": s.Model},
	}
	if prompt != "" {
		think["prompt"] = prompt
	}
	if fns := functionSpecs(cfg.Tools); len(fns) > 0 {
		think["functions"] = fns
	}

	ag := map[string]any{
		"language": language,
		"listen": map[string]any{
			"provider": map[string]any{"type": "deepgram", "model": listenModel},
		},
		"think": think,
		"speak": map[string]any{
			"provider": map[string]any{"type": "deepgram", "model": s.Voice},
		},
	}
	if greeting != "" {
		ag["greeting"] = greeting
	}

	return map[string]any{
		"type": "Settings",
		"audio": map[string]any{
			"input": map[string]any{
				"encoding":    encodingName(in.Encoding),
				"sample_rate": in.SampleRate,
			},
			"output": map[string]any{
				"encoding":    "mulaw",
				"sample_rate": 8000,
				"container":   "none",
			},
		},
		"agent": ag,
	}
}

// functionSpecs translates tool definitions to the agent function schema
// (flat JSON Schema object per function).
func functionSpecs(tools []types.ToolDefinition) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.SchemaObject(),
		})
	}
	return specs
}

// session is one live Voice Agent conversation.
type session struct {
	conn     *websocket.Conn
	log      *slog.Logger
	callID   string
	greeting string

	events chan agent.Event
	audio  chan []byte
	ctrl   chan []byte

	ready      chan struct{}
	readyOnce  sync.Once
	readyTimer *time.Timer

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	norm *agent.Normalizer

	audioSeen  atomic.Bool
	injections atomic.Int32
}

func (s *session) Events() <-chan agent.Event { return s.events }

func (s *session) OutputFormat() audio.Format { return agent.TelephonyFormat }

func (s *session) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *session) markReady(via string) {
	s.readyOnce.Do(func() {
		s.log.Debug("agent session ready", "via", via)
		close(s.ready)
	})
}

// SendAudio queues one caller audio chunk.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return agent.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return agent.ErrSessionClosed
	}
}

// InjectMessage asks the agent to speak text.
func (s *session) InjectMessage(ctx context.Context, text string) error {
	msg, err := json.Marshal(map[string]string{
		"type":    "InjectAgentMessage",
		"content": text,
	})
	if err != nil {
		return err
	}
	return s.enqueueCtrl(ctx, msg)
}

// SendToolResult returns a function result to the model.
func (s *session) SendToolResult(ctx context.Context, toolCallID, name, content string) error {
	msg, err := json.Marshal(map[string]string{
		"type":    "FunctionCallResponse",
		"id":      toolCallID,
		"name":    name,
		"content": content,
	})
	if err != nil {
		return err
	}
	return s.enqueueCtrl(ctx, msg)
}

func (s *session) enqueueCtrl(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return agent.ErrSessionClosed
	case s.ctrl <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the session.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.readyTimer.Stop()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop serializes all outbound traffic. Caller audio that arrives before
// the settings ACK is held in a bounded prestream buffer and flushed on
// readiness; the oldest chunks are dropped on overflow.
func (s *session) writeLoop() {
	defer s.wg.Done()
	ctx := context.Background()

	var pending [][]byte
	isReady := false
	for {
		if !isReady {
			select {
			case <-s.ready:
				isReady = true
				for _, chunk := range pending {
					if s.conn.Write(ctx, websocket.MessageBinary, chunk) != nil {
						return
					}
				}
				pending = nil
				continue
			case <-s.done:
				return
			case msg := <-s.ctrl:
				if s.conn.Write(ctx, websocket.MessageText, msg) != nil {
					return
				}
			case chunk := <-s.audio:
				if len(pending) >= prestreamCap {
					pending = pending[1:]
				}
				pending = append(pending, chunk)
			}
			continue
		}

		select {
		case <-s.done:
			return
		case msg := <-s.ctrl:
			if s.conn.Write(ctx, websocket.MessageText, msg) != nil {
				return
			}
		case chunk := <-s.audio:
			if s.conn.Write(ctx, websocket.MessageBinary, chunk) != nil {
				return
			}
		}
	}
}

// supervise sends periodic KeepAlive messages and re-injects the greeting
// when the agent never starts speaking on its own.
func (s *session) supervise() {
	defer s.wg.Done()

	keepalive, err := json.Marshal(map[string]string{"type": "KeepAlive"})
	if err != nil {
		return
	}
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	greetTimer := time.NewTimer(greetingRetryDelay)
	defer greetTimer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			select {
			case s.ctrl <- keepalive:
			default:
			}
		case <-greetTimer.C:
			if s.audioSeen.Load() || s.greeting == "" {
				continue
			}
			if n := s.injections.Add(1); n > maxGreetingInjections {
				continue
			}
			s.log.Debug("re-injecting greeting, no agent audio yet")
			if err := s.InjectMessage(context.Background(), s.greeting); err != nil {
				return
			}
			greetTimer.Reset(greetingRetryDelay)
		}
	}
}

// serverEvent is the superset of JSON messages the agent endpoint sends.
type serverEvent struct {
	Type        string `json:"type"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Functions   []struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Arguments  json.RawMessage `json:"arguments"`
		ClientSide bool            `json:"client_side"`
	} `json:"functions"`
}

func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	ctx := context.Background()
	inBurst := false
	endBurst := func() {
		if !inBurst {
			return
		}
		inBurst = false
		s.norm.EndBurst()
		s.emit(agent.Event{Type: agent.EventAgentAudioDone, CallID: s.callID})
	}
	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			// A socket that dies mid-burst still owes the consumer exactly
			// one done event so the outbound stream can end.
			endBurst()
			select {
			case <-s.done:
			default:
				s.emit(agent.Event{Type: agent.EventError, CallID: s.callID,
					Err: fmt.Errorf("deepgram: connection lost: %w", err)})
			}
			return
		}

		if typ == websocket.MessageBinary {
			s.markReady("audio")
			s.audioSeen.Store(true)
			inBurst = true
			if out := s.norm.Push(msg); len(out) > 0 {
				s.emit(agent.Event{Type: agent.EventAgentAudio, CallID: s.callID, Audio: out})
			}
			continue
		}

		// Any control frame during an audio burst is a burst boundary.
		endBurst()

		var ev serverEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.log.Warn("undecodable agent message", "err", err)
			continue
		}

		switch ev.Type {
		case "Welcome", "SettingsApplied":
			s.markReady(ev.Type)

		case "ConversationText":
			s.emit(agent.Event{Type: agent.EventConversationText, CallID: s.callID,
				Role: ev.Role, Text: ev.Content})

		case "AgentAudioDone", "UserStartedSpeaking":
			// Boundary already handled above; the server's barge-in stop
			// carries no AgentAudioDone of its own.

		case "FunctionCallRequest":
			calls := make([]types.ToolCall, 0, len(ev.Functions))
			for _, f := range ev.Functions {
				calls = append(calls, types.ToolCall{
					ID:        f.ID,
					Name:      f.Name,
					Arguments: string(f.Arguments),
				})
			}
			if len(calls) > 0 {
				s.emit(agent.Event{Type: agent.EventToolCall, CallID: s.callID, ToolCalls: calls})
			}

		case "Error":
			detail := ev.Description
			if detail == "" {
				detail = ev.Message
			}
			s.emit(agent.Event{Type: agent.EventError, CallID: s.callID,
				Err: fmt.Errorf("deepgram: agent error: %s", detail)})

		default:
			s.log.Debug("agent event", "type", ev.Type)
		}
	}
}

func (s *session) emit(ev agent.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
