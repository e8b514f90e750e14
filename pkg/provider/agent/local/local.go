// Package local implements the full-agent provider for the local companion
// server: a WebSocket bridge that ships caller audio up as base64 PCM16@16k
// JSON envelopes and receives agent audio, transcripts, and model responses
// back. The connection reconnects with backoff so a companion restart does
// not end the call.
package local

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

const (
	defaultEndpoint       = "ws://127.0.0.1:8765"
	defaultConnectTimeout = 5 * time.Second

	// uplinkRate is the PCM rate the companion server expects.
	uplinkRate = 16000

	// sendBatchMax caps how many queued chunks are coalesced into one
	// envelope.
	sendBatchMax = 8
)

// reconnectBackoff is the full redial schedule. Once it runs out the call is
// failed rather than retried forever.
var reconnectBackoff = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	30 * time.Second,
	30 * time.Second,
	30 * time.Second,
}

func init() {
	agent.Register("local", func(s agent.Settings) (agent.Provider, error) {
		return New(s)
	})
}

// Provider implements agent.Provider against the local companion server.
type Provider struct {
	s   agent.Settings
	log *slog.Logger
}

// New creates the provider. No API key is required.
func New(s agent.Settings) (*Provider, error) {
	if s.BaseURL == "" {
		s.BaseURL = defaultEndpoint
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	return &Provider{s: s, log: slog.Default().With("provider", "local")}, nil
}

// Name returns "local".
func (p *Provider) Name() string { return "local" }

// Start dials the companion server and announces the call. The first dial is
// synchronous so configuration errors surface at call setup; later redials
// happen in the background.
func (p *Provider) Start(ctx context.Context, cfg agent.StartConfig) (agent.Session, error) {
	declared := audio.Format{}
	if p.s.OutputEncoding != "" {
		enc, err := audio.ParseEncoding(p.s.OutputEncoding)
		if err != nil {
			return nil, fmt.Errorf("local: output_encoding: %w", err)
		}
		rate := p.s.OutputSampleRate
		if rate == 0 {
			rate = uplinkRate
		}
		declared = audio.Format{Encoding: enc, SampleRate: rate}
	}

	in := cfg.InputFormat
	if in.Encoding == "" {
		in = agent.TelephonyFormat
	}

	sess := &session{
		provider: p,
		log:      p.log.With("call_id", cfg.CallID),
		cfg:      cfg,
		inFormat: in,
		res:      audio.NewResampler(in.SampleRate, uplinkRate),
		norm:     agent.NewNormalizer(declared, p.s.AutodetectOutput || declared.Encoding == "", p.log),
		events:   make(chan agent.Event, 64),
		audio:    make(chan []byte, 256),
		ctrl:     make(chan []byte, 16),
		done:     make(chan struct{}),
	}

	conn, err := sess.dial(ctx)
	if err != nil {
		return nil, err
	}
	sess.setConn(conn)

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// startMsg announces a call to the companion server.
type startMsg struct {
	Type         string `json:"type"`
	CallID       string `json:"call_id"`
	Mode         string `json:"mode"`
	SampleRate   int    `json:"sample_rate"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
}

// audioMsg is one uplink audio envelope.
type audioMsg struct {
	Type   string `json:"type"`
	Data   string `json:"data"`
	Rate   int    `json:"rate"`
	Format string `json:"format"`
	CallID string `json:"call_id"`
	Mode   string `json:"mode"`
}

// serverMsg is the superset of JSON downlink messages.
type serverMsg struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	AudioData string `json:"audio_data"`
	Error     string `json:"error"`
	ToolCalls []struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_calls"`
}

// session is one bridged call. The connection may be replaced by the
// reconnect loop; all writers go through the conn accessor.
type session struct {
	provider *Provider
	log      *slog.Logger
	cfg      agent.StartConfig

	inFormat audio.Format
	res      *audio.Resampler
	norm     *agent.Normalizer

	events chan agent.Event
	audio  chan []byte
	ctrl   chan []byte

	connMu sync.Mutex
	conn   *websocket.Conn

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) Events() <-chan agent.Event { return s.events }

func (s *session) OutputFormat() audio.Format { return agent.TelephonyFormat }

// Ready always reports true: the companion needs no settings handshake.
func (s *session) Ready() bool { return true }

// SendAudio queues caller audio for the uplink.
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

// InjectMessage asks the companion to speak text.
func (s *session) InjectMessage(ctx context.Context, text string) error {
	msg, err := json.Marshal(map[string]string{
		"type":    "inject",
		"call_id": s.cfg.CallID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	return s.enqueueCtrl(ctx, msg)
}

// SendToolResult returns a tool execution result.
func (s *session) SendToolResult(ctx context.Context, toolCallID, name, content string) error {
	msg, err := json.Marshal(map[string]string{
		"type":    "tool_result",
		"call_id": s.cfg.CallID,
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
		if c := s.currentConn(); c != nil {
			c.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.wg.Wait()
	})
	return nil
}

func (s *session) setConn(c *websocket.Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *session) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// dial connects and sends the start announcement.
func (s *session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.provider.s.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.provider.s.BaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("local: dial %s: %w", s.provider.s.BaseURL, err)
	}
	conn.SetReadLimit(1 << 22)

	greeting := s.cfg.Greeting
	if greeting == "" {
		greeting = s.provider.s.Greeting
	}
	prompt := s.cfg.SystemPrompt
	if prompt == "" {
		prompt = s.provider.s.SystemPrompt
	}
	start, err := json.Marshal(startMsg{
		Type:         "start",
		CallID:       s.cfg.CallID,
		Mode:         "agent",
		SampleRate:   uplinkRate,
		SystemPrompt: prompt,
		Greeting:     greeting,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "start")
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		conn.Close(websocket.StatusInternalError, "start")
		return nil, fmt.Errorf("local: announce call: %w", err)
	}
	return conn, nil
}

// reconnect walks the backoff schedule until a dial succeeds. Returns nil when
// the session closed or the schedule is exhausted.
func (s *session) reconnect() *websocket.Conn {
	for attempt, wait := range reconnectBackoff {
		select {
		case <-s.done:
			return nil
		case <-time.After(wait):
		}

		conn, err := s.dial(context.Background())
		if err != nil {
			s.log.Warn("companion redial failed", "attempt", attempt+1, "err", err)
			continue
		}
		s.log.Info("companion reconnected", "attempts", attempt+1)
		s.setConn(conn)
		return conn
	}
	s.log.Error("companion unreachable, giving up", "attempts", len(reconnectBackoff))
	return nil
}

// writeLoop ships control messages and batched audio envelopes. Queued audio
// chunks are coalesced so a slow companion sees fewer, larger messages.
func (s *session) writeLoop() {
	defer s.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.ctrl:
			s.write(ctx, websocket.MessageText, msg)
		case chunk := <-s.audio:
			batch := s.toPCM16k(chunk)
			for i := 1; i < sendBatchMax; i++ {
				select {
				case more := <-s.audio:
					batch = append(batch, s.toPCM16k(more)...)
				default:
					i = sendBatchMax
				}
			}
			if len(batch) == 0 {
				continue
			}
			env, err := json.Marshal(audioMsg{
				Type:   "audio",
				Data:   base64.StdEncoding.EncodeToString(batch),
				Rate:   uplinkRate,
				Format: "pcm16le",
				CallID: s.cfg.CallID,
				Mode:   "agent",
			})
			if err != nil {
				continue
			}
			s.write(ctx, websocket.MessageText, env)
		}
	}
}

// write sends on the current connection, tolerating failures; the read loop
// owns reconnection.
func (s *session) write(ctx context.Context, typ websocket.MessageType, data []byte) {
	if c := s.currentConn(); c != nil {
		_ = c.Write(ctx, typ, data)
	}
}

// toPCM16k converts one caller chunk to PCM16@16k for the uplink.
func (s *session) toPCM16k(chunk []byte) []byte {
	pcm := audio.Decode(s.inFormat.Encoding, chunk)
	return s.res.Process(pcm)
}

func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	ctx := context.Background()
	conn := s.currentConn()
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warn("companion connection lost", "err", err)
			if conn = s.reconnect(); conn == nil {
				select {
				case <-s.done:
				default:
					// Redial schedule exhausted; fail the call instead
					// of leaving it silent.
					s.emit(agent.Event{Type: agent.EventError, CallID: s.cfg.CallID,
						Err: errors.New("local: companion unreachable")})
				}
				return
			}
			continue
		}

		if typ == websocket.MessageBinary {
			// One binary message is one complete agent utterance.
			if out := s.norm.Push(msg); len(out) > 0 {
				s.emit(agent.Event{Type: agent.EventAgentAudio, CallID: s.cfg.CallID, Audio: out})
			}
			s.norm.EndBurst()
			s.emit(agent.Event{Type: agent.EventAgentAudioDone, CallID: s.cfg.CallID})
			continue
		}

		var ev serverMsg
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.log.Warn("undecodable companion message", "err", err)
			continue
		}
		s.dispatch(ev)
	}
}

func (s *session) dispatch(ev serverMsg) {
	switch ev.Type {
	case "tts_response":
		raw, err := base64.StdEncoding.DecodeString(ev.AudioData)
		if err != nil {
			s.log.Warn("bad tts_response payload", "err", err)
			return
		}
		if out := s.norm.Push(raw); len(out) > 0 {
			s.emit(agent.Event{Type: agent.EventAgentAudio, CallID: s.cfg.CallID, Audio: out})
		}
		s.norm.EndBurst()
		s.emit(agent.Event{Type: agent.EventAgentAudioDone, CallID: s.cfg.CallID})

	case "stt_result":
		if ev.IsFinal && ev.Text != "" {
			s.emit(agent.Event{Type: agent.EventConversationText, CallID: s.cfg.CallID,
				Role: "user", Text: ev.Text})
		}

	case "llm_response":
		if ev.Text != "" {
			s.emit(agent.Event{Type: agent.EventConversationText, CallID: s.cfg.CallID,
				Role: "assistant", Text: ev.Text})
		}
		if len(ev.ToolCalls) > 0 {
			calls := make([]types.ToolCall, 0, len(ev.ToolCalls))
			for _, c := range ev.ToolCalls {
				calls = append(calls, types.ToolCall{
					ID:        c.ID,
					Name:      c.Name,
					Arguments: string(c.Arguments),
				})
			}
			s.emit(agent.Event{Type: agent.EventToolCall, CallID: s.cfg.CallID, ToolCalls: calls})
		}

	case "error":
		s.emit(agent.Event{Type: agent.EventError, CallID: s.cfg.CallID,
			Err: errors.New("local: companion error: " + ev.Error)})

	default:
		s.log.Debug("companion event", "type", ev.Type)
	}
}

func (s *session) emit(ev agent.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
