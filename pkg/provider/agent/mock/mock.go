// Package mock provides a scripted full-agent provider for tests and dry
// runs: sessions replay queued events and record everything sent to them.
package mock

import (
	"context"
	"sync"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
)

func init() {
	agent.Register("mock", func(s agent.Settings) (agent.Provider, error) {
		return New(), nil
	})
}

// Provider implements agent.Provider with scripted sessions.
type Provider struct {
	mu       sync.Mutex
	sessions []*Session

	// StartErr, when set, is returned by Start.
	StartErr error
}

// New creates a mock provider.
func New() *Provider { return &Provider{} }

// Name returns "mock".
func (p *Provider) Name() string { return "mock" }

// Start creates a new scripted session.
func (p *Provider) Start(ctx context.Context, cfg agent.StartConfig) (agent.Session, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		cfg:    cfg,
		events: make(chan agent.Event, 64),
		done:   make(chan struct{}),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns all sessions started so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Session records inputs and replays queued events.
type Session struct {
	cfg agent.StartConfig

	events chan agent.Event
	done   chan struct{}
	once   sync.Once

	mu          sync.Mutex
	audio       [][]byte
	injected    []string
	toolResults []ToolResult
}

// ToolResult is one recorded SendToolResult call.
type ToolResult struct {
	ID      string
	Name    string
	Content string
}

// Config returns the StartConfig the session was created with.
func (s *Session) Config() agent.StartConfig { return s.cfg }

// Emit queues an event for the session consumer.
func (s *Session) Emit(ev agent.Event) {
	if ev.CallID == "" {
		ev.CallID = s.cfg.CallID
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return agent.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	s.mu.Unlock()
	return nil
}

// InjectMessage records the text.
func (s *Session) InjectMessage(ctx context.Context, text string) error {
	select {
	case <-s.done:
		return agent.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	s.injected = append(s.injected, text)
	s.mu.Unlock()
	return nil
}

// SendToolResult records the result.
func (s *Session) SendToolResult(ctx context.Context, toolCallID, name, content string) error {
	select {
	case <-s.done:
		return agent.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	s.toolResults = append(s.toolResults, ToolResult{ID: toolCallID, Name: name, Content: content})
	s.mu.Unlock()
	return nil
}

func (s *Session) Events() <-chan agent.Event { return s.events }

func (s *Session) OutputFormat() audio.Format { return agent.TelephonyFormat }

func (s *Session) Ready() bool { return true }

// Close ends the session and closes the event channel.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
	return nil
}

// Audio returns the recorded caller audio chunks.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Injected returns the recorded injected messages.
func (s *Session) Injected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.injected...)
}

// ToolResults returns the recorded tool results.
func (s *Session) ToolResults() []ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolResult(nil), s.toolResults...)
}
