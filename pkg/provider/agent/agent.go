// Package agent defines the full-agent voice provider abstraction: a single
// backend session that consumes caller audio and emits agent audio, partial
// conversation text, and tool-call requests over one event stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

// EventType tags a session event.
type EventType string

const (
	// EventAgentAudio carries one chunk of agent audio, normalized to
	// µ-law@8000 Hz.
	EventAgentAudio EventType = "agent_audio"

	// EventAgentAudioDone marks the end of an agent audio burst.
	EventAgentAudioDone EventType = "agent_audio_done"

	// EventConversationText carries a transcript line (user or assistant).
	EventConversationText EventType = "conversation_text"

	// EventToolCall requests execution of one or more tools.
	EventToolCall EventType = "tool_call"

	// EventHangupReady signals that the agent has finished its farewell and
	// the call may be torn down.
	EventHangupReady EventType = "hangup_ready"

	// EventError reports a fatal provider failure.
	EventError EventType = "error"
)

// Event is one session event. Only the fields relevant to the Type are set.
type Event struct {
	Type   EventType
	CallID string

	// Audio is µ-law@8k agent audio for EventAgentAudio.
	Audio []byte

	// Role and Text carry EventConversationText ("user" or "assistant").
	Role string
	Text string

	// ToolCalls carries EventToolCall requests.
	ToolCalls []types.ToolCall

	// Err carries the EventError cause.
	Err error
}

// StartConfig describes one call's session.
type StartConfig struct {
	CallID string

	// SystemPrompt and Greeting override the provider-level settings when
	// non-empty.
	SystemPrompt string
	Greeting     string

	// InputFormat is the caller audio format the engine will send.
	InputFormat audio.Format

	// Tools are offered to the model for function calling.
	Tools []types.ToolDefinition
}

// Session is one live full-agent conversation.
type Session interface {
	// SendAudio queues caller audio for the backend. Audio sent before the
	// session is ready is buffered up to a small cap and flushed on
	// readiness.
	SendAudio(chunk []byte) error

	// InjectMessage asks the agent to speak text (greeting re-injection,
	// spoken error messages).
	InjectMessage(ctx context.Context, text string) error

	// SendToolResult returns a tool execution result to the model.
	SendToolResult(ctx context.Context, toolCallID, name, content string) error

	// Events is the session event stream. It is closed when the session
	// ends.
	Events() <-chan Event

	// OutputFormat is the audio format of EventAgentAudio chunks.
	OutputFormat() audio.Format

	// Ready reports whether the backend acknowledged the session settings.
	Ready() bool

	Close() error
}

// Provider creates sessions.
type Provider interface {
	Name() string
	Start(ctx context.Context, cfg StartConfig) (Session, error)
}

// Settings is the provider-level configuration subset shared by all
// implementations.
type Settings struct {
	APIKey   string
	BaseURL  string
	Model    string
	Voice    string
	Language string

	InputEncoding   string
	InputSampleRate int

	// OutputEncoding and OutputSampleRate declare the backend's audio
	// output. When declared, output autodetection is disabled unless
	// AutodetectOutput opts back in.
	OutputEncoding   string
	OutputSampleRate int
	AutodetectOutput bool

	Greeting     string
	SystemPrompt string

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
}

// Factory constructs a Provider from settings.
type Factory func(s Settings) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a provider factory under name. It panics on duplicates, which
// indicates a programming error in package init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("agent: duplicate provider registration: " + name)
	}
	registry[name] = f
}

// New constructs the named provider.
func New(name string, s Settings) (Provider, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent: unknown provider %q", name)
	}
	return f(s)
}

// Names returns the registered provider names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("agent: session is closed")

// TelephonyFormat is the canonical wire format of agent audio events.
var TelephonyFormat = audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}
