// Package pipeline resolves and lifecycles composed STT/LLM/TTS pipelines.
//
// A pipeline is a named triple of component keys ("<provider>_<role>", e.g.
// "deepgram_stt", "openai_llm", "coqui_tts") declared in configuration. The
// orchestrator maps component keys to factories, builds one adapter set per
// call, and exposes each resolved pipeline behind the agent.Provider
// interface so the engine drives composed pipelines and full-agent providers
// through the same session contract.
//
// Component resolution supports a wildcard "*_<role>" placeholder that yields
// a no-op adapter. The placeholder keeps a misconfigured pipeline loadable;
// the no-op fails loudly the moment it is invoked.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/llm"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/stt"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

// ErrNotImplemented is returned by placeholder adapters when a pipeline role
// resolved through the wildcard key is actually invoked.
var ErrNotImplemented = errors.New("pipeline: component not implemented")

// Role identifies one slot of a composed pipeline.
type Role string

const (
	RoleSTT Role = "stt"
	RoleLLM Role = "llm"
	RoleTTS Role = "tts"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSTT, RoleLLM, RoleTTS:
		return true
	}
	return false
}

// SplitKey splits a component key "<provider>_<role>" into its provider name
// and role. The role is the suffix after the last underscore.
func SplitKey(key string) (provider string, role Role, err error) {
	idx := strings.LastIndex(key, "_")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("pipeline: malformed component key %q", key)
	}
	role = Role(key[idx+1:])
	if !role.IsValid() {
		return "", "", fmt.Errorf("pipeline: component key %q has unknown role %q", key, role)
	}
	return key[:idx], role, nil
}

// Component is the lifecycle surface shared by all pipeline adapters.
type Component interface {
	// Key returns the component key this adapter was resolved from.
	Key() string

	// ValidateConnectivity probes the backing service. Failures are advisory:
	// the orchestrator logs them and keeps the pipeline in service, because a
	// local provider may only resolve at runtime.
	ValidateConnectivity(ctx context.Context) error

	// CloseCall releases any per-call state held for callID.
	CloseCall(callID string)

	// Stop releases the adapter. Placeholder adapters return
	// ErrNotImplemented, which callers tolerate.
	Stop() error
}

// STT is the speech-to-text slot of a resolved pipeline.
type STT interface {
	Component

	// StartStream opens a streaming transcription session for one call.
	StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error)
}

// LLM is the language-model slot of a resolved pipeline.
type LLM interface {
	Component
	llm.Provider
}

// TTS is the synthesis slot of a resolved pipeline.
type TTS interface {
	Component

	// SynthesizeStream synthesises the text fragments into audio chunks using
	// the adapter's configured voice.
	SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error)

	// OutputFormat declares the audio format of synthesised chunks. A zero
	// Format means unknown, which enables output autodetection downstream.
	OutputFormat() audio.Format
}

// noop is the placeholder adapter produced by the wildcard key. Every
// invocation fails with ErrNotImplemented so a misconfigured role surfaces at
// runtime instead of silently dropping media.
type noop struct {
	key string
}

func (n *noop) Key() string                                { return n.key }
func (n *noop) ValidateConnectivity(context.Context) error { return nil }
func (n *noop) CloseCall(string)                           {}
func (n *noop) Stop() error                                { return ErrNotImplemented }

func (n *noop) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotImplemented, n.key)
}

func (n *noop) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotImplemented, n.key)
}

func (n *noop) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotImplemented, n.key)
}

func (n *noop) CountTokens([]types.Message) (int, error) {
	return 0, fmt.Errorf("%w: %s", ErrNotImplemented, n.key)
}

func (n *noop) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

func (n *noop) SynthesizeStream(context.Context, <-chan string) (<-chan []byte, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotImplemented, n.key)
}

func (n *noop) OutputFormat() audio.Format { return audio.Format{} }

var (
	_ STT = (*noop)(nil)
	_ LLM = (*noop)(nil)
	_ TTS = (*noop)(nil)
)
