package pipeline

import (
	"context"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/resilience"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/stt"
)

// Per-role failover: a pipeline entry may list additional component keys
// under options.<role>.fallbacks. The primary and each fallback get their own
// circuit breaker; when the primary fails or its breaker is open, the next
// healthy fallback serves the request.

func fallbackBreakerConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3},
	}
}

// optStrings reads a string-list option, tolerating YAML's []any decoding.
func optStrings(opts map[string]any, key string) []string {
	var out []string
	switch v := opts[key].(type) {
	case []string:
		out = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// fallbackSTT fails over StartStream across STT components.
type fallbackSTT struct {
	primary STT
	extras  []Component
	group   *resilience.STTFallback
}

func newFallbackSTT(primary STT, extras []STT) *fallbackSTT {
	f := &fallbackSTT{
		primary: primary,
		group:   resilience.NewSTTFallback(primary, primary.Key(), fallbackBreakerConfig()),
	}
	for _, c := range extras {
		f.extras = append(f.extras, c)
		f.group.AddFallback(c.Key(), c)
	}
	return f
}

func (f *fallbackSTT) Key() string { return f.primary.Key() }

func (f *fallbackSTT) ValidateConnectivity(ctx context.Context) error {
	return f.primary.ValidateConnectivity(ctx)
}

func (f *fallbackSTT) CloseCall(callID string) {
	f.primary.CloseCall(callID)
	for _, c := range f.extras {
		c.CloseCall(callID)
	}
}

func (f *fallbackSTT) Stop() error {
	err := f.primary.Stop()
	for _, c := range f.extras {
		_ = c.Stop()
	}
	return err
}

func (f *fallbackSTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return f.group.StartStream(ctx, cfg)
}

// fallbackLLM fails over completion calls across LLM components.
type fallbackLLM struct {
	*resilience.LLMFallback
	primary LLM
	extras  []Component
}

func newFallbackLLM(primary LLM, extras []LLM) *fallbackLLM {
	f := &fallbackLLM{
		LLMFallback: resilience.NewLLMFallback(primary, primary.Key(), fallbackBreakerConfig()),
		primary:     primary,
	}
	for _, c := range extras {
		f.extras = append(f.extras, c)
		f.AddFallback(c.Key(), c)
	}
	return f
}

func (f *fallbackLLM) Key() string { return f.primary.Key() }

func (f *fallbackLLM) ValidateConnectivity(ctx context.Context) error {
	return f.primary.ValidateConnectivity(ctx)
}

func (f *fallbackLLM) CloseCall(callID string) {
	f.primary.CloseCall(callID)
	for _, c := range f.extras {
		c.CloseCall(callID)
	}
}

func (f *fallbackLLM) Stop() error {
	err := f.primary.Stop()
	for _, c := range f.extras {
		_ = c.Stop()
	}
	return err
}

// fallbackTTS fails over synthesis across TTS components. The role interface
// binds the voice inside each adapter, so this uses the generic group rather
// than the provider-level wrapper.
type fallbackTTS struct {
	primary TTS
	extras  []Component
	group   *resilience.FallbackGroup[TTS]
}

func newFallbackTTS(primary TTS, extras []TTS) *fallbackTTS {
	f := &fallbackTTS{
		primary: primary,
		group:   resilience.NewFallbackGroup[TTS](primary, primary.Key(), fallbackBreakerConfig()),
	}
	for _, c := range extras {
		f.extras = append(f.extras, c)
		f.group.AddFallback(c.Key(), c)
	}
	return f
}

func (f *fallbackTTS) Key() string { return f.primary.Key() }

func (f *fallbackTTS) ValidateConnectivity(ctx context.Context) error {
	return f.primary.ValidateConnectivity(ctx)
}

func (f *fallbackTTS) CloseCall(callID string) {
	f.primary.CloseCall(callID)
	for _, c := range f.extras {
		c.CloseCall(callID)
	}
}

func (f *fallbackTTS) Stop() error {
	err := f.primary.Stop()
	for _, c := range f.extras {
		_ = c.Stop()
	}
	return err
}

func (f *fallbackTTS) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	return resilience.ExecuteWithResult(f.group, func(c TTS) (<-chan []byte, error) {
		return c.SynthesizeStream(ctx, text)
	})
}

func (f *fallbackTTS) OutputFormat() audio.Format { return f.primary.OutputFormat() }
