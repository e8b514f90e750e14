package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
)

// Resolution is one call's set of built pipeline adapters.
type Resolution struct {
	// Name is the pipeline this resolution was built from.
	Name string

	STT STT
	LLM LLM
	TTS TTS

	// Tools is the pipeline's tool allowlist. Empty means all registered
	// tools are offered.
	Tools []string

	// Entry is the pipeline definition the resolution was built from.
	Entry config.PipelineEntry
}

// components returns the adapters in release order.
func (r *Resolution) components() []Component {
	return []Component{r.STT, r.LLM, r.TTS}
}

// Orchestrator resolves pipeline definitions into per-call adapter sets.
//
// Start validates every configured pipeline in two passes: first that each
// component key has a factory and its adapter can be constructed, then a
// best-effort connectivity probe. Probe failures are logged and the pipeline
// stays in service, because local backends are often not up yet when the
// engine boots.
//
// Resolve builds one fresh adapter set per call and memoizes it, so repeated
// lookups during a call return the same instances. Release tears the set down
// with close_call-then-stop semantics, tolerating placeholder adapters.
type Orchestrator struct {
	cfg *config.Config
	reg *Registry
	log *slog.Logger

	mu    sync.Mutex
	calls map[string]*Resolution
}

// NewOrchestrator creates an orchestrator over the default component
// registry.
func NewOrchestrator(cfg *config.Config, log *slog.Logger) *Orchestrator {
	return NewOrchestratorWithRegistry(cfg, DefaultRegistry(), log)
}

// NewOrchestratorWithRegistry creates an orchestrator over an explicit
// registry. Used by tests to substitute component factories.
func NewOrchestratorWithRegistry(cfg *config.Config, reg *Registry, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:   cfg,
		reg:   reg,
		log:   log.With("component", "pipeline"),
		calls: make(map[string]*Resolution),
	}
}

// Start validates all configured pipelines. It fails only on structural
// errors: unknown component keys or adapters that cannot be constructed.
func (o *Orchestrator) Start(ctx context.Context) error {
	for name, entry := range o.cfg.Pipelines {
		res, err := o.build(name, entry)
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", name, err)
		}

		for _, c := range res.components() {
			if err := c.ValidateConnectivity(ctx); err != nil {
				o.log.Warn("component connectivity check failed, keeping pipeline in service",
					"pipeline", name, "component", c.Key(), "error", err)
			}
		}
		releaseComponents(res, o.log)

		o.log.Info("pipeline validated",
			"pipeline", name, "stt", entry.STT, "llm", entry.LLM, "tts", entry.TTS)
	}
	return nil
}

// Resolve returns the adapter set for callID, building it on first use. An
// empty name selects the active pipeline.
func (o *Orchestrator) Resolve(callID, name string) (*Resolution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if res, ok := o.calls[callID]; ok {
		return res, nil
	}

	if name == "" {
		name = o.cfg.ActivePipeline
	}
	entry, ok := o.cfg.Pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline: no pipeline named %q", name)
	}

	res, err := o.build(name, entry)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", name, err)
	}
	o.calls[callID] = res
	return res, nil
}

// Release tears down the adapter set memoized for callID. Unknown call IDs
// are a no-op.
func (o *Orchestrator) Release(callID string) {
	o.mu.Lock()
	res, ok := o.calls[callID]
	delete(o.calls, callID)
	o.mu.Unlock()
	if !ok {
		return
	}

	for _, c := range res.components() {
		c.CloseCall(callID)
	}
	releaseComponents(res, o.log)
	o.log.Debug("pipeline released", "call_id", callID, "pipeline", res.Name)
}

// build constructs one adapter per role from the pipeline entry.
func (o *Orchestrator) build(name string, entry config.PipelineEntry) (*Resolution, error) {
	res := &Resolution{Name: name, Tools: entry.Tools, Entry: entry}

	sttC, err := o.buildComponent(entry.STT, RoleSTT, entry.Options.STT)
	if err != nil {
		return nil, err
	}
	llmC, err := o.buildComponent(entry.LLM, RoleLLM, entry.Options.LLM)
	if err != nil {
		return nil, err
	}
	ttsC, err := o.buildComponent(entry.TTS, RoleTTS, entry.Options.TTS)
	if err != nil {
		return nil, err
	}

	var ok bool
	if res.STT, ok = sttC.(STT); !ok {
		return nil, fmt.Errorf("pipeline: component %q does not implement the stt role", entry.STT)
	}
	if res.LLM, ok = llmC.(LLM); !ok {
		return nil, fmt.Errorf("pipeline: component %q does not implement the llm role", entry.LLM)
	}
	if res.TTS, ok = ttsC.(TTS); !ok {
		return nil, fmt.Errorf("pipeline: component %q does not implement the tts role", entry.TTS)
	}

	if err := o.applyFallbacks(res, entry); err != nil {
		return nil, err
	}
	return res, nil
}

// applyFallbacks wraps each role that declares options.<role>.fallbacks in a
// failover group over the listed component keys.
func (o *Orchestrator) applyFallbacks(res *Resolution, entry config.PipelineEntry) error {
	if keys := optStrings(entry.Options.STT, "fallbacks"); len(keys) > 0 {
		var extras []STT
		for _, key := range keys {
			c, err := o.buildComponent(key, RoleSTT, nil)
			if err != nil {
				return fmt.Errorf("stt fallback %q: %w", key, err)
			}
			s, ok := c.(STT)
			if !ok {
				return fmt.Errorf("pipeline: fallback %q does not implement the stt role", key)
			}
			extras = append(extras, s)
		}
		res.STT = newFallbackSTT(res.STT, extras)
	}
	if keys := optStrings(entry.Options.LLM, "fallbacks"); len(keys) > 0 {
		var extras []LLM
		for _, key := range keys {
			c, err := o.buildComponent(key, RoleLLM, nil)
			if err != nil {
				return fmt.Errorf("llm fallback %q: %w", key, err)
			}
			l, ok := c.(LLM)
			if !ok {
				return fmt.Errorf("pipeline: fallback %q does not implement the llm role", key)
			}
			extras = append(extras, l)
		}
		res.LLM = newFallbackLLM(res.LLM, extras)
	}
	if keys := optStrings(entry.Options.TTS, "fallbacks"); len(keys) > 0 {
		var extras []TTS
		for _, key := range keys {
			c, err := o.buildComponent(key, RoleTTS, nil)
			if err != nil {
				return fmt.Errorf("tts fallback %q: %w", key, err)
			}
			ts, ok := c.(TTS)
			if !ok {
				return fmt.Errorf("pipeline: fallback %q does not implement the tts role", key)
			}
			extras = append(extras, ts)
		}
		res.TTS = newFallbackTTS(res.TTS, extras)
	}
	return nil
}

func (o *Orchestrator) buildComponent(key string, role Role, opts map[string]any) (Component, error) {
	if key == "" {
		key = "*_" + string(role)
	}
	fc := FactoryConfig{Key: key, Role: role, Options: opts, Log: o.log}
	if !isWildcard(key) {
		provider, parsedRole, err := SplitKey(key)
		if err != nil {
			return nil, err
		}
		if parsedRole != role {
			return nil, fmt.Errorf("pipeline: component %q used in %s slot", key, role)
		}
		fc.Provider = provider
		if settings, ok := o.cfg.Providers[provider]; ok {
			if !settings.IsEnabled() {
				return nil, fmt.Errorf("pipeline: provider %q is disabled", provider)
			}
			fc.Settings = settings
		}
	}
	return o.reg.Build(key, fc)
}

// releaseComponents stops each adapter, tolerating placeholders.
func releaseComponents(res *Resolution, log *slog.Logger) {
	for _, c := range res.components() {
		if err := c.Stop(); err != nil && !errors.Is(err, ErrNotImplemented) {
			log.Warn("component stop failed", "component", c.Key(), "error", err)
		}
	}
}
