package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidComponentRoles lists the recognised pipeline component roles.
var ValidComponentRoles = []string{"stt", "llm", "tts"}

// KnownProviderNames lists provider names this build ships adapters for.
// Used by [Validate] to warn about likely typos.
var KnownProviderNames = []string{"deepgram", "local", "openai", "ollama", "whisper", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with working defaults so a minimal config
// file yields a runnable agent.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MediaDir == "" {
		cfg.Server.MediaDir = "/var/lib/asterisk/sounds/ai-agent"
	}

	if cfg.Asterisk.URL == "" {
		cfg.Asterisk.URL = "http://127.0.0.1:8088/ari"
	}
	if cfg.Asterisk.AppName == "" {
		cfg.Asterisk.AppName = "ai-agent"
	}

	s := &cfg.Streaming
	if s.SampleRate == 0 {
		s.SampleRate = 8000
	}
	if s.ChunkSizeMs == 0 {
		s.ChunkSizeMs = 20
	}
	if s.JitterBufferMs == 0 {
		s.JitterBufferMs = 300
	}
	if s.MinStartMs == 0 {
		s.MinStartMs = 200
	}
	if s.GreetingMinStartMs == 0 {
		s.GreetingMinStartMs = s.MinStartMs
	}
	if s.LowWatermarkMs == 0 {
		s.LowWatermarkMs = 100
	}
	if s.ProviderGraceMs == 0 {
		s.ProviderGraceMs = 250
	}
	if s.FallbackTimeoutMs == 0 {
		s.FallbackTimeoutMs = 4000
	}
	if s.KeepaliveIntervalMs == 0 {
		s.KeepaliveIntervalMs = 1000
	}
	if s.ConnectionTimeoutMs == 0 {
		s.ConnectionTimeoutMs = 15000
	}
	if s.EgressSwapMode == "" {
		s.EgressSwapMode = SwapAuto
	}
	if s.DiagOutDir == "" {
		s.DiagOutDir = "/tmp/ai-agent-diag"
	}
	if s.DiagPreSecs == 0 {
		s.DiagPreSecs = 10
	}
	if s.DiagPostSecs == 0 {
		s.DiagPostSecs = 10
	}

	r := &cfg.RTP
	if r.Host == "" {
		r.Host = "0.0.0.0"
	}
	if r.PortMin == 0 {
		r.PortMin = 18000
	}
	if r.PortMax == 0 {
		r.PortMax = 18100
	}
	if r.Codec == "" {
		r.Codec = "ulaw"
	}
	if r.SampleRate == 0 {
		r.SampleRate = 8000
	}

	a := &cfg.AudioSocket
	if a.ListenAddr == "" {
		a.ListenAddr = "0.0.0.0:9092"
	}
	if a.Format == "" {
		a.Format = "ulaw"
	}
	if a.SampleRate == 0 {
		a.SampleRate = 8000
	}

	if cfg.Tools.Transfer.Technology == "" {
		cfg.Tools.Transfer.Technology = "PJSIP"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Asterisk.Username == "" || cfg.Asterisk.Password == "" {
		slog.Warn("asterisk.username / asterisk.password not set; ARI requests will be unauthenticated")
	}

	// Streaming
	s := cfg.Streaming
	if s.ChunkSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("streaming.chunk_size_ms %d must be positive", s.ChunkSizeMs))
	}
	if s.JitterBufferMs < 2*s.ChunkSizeMs {
		errs = append(errs, fmt.Errorf("streaming.jitter_buffer_ms %d must hold at least two chunks of %d ms", s.JitterBufferMs, s.ChunkSizeMs))
	}
	if !s.EgressSwapMode.IsValid() {
		errs = append(errs, fmt.Errorf("streaming.egress_swap_mode %q is invalid; valid values: auto, force_true, force_false", s.EgressSwapMode))
	}
	if s.MinStartMs >= s.JitterBufferMs {
		slog.Warn("streaming.min_start_ms exceeds the jitter buffer and will be clamped at runtime",
			"min_start_ms", s.MinStartMs, "jitter_buffer_ms", s.JitterBufferMs)
	}
	if s.ProviderGraceMs > 60 {
		slog.Info("streaming.provider_grace_ms above 60 ms; rebuild waits are capped at 60 ms",
			"provider_grace_ms", s.ProviderGraceMs)
	}

	// RTP
	r := cfg.RTP
	if r.PortMin <= 0 || r.PortMax > 65535 || r.PortMin > r.PortMax {
		errs = append(errs, fmt.Errorf("rtp port range [%d, %d] is invalid", r.PortMin, r.PortMax))
	}
	if r.Codec != "ulaw" && r.Codec != "slin16" {
		errs = append(errs, fmt.Errorf("rtp.codec %q is invalid; valid values: ulaw, slin16", r.Codec))
	}
	if cfg.AudioSocket.Format != "ulaw" && cfg.AudioSocket.Format != "slin16" {
		errs = append(errs, fmt.Errorf("audiosocket.format %q is invalid; valid values: ulaw, slin16", cfg.AudioSocket.Format))
	}

	// Providers
	for name, p := range cfg.Providers {
		if !slices.Contains(KnownProviderNames, name) {
			slog.Warn("unknown provider name in config; may be a typo", "name", name, "known", KnownProviderNames)
		}
		if p.InputSampleRate < 0 || p.OutputSampleRate < 0 {
			errs = append(errs, fmt.Errorf("providers.%s: sample rates must be non-negative", name))
		}
	}

	// Pipelines. Component keys must look like "<provider>_<role>" or the
	// wildcard "*_<role>". Misconfigured pipelines remain configured; the
	// orchestrator resolves them lazily and surfaces failures per call.
	for name, pl := range cfg.Pipelines {
		for role, key := range map[string]string{"stt": pl.STT, "llm": pl.LLM, "tts": pl.TTS} {
			if key == "" {
				errs = append(errs, fmt.Errorf("pipelines.%s.%s is required", name, role))
				continue
			}
			if !strings.HasSuffix(key, "_"+role) {
				errs = append(errs, fmt.Errorf("pipelines.%s.%s %q must end in %q", name, role, key, "_"+role))
			}
		}
	}
	if cfg.ActivePipeline != "" {
		if _, ok := cfg.Pipelines[cfg.ActivePipeline]; !ok {
			errs = append(errs, fmt.Errorf("active_pipeline %q is not defined under pipelines", cfg.ActivePipeline))
		}
	}
	if cfg.ActivePipeline == "" && cfg.DefaultProvider == "" {
		errs = append(errs, errors.New("one of active_pipeline or default_provider is required"))
	}

	// Tools
	for key, d := range cfg.Tools.Transfer.Destinations {
		if d.Type != "" && d.Type != "extension" && d.Type != "queue" {
			errs = append(errs, fmt.Errorf("tools.transfer.destinations.%s.type %q is invalid; valid values: extension, queue", key, d.Type))
		}
		if d.Target == "" && d.DialString == "" {
			errs = append(errs, fmt.Errorf("tools.transfer.destinations.%s: one of target or dial_string is required", key))
		}
	}
	if cfg.Tools.LeaveVoicemail.Enabled && cfg.Tools.LeaveVoicemail.Extension == "" {
		errs = append(errs, errors.New("tools.leave_voicemail.extension is required when the tool is enabled"))
	}
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case "http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}
