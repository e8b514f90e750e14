// Package config provides the configuration schema, loader, and hot-reload
// watcher for the voice agent.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the slog level, defaulting to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EgressSwapMode controls the PCM16 egress byte-swap decision.
type EgressSwapMode string

const (
	// SwapAuto probes the first egress frame and swaps only on a conclusive
	// result. An inconclusive probe means no swap.
	SwapAuto EgressSwapMode = "auto"

	// SwapForceTrue always byte-swaps PCM16 egress.
	SwapForceTrue EgressSwapMode = "force_true"

	// SwapForceFalse never swaps, regardless of the probe.
	SwapForceFalse EgressSwapMode = "force_false"
)

// IsValid reports whether m is a recognised swap mode.
func (m EgressSwapMode) IsValid() bool {
	switch m {
	case SwapAuto, SwapForceTrue, SwapForceFalse:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	// Server holds process-level settings.
	Server ServerConfig `yaml:"server"`

	// Asterisk holds the ARI connection settings.
	Asterisk AsteriskConfig `yaml:"asterisk"`

	// Providers maps provider name to its settings. Known names: "deepgram",
	// "local", "openai", "ollama".
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Pipelines maps pipeline name to its composed STT/LLM/TTS entry.
	Pipelines map[string]PipelineEntry `yaml:"pipelines"`

	// ActivePipeline names the pipeline assigned to new calls when no
	// per-call override exists.
	ActivePipeline string `yaml:"active_pipeline"`

	// DefaultProvider names the full-agent provider used when no pipeline is
	// configured.
	DefaultProvider string `yaml:"default_provider"`

	// Streaming tunes the outbound playback manager.
	Streaming StreamingConfig `yaml:"streaming"`

	// RTP configures the External Media UDP transport.
	RTP RTPConfig `yaml:"rtp"`

	// AudioSocket configures the framed TCP transport.
	AudioSocket AudioSocketConfig `yaml:"audiosocket"`

	// Tools configures the tool registry and the telephony tools.
	Tools ToolsConfig `yaml:"tools"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the listen address for the Prometheus scrape endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// MediaDir is where fallback playback files are written. Asterisk must be
	// able to read this path as its sounds directory.
	MediaDir string `yaml:"media_dir"`
}

// AsteriskConfig holds the ARI connection settings.
type AsteriskConfig struct {
	// URL is the ARI base URL, e.g. "http://127.0.0.1:8088/ari".
	URL string `yaml:"url"`

	// Username and Password authenticate against ARI.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// AppName is the Stasis application name channels are routed to.
	AppName string `yaml:"app_name"`
}

// ProviderConfig is the per-provider settings block. Fields are a union
// across provider kinds; each adapter reads what it needs.
type ProviderConfig struct {
	// Enabled allows a block to be kept in the file but switched off.
	// Defaults to true.
	Enabled *bool `yaml:"enabled"`

	// APIKey authenticates cloud providers. May also come from the
	// provider's conventional environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (local servers, proxies).
	BaseURL string `yaml:"base_url"`

	// Model selects the provider model where applicable.
	Model string `yaml:"model"`

	// Voice selects the TTS voice where applicable.
	Voice string `yaml:"voice"`

	// Language is the BCP-47 recognition language.
	Language string `yaml:"language"`

	// InputEncoding / InputSampleRate declare the audio format the provider
	// expects ("ulaw", "pcm16", ...).
	InputEncoding   string `yaml:"input_encoding"`
	InputSampleRate int    `yaml:"input_sample_rate"`

	// OutputEncoding / OutputSampleRate declare the provider's audio output.
	// When set, output autodetection is disabled unless AutodetectOutput
	// opts back in.
	OutputEncoding   string `yaml:"output_encoding"`
	OutputSampleRate int    `yaml:"output_sample_rate"`

	// AutodetectOutput re-enables output format probing even when the output
	// format is declared.
	AutodetectOutput bool `yaml:"autodetect_output"`

	// Greeting is spoken at call start, injected per the provider's greeting
	// policy.
	Greeting string `yaml:"greeting"`

	// SystemPrompt is the agent instruction text.
	SystemPrompt string `yaml:"system_prompt"`

	// ConnectTimeout bounds the initial connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ResponseTimeout bounds request/response style calls.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// ModelPath points at a local model file (whisper).
	ModelPath string `yaml:"model_path"`
}

// IsEnabled reports whether the block is switched on (default true).
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// PipelineEntry composes one STT, one LLM, and one TTS component.
type PipelineEntry struct {
	// STT, LLM, TTS are component keys of the form "<provider>_<role>",
	// e.g. "local_stt", "openai_llm", "deepgram_tts".
	STT string `yaml:"stt"`
	LLM string `yaml:"llm"`
	TTS string `yaml:"tts"`

	// Options carries per-role option maps passed through to the adapters.
	Options PipelineOptions `yaml:"options"`

	// Tools restricts which registered tools the pipeline's model may call.
	// Empty means all.
	Tools []string `yaml:"tools"`
}

// PipelineOptions holds per-role adapter options.
type PipelineOptions struct {
	STT map[string]any `yaml:"stt"`
	LLM map[string]any `yaml:"llm"`
	TTS map[string]any `yaml:"tts"`
}

// StreamingConfig tunes the outbound playback manager. All durations of the
// *Ms variety are expressed in milliseconds in YAML for parity with the
// dialplan-facing documentation.
type StreamingConfig struct {
	// SampleRate is the egress rate towards the switch.
	SampleRate int `yaml:"sample_rate"`

	// JitterBufferMs sizes the jitter buffer in milliseconds of audio.
	JitterBufferMs int `yaml:"jitter_buffer_ms"`

	// ChunkSizeMs is the pacing interval; 20 ms is the telephony frame.
	ChunkSizeMs int `yaml:"chunk_size_ms"`

	// MinStartMs is the warm-up depth before the first frame is sent.
	MinStartMs int `yaml:"min_start_ms"`

	// GreetingMinStartMs overrides MinStartMs for greeting playback.
	GreetingMinStartMs int `yaml:"greeting_min_start_ms"`

	// LowWatermarkMs is the configured low-watermark floor.
	LowWatermarkMs int `yaml:"low_watermark_ms"`

	// ProviderGraceMs bounds tail-flush waits and back-to-back resume gaps.
	ProviderGraceMs int `yaml:"provider_grace_ms"`

	// FallbackTimeoutMs is the producer's chunk-wait timeout before the
	// file-playback fallback engages.
	FallbackTimeoutMs int `yaml:"fallback_timeout_ms"`

	// KeepaliveIntervalMs is the liveness sampling period.
	KeepaliveIntervalMs int `yaml:"keepalive_interval_ms"`

	// ConnectionTimeoutMs is the chunk liveness limit before a keepalive
	// timeout is declared.
	ConnectionTimeoutMs int `yaml:"connection_timeout_ms"`

	// EgressSwapMode controls PCM16 byte-swap on egress.
	EgressSwapMode EgressSwapMode `yaml:"egress_swap_mode"`

	// EgressForceMulaw forces µ-law egress regardless of transport format.
	EgressForceMulaw bool `yaml:"egress_force_mulaw"`

	// Diagnostic taps: capture raw pre/post-conversion audio to DiagOutDir.
	DiagEnableTaps bool   `yaml:"diag_enable_taps"`
	DiagPreSecs    int    `yaml:"diag_pre_secs"`
	DiagPostSecs   int    `yaml:"diag_post_secs"`
	DiagOutDir     string `yaml:"diag_out_dir"`
}

// RTPConfig configures the External Media UDP transport.
type RTPConfig struct {
	Host string `yaml:"host"`

	// PortMin / PortMax bound the per-call UDP port range.
	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`

	// Codec is "ulaw" or "slin16".
	Codec string `yaml:"codec"`

	// SampleRate applies to slin16.
	SampleRate int `yaml:"sample_rate"`

	// LockRemoteEndpoint drops packets from sources other than the first.
	LockRemoteEndpoint bool `yaml:"lock_remote_endpoint"`

	// AllowedRemoteHosts optionally restricts inbound sources.
	AllowedRemoteHosts []string `yaml:"allowed_remote_hosts"`
}

// AudioSocketConfig configures the framed TCP transport.
type AudioSocketConfig struct {
	// Enabled turns the listener on.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the TCP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// Format is "ulaw" or "slin16".
	Format string `yaml:"format"`

	// SampleRate applies to slin16.
	SampleRate int `yaml:"sample_rate"`

	// BroadcastDebug fans call-addressed audio out to every bound connection.
	BroadcastDebug bool `yaml:"broadcast_debug"`
}

// ToolsConfig configures the registry and the built-in telephony tools.
type ToolsConfig struct {
	// AIIdentity is the caller id presented on originated legs.
	AIIdentity AIIdentity `yaml:"ai_identity"`

	// Transfer holds the destination catalog shared by blind and attended
	// transfer.
	Transfer TransferConfig `yaml:"transfer"`

	// AttendedTransfer enables the warm-transfer flow.
	AttendedTransfer AttendedTransferConfig `yaml:"attended_transfer"`

	// HangupCall configures the hangup tool.
	HangupCall HangupConfig `yaml:"hangup_call"`

	// RequestTranscript gates the transcript-offer hangup guardrail.
	RequestTranscript RequestTranscriptConfig `yaml:"request_transcript"`

	// LeaveVoicemail configures the voicemail tool.
	LeaveVoicemail VoicemailConfig `yaml:"leave_voicemail"`

	// MCPServers registers external MCP tool servers.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// AIIdentity is the caller id used on legs the agent originates.
type AIIdentity struct {
	Name   string `yaml:"name"`
	Number string `yaml:"number"`
}

// TransferConfig holds the transfer destination catalog.
type TransferConfig struct {
	// Technology is the channel technology for plain extensions ("PJSIP").
	Technology string `yaml:"technology"`

	// Destinations maps destination key to its settings.
	Destinations map[string]TransferDestination `yaml:"destinations"`
}

// TransferDestination is one entry in the destination catalog.
type TransferDestination struct {
	// Type is "extension" or "queue".
	Type string `yaml:"type"`

	// Target is the extension or queue identifier.
	Target string `yaml:"target"`

	// Description is the human-readable name, matched during alias
	// resolution and spoken to the caller.
	Description string `yaml:"description"`

	// DialString overrides the derived "<technology>/<target>" endpoint.
	DialString string `yaml:"dial_string"`

	// AttendedAllowed permits warm transfer to this destination.
	AttendedAllowed bool `yaml:"attended_allowed"`
}

// AttendedTransferConfig enables and tunes warm transfer.
type AttendedTransferConfig struct {
	Enabled bool `yaml:"enabled"`

	// DialTimeout bounds the agent-leg dial.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MOHClass is the music-on-hold class for the waiting caller.
	MOHClass string `yaml:"moh_class"`
}

// HangupConfig configures the hangup tool.
type HangupConfig struct {
	// FarewellMessage is spoken when the model supplies none.
	FarewellMessage string `yaml:"farewell_message"`
}

// RequestTranscriptConfig gates the transcript-offer guardrail.
type RequestTranscriptConfig struct {
	Enabled bool `yaml:"enabled"`
}

// VoicemailConfig configures the voicemail tool.
type VoicemailConfig struct {
	Enabled bool `yaml:"enabled"`

	// Extension is the mailbox owner; the channel is continued into the
	// dialplan at "vmu<extension>".
	Extension string `yaml:"extension"`

	// Context is the dialplan context holding the voicemail extension.
	Context string `yaml:"context"`
}

// MCPServerConfig describes one external MCP tool server.
type MCPServerConfig struct {
	// Name uniquely identifies the server in logs and tool prefixes.
	Name string `yaml:"name"`

	// Transport is "stdio" or "http".
	Transport string `yaml:"transport"`

	// Command is the executable for stdio transport.
	Command string `yaml:"command"`

	// URL is the endpoint for http transport.
	URL string `yaml:"url"`
}
