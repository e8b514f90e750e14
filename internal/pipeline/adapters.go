package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/llm"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/llm/anyllm"
	openaillm "github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/llm/openai"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/stt"
	dgstt "github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/stt/deepgram"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/stt/whisper"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/tts"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/tts/coqui"
	dgtts "github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/tts/deepgram"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/tts/elevenlabs"
)

// Default endpoints for the local component family. These match the companion
// containers shipped alongside the engine.
const (
	defaultLocalWhisperURL = "http://localhost:8082"
	defaultLocalLlamaURL   = "http://localhost:8080"
	defaultLocalCoquiURL   = "http://localhost:5002"
	defaultOllamaURL       = "http://localhost:11434"
)

// probeTimeout bounds a single connectivity probe.
const probeTimeout = 5 * time.Second

func init() {
	Register("deepgram_stt", newDeepgramSTT)
	Register("whisper_stt", newWhisperSTT)
	Register("local_stt", newLocalSTT)

	Register("openai_llm", newOpenAILLM)
	Register("ollama_llm", newOllamaLLM)
	Register("anthropic_llm", newAnthropicLLM)
	Register("gemini_llm", newGeminiLLM)
	Register("groq_llm", newGroqLLM)
	Register("local_llm", newLocalLLM)

	Register("deepgram_tts", newDeepgramTTS)
	Register("elevenlabs_tts", newElevenLabsTTS)
	Register("coqui_tts", newCoquiTTS)
	Register("local_tts", newLocalTTS)
}

// probeHTTP checks that url answers an HTTP request at all. Any status code
// counts as reachable; only transport-level failures are reported.
func probeHTTP(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("pipeline: build probe request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: probe %s: %w", url, err)
	}
	resp.Body.Close()
	return nil
}

// optString reads a string option, falling back to def.
func optString(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}

// optInt reads an integer option, tolerating YAML's float decoding.
func optInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// sttComponent adapts an stt.Provider to the pipeline component contract.
type sttComponent struct {
	key      string
	provider stt.Provider
	probeURL string
}

func (c *sttComponent) Key() string      { return c.key }
func (c *sttComponent) CloseCall(string) {}
func (c *sttComponent) Stop() error      { return nil }

func (c *sttComponent) ValidateConnectivity(ctx context.Context) error {
	return probeHTTP(ctx, c.probeURL)
}

func (c *sttComponent) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return c.provider.StartStream(ctx, cfg)
}

// llmComponent adapts an llm.Provider to the pipeline component contract.
type llmComponent struct {
	llm.Provider
	key      string
	probeURL string
}

func (c *llmComponent) Key() string      { return c.key }
func (c *llmComponent) CloseCall(string) {}
func (c *llmComponent) Stop() error      { return nil }

func (c *llmComponent) ValidateConnectivity(ctx context.Context) error {
	return probeHTTP(ctx, c.probeURL)
}

// ttsComponent adapts a tts.Provider to the pipeline component contract,
// binding the configured voice so the session does not carry voice state.
type ttsComponent struct {
	key      string
	provider tts.Provider
	voice    tts.VoiceProfile
	format   audio.Format
	probeURL string

	// listVoices, when true, validates connectivity through the provider's
	// voice catalogue instead of a bare HTTP probe.
	listVoices bool
}

func (c *ttsComponent) Key() string      { return c.key }
func (c *ttsComponent) CloseCall(string) {}
func (c *ttsComponent) Stop() error      { return nil }

func (c *ttsComponent) ValidateConnectivity(ctx context.Context) error {
	if c.listVoices {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		_, err := c.provider.ListVoices(ctx)
		return err
	}
	return probeHTTP(ctx, c.probeURL)
}

func (c *ttsComponent) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	return c.provider.SynthesizeStream(ctx, text, c.voice)
}

func (c *ttsComponent) OutputFormat() audio.Format { return c.format }

// declaredFormat resolves the adapter's output format, letting the provider
// settings override the adapter default.
func declaredFormat(s config.ProviderConfig, def audio.Format) audio.Format {
	if s.OutputEncoding == "" {
		return def
	}
	enc, err := audio.ParseEncoding(s.OutputEncoding)
	if err != nil {
		return def
	}
	rate := s.OutputSampleRate
	if rate == 0 {
		rate = def.SampleRate
	}
	return audio.Format{Encoding: enc, SampleRate: rate}
}

// ---- STT factories ----

func newDeepgramSTT(fc FactoryConfig) (Component, error) {
	if fc.Settings.APIKey == "" {
		return nil, fmt.Errorf("pipeline: %s requires an api_key", fc.Key)
	}
	var opts []dgstt.Option
	if model := optString(fc.Options, "model", fc.Settings.Model); model != "" {
		opts = append(opts, dgstt.WithModel(model))
	}
	if fc.Settings.Language != "" {
		opts = append(opts, dgstt.WithLanguage(fc.Settings.Language))
	}
	if rate := optInt(fc.Options, "sample_rate", fc.Settings.InputSampleRate); rate > 0 {
		opts = append(opts, dgstt.WithSampleRate(rate))
	}
	if fc.Settings.BaseURL != "" {
		opts = append(opts, dgstt.WithEndpoint(fc.Settings.BaseURL))
	}
	p, err := dgstt.New(fc.Settings.APIKey, opts...)
	if err != nil {
		return nil, err
	}
	return &sttComponent{key: fc.Key, provider: p}, nil
}

func newWhisperSTT(fc FactoryConfig) (Component, error) {
	// A model path selects the in-process whisper.cpp binding; otherwise a
	// whisper server is reached over HTTP.
	if path := optString(fc.Options, "model_path", fc.Settings.ModelPath); path != "" {
		var opts []whisper.NativeOption
		if fc.Settings.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(fc.Settings.Language))
		}
		p, err := whisper.NewNative(path, opts...)
		if err != nil {
			return nil, err
		}
		return &sttComponent{key: fc.Key, provider: p}, nil
	}
	return newWhisperServerSTT(fc, fc.Settings.BaseURL)
}

func newLocalSTT(fc FactoryConfig) (Component, error) {
	url := fc.Settings.BaseURL
	if url == "" {
		url = defaultLocalWhisperURL
	}
	return newWhisperServerSTT(fc, url)
}

func newWhisperServerSTT(fc FactoryConfig, url string) (Component, error) {
	if url == "" {
		return nil, fmt.Errorf("pipeline: %s requires a base_url or model_path", fc.Key)
	}
	var opts []whisper.Option
	if model := optString(fc.Options, "model", fc.Settings.Model); model != "" {
		opts = append(opts, whisper.WithModel(model))
	}
	if fc.Settings.Language != "" {
		opts = append(opts, whisper.WithLanguage(fc.Settings.Language))
	}
	p, err := whisper.New(url, opts...)
	if err != nil {
		return nil, err
	}
	return &sttComponent{key: fc.Key, provider: p, probeURL: url}, nil
}

// ---- LLM factories ----

func newOpenAILLM(fc FactoryConfig) (Component, error) {
	if fc.Settings.APIKey == "" {
		return nil, fmt.Errorf("pipeline: %s requires an api_key", fc.Key)
	}
	model := optString(fc.Options, "model", fc.Settings.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	var opts []openaillm.Option
	if fc.Settings.BaseURL != "" {
		opts = append(opts, openaillm.WithBaseURL(fc.Settings.BaseURL))
	}
	if fc.Settings.ResponseTimeout > 0 {
		opts = append(opts, openaillm.WithTimeout(fc.Settings.ResponseTimeout))
	}
	p, err := openaillm.New(fc.Settings.APIKey, model, opts...)
	if err != nil {
		return nil, err
	}
	return &llmComponent{Provider: p, key: fc.Key, probeURL: fc.Settings.BaseURL}, nil
}

func newOllamaLLM(fc FactoryConfig) (Component, error) {
	url := fc.Settings.BaseURL
	if url == "" {
		url = defaultOllamaURL
	}
	model := optString(fc.Options, "model", fc.Settings.Model)
	if model == "" {
		return nil, fmt.Errorf("pipeline: %s requires a model", fc.Key)
	}
	p, err := anyllm.NewOllama(model, anyllmlib.WithBaseURL(url))
	if err != nil {
		return nil, err
	}
	return &llmComponent{Provider: p, key: fc.Key, probeURL: url}, nil
}

func newAnthropicLLM(fc FactoryConfig) (Component, error) {
	return newAnyLLM(fc, "anthropic", "claude-3-5-haiku-latest")
}

func newGeminiLLM(fc FactoryConfig) (Component, error) {
	return newAnyLLM(fc, "gemini", "gemini-2.0-flash")
}

func newGroqLLM(fc FactoryConfig) (Component, error) {
	return newAnyLLM(fc, "groq", "llama-3.3-70b-versatile")
}

func newAnyLLM(fc FactoryConfig, backend, defaultModel string) (Component, error) {
	model := optString(fc.Options, "model", fc.Settings.Model)
	if model == "" {
		model = defaultModel
	}
	var opts []anyllmlib.Option
	if fc.Settings.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(fc.Settings.APIKey))
	}
	if fc.Settings.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(fc.Settings.BaseURL))
	}
	p, err := anyllm.New(backend, model, opts...)
	if err != nil {
		return nil, err
	}
	return &llmComponent{Provider: p, key: fc.Key, probeURL: fc.Settings.BaseURL}, nil
}

func newLocalLLM(fc FactoryConfig) (Component, error) {
	url := fc.Settings.BaseURL
	if url == "" {
		url = defaultLocalLlamaURL
	}
	model := optString(fc.Options, "model", fc.Settings.Model)
	if model == "" {
		model = "local"
	}
	p, err := anyllm.NewLlamaCpp(model, anyllmlib.WithBaseURL(url))
	if err != nil {
		return nil, err
	}
	return &llmComponent{Provider: p, key: fc.Key, probeURL: url}, nil
}

// ---- TTS factories ----

func newDeepgramTTS(fc FactoryConfig) (Component, error) {
	if fc.Settings.APIKey == "" {
		return nil, fmt.Errorf("pipeline: %s requires an api_key", fc.Key)
	}
	var opts []dgtts.Option
	if model := optString(fc.Options, "model", fc.Settings.Model); model != "" {
		opts = append(opts, dgtts.WithModel(model))
	}
	if fc.Settings.BaseURL != "" {
		opts = append(opts, dgtts.WithEndpoint(fc.Settings.BaseURL))
	}
	p, err := dgtts.New(fc.Settings.APIKey, opts...)
	if err != nil {
		return nil, err
	}
	return &ttsComponent{
		key:      fc.Key,
		provider: p,
		voice:    tts.VoiceProfile{ID: optString(fc.Options, "voice", fc.Settings.Voice)},
		format:   declaredFormat(fc.Settings, audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}),
	}, nil
}

func newElevenLabsTTS(fc FactoryConfig) (Component, error) {
	if fc.Settings.APIKey == "" {
		return nil, fmt.Errorf("pipeline: %s requires an api_key", fc.Key)
	}
	var opts []elevenlabs.Option
	if model := optString(fc.Options, "model", fc.Settings.Model); model != "" {
		opts = append(opts, elevenlabs.WithModel(model))
	}
	format := optString(fc.Options, "output_format", "")
	if format != "" {
		opts = append(opts, elevenlabs.WithOutputFormat(format))
	}
	p, err := elevenlabs.New(fc.Settings.APIKey, opts...)
	if err != nil {
		return nil, err
	}
	return &ttsComponent{
		key:        fc.Key,
		provider:   p,
		voice:      tts.VoiceProfile{ID: optString(fc.Options, "voice", fc.Settings.Voice)},
		format:     declaredFormat(fc.Settings, elevenLabsFormat(format)),
		listVoices: true,
	}, nil
}

// elevenLabsFormat maps an ElevenLabs output format string ("pcm_16000",
// "ulaw_8000") to an audio.Format. Unknown strings map to the pcm_16000
// default.
func elevenLabsFormat(format string) audio.Format {
	switch format {
	case "", "pcm_16000":
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000}
	case "pcm_8000":
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000}
	case "pcm_22050":
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 22050}
	case "pcm_24000":
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 24000}
	case "ulaw_8000":
		return audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}
	}
	return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000}
}

func newCoquiTTS(fc FactoryConfig) (Component, error) {
	url := fc.Settings.BaseURL
	if url == "" {
		return nil, fmt.Errorf("pipeline: %s requires a base_url", fc.Key)
	}
	return newCoquiServerTTS(fc, url)
}

func newLocalTTS(fc FactoryConfig) (Component, error) {
	url := fc.Settings.BaseURL
	if url == "" {
		url = defaultLocalCoquiURL
	}
	return newCoquiServerTTS(fc, url)
}

func newCoquiServerTTS(fc FactoryConfig, url string) (Component, error) {
	var opts []coqui.Option
	if fc.Settings.Language != "" {
		opts = append(opts, coqui.WithLanguage(fc.Settings.Language))
	}
	// Pin the output rate so the synthesised format is known downstream.
	rate := optInt(fc.Options, "sample_rate", fc.Settings.OutputSampleRate)
	if rate <= 0 {
		rate = 16000
	}
	opts = append(opts, coqui.WithOutputSampleRate(rate))
	if optString(fc.Options, "api_mode", "") == "xtts" {
		opts = append(opts, coqui.WithAPIMode(coqui.APIModeXTTS))
	}
	p, err := coqui.New(url, opts...)
	if err != nil {
		return nil, err
	}
	return &ttsComponent{
		key:      fc.Key,
		provider: p,
		voice:    tts.VoiceProfile{ID: optString(fc.Options, "voice", fc.Settings.Voice)},
		format:   declaredFormat(fc.Settings, audio.Format{Encoding: audio.EncodingPCM16, SampleRate: rate}),
		probeURL: url,
	}, nil
}
