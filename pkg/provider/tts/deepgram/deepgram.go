// Package deepgram provides a Deepgram Aura-backed TTS provider using the
// Deepgram REST speak API. It implements the tts.Provider interface.
//
// The speak API is batch-oriented (one HTTP call per utterance), so
// SynthesizeStream accumulates incoming text fragments into complete sentences
// and dispatches concurrent HTTP requests with a small lookahead buffer,
// emitting audio in the original sentence order. By default audio is requested
// as containerless mu-law at 8000 Hz, the telephony wire format, so the
// response bytes can be fed to the caller without transcoding.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultEndpoint   = "https://api.deepgram.com/v1/speak"
	defaultModel      = "aura-2-thalia-en"
	defaultEncoding   = "mulaw"
	defaultSampleRate = 8000
	defaultTimeout    = 30 * time.Second

	// sentenceLookaheadBuf bounds the number of concurrent speak requests in
	// flight for one stream.
	sentenceLookaheadBuf = 4

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// audioChunkSize is the size of each chunk emitted on the audio channel.
	// 4096 mu-law bytes is roughly half a second of telephony audio.
	audioChunkSize = 4096
)

// Option is a functional option for configuring a Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Aura voice model (e.g., "aura-2-thalia-en").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the speak API endpoint. Used by tests to point at a
// local fake server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithEncoding sets the requested audio encoding and sample rate. The default
// is containerless mu-law at 8000 Hz.
func WithEncoding(encoding string, sampleRate int) Option {
	return func(p *Provider) {
		p.encoding = encoding
		p.sampleRate = sampleRate
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the speak API.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by the Deepgram speak API.
// It is safe for concurrent use; multiple SynthesizeStream calls may run in
// parallel.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	encoding   string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram tts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		encoding:   defaultEncoding,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// speakRequest is the JSON body sent to POST /v1/speak.
type speakRequest struct {
	Text string `json:"text"`
}

// audioResult carries synthesised audio or an error from a worker goroutine.
type audioResult struct {
	audio []byte
	err   error
}

// SynthesizeStream consumes text fragments, accumulates them into complete
// sentences and issues one speak request per sentence. Up to
// sentenceLookaheadBuf requests may be in flight concurrently while output
// order is preserved.
//
// The voice.ID, when non-empty, overrides the provider's configured model.
// The returned channel is closed when all text has been synthesised or when
// ctx is cancelled; the caller must drain it.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	model := p.model
	if voice.ID != "" {
		model = voice.ID
	}

	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		sentences := make(chan string, sentenceLookaheadBuf)
		resultQueue := make(chan chan audioResult, sentenceLookaheadBuf)

		// Accumulator: buffers fragments and emits complete sentences.
		go func() {
			defer close(sentences)
			var buf strings.Builder
			for {
				select {
				case fragment, ok := <-text:
					if !ok {
						if remaining := strings.TrimSpace(buf.String()); remaining != "" {
							select {
							case sentences <- remaining:
							case <-ctx.Done():
							}
						}
						return
					}
					buf.WriteString(fragment)
					for {
						s := buf.String()
						idx := findSentenceBoundary(s)
						if idx < 0 {
							break
						}
						sentence := strings.TrimSpace(s[:idx+1])
						buf.Reset()
						buf.WriteString(s[idx+1:])
						if sentence == "" {
							continue
						}
						select {
						case sentences <- sentence:
						case <-ctx.Done():
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Dispatcher: one HTTP call per sentence, ordered result channels.
		go func() {
			defer close(resultQueue)
			for {
				select {
				case sentence, ok := <-sentences:
					if !ok {
						return
					}
					ch := make(chan audioResult, 1)
					select {
					case resultQueue <- ch:
					case <-ctx.Done():
						return
					}
					go func(s string, out chan<- audioResult) {
						audio, err := p.speak(ctx, s, model)
						out <- audioResult{audio: audio, err: err}
					}(sentence, ch)
				case <-ctx.Done():
					return
				}
			}
		}()

		// Collector: drain results in order and emit fixed-size chunks.
		for {
			select {
			case ch, ok := <-resultQueue:
				if !ok {
					return
				}
				select {
				case result := <-ch:
					if result.err != nil {
						return
					}
					audio := result.audio
					for len(audio) > 0 {
						end := min(audioChunkSize, len(audio))
						select {
						case audioCh <- audio[:end]:
						case <-ctx.Done():
							return
						}
						audio = audio[end:]
					}
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// speak performs a single POST /v1/speak call and returns the raw audio bytes.
func (p *Provider) speak(ctx context.Context, sentence, model string) ([]byte, error) {
	body, err := json.Marshal(speakRequest{Text: sentence})
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: marshal speak request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.buildURL(model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: create speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: POST speak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram tts: speak returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: read speak response: %w", err)
	}
	return audio, nil
}

// buildURL constructs the speak URL with model and audio format parameters.
func (p *Provider) buildURL(model string) string {
	params := url.Values{}
	params.Set("model", model)
	params.Set("encoding", p.encoding)
	params.Set("sample_rate", fmt.Sprintf("%d", p.sampleRate))
	params.Set("container", "none")
	return p.endpoint + "?" + params.Encode()
}

// auraVoices is the static catalogue of Aura 2 English voices. The speak API
// has no listing endpoint, so the catalogue is maintained here.
var auraVoices = []struct {
	id     string
	gender string
}{
	{"aura-2-thalia-en", "female"},
	{"aura-2-andromeda-en", "female"},
	{"aura-2-helena-en", "female"},
	{"aura-2-apollo-en", "male"},
	{"aura-2-arcas-en", "male"},
	{"aura-2-aries-en", "male"},
	{"aura-2-orion-en", "male"},
	{"aura-2-orpheus-en", "male"},
}

// ListVoices returns the known Aura voice catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	profiles := make([]tts.VoiceProfile, 0, len(auraVoices))
	for _, v := range auraVoices {
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.id,
			Name:     v.id,
			Provider: "deepgram",
			Metadata: map[string]string{"gender": v.gender},
		})
	}
	return profiles, nil
}

// findSentenceBoundary returns the index of the first sentence-ending
// character ('.', '!', '?') that is either at the end of s or immediately
// followed by whitespace. Returns -1 if no boundary is found.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
