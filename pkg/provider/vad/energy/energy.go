// Package energy provides an RMS-energy Voice Activity Detection engine
// implementing the vad.Engine interface.
//
// The detector computes the root-mean-square level of each PCM frame, maps it
// to a pseudo-probability against a configurable reference level, and applies
// the session's speech/silence thresholds with start debouncing and a silence
// hangover. It has no model dependencies, which makes it the default barge-in
// detector for composed pipelines; a neural VAD can be swapped in behind the
// same interface.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/vad"
)

const (
	// defaultReferenceLevel is the RMS value mapped to probability 1.0.
	// Telephony speech typically peaks between 2000 and 8000 RMS.
	defaultReferenceLevel = 2000.0

	// defaultStartFrames is how many consecutive speech frames are required
	// before a speech segment starts. Debounces clicks and line noise.
	defaultStartFrames = 3

	// defaultHangoverFrames is how many consecutive silence frames end an
	// active speech segment. 25 frames is 500 ms at 20 ms framing.
	defaultHangoverFrames = 25
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithReferenceLevel sets the RMS level mapped to speech probability 1.0.
func WithReferenceLevel(level float64) Option {
	return func(e *Engine) {
		e.refLevel = level
	}
}

// WithStartFrames sets the consecutive-frame debounce before speech starts.
func WithStartFrames(n int) Option {
	return func(e *Engine) {
		e.startFrames = n
	}
}

// WithHangoverFrames sets the consecutive-silence count that ends a segment.
func WithHangoverFrames(n int) Option {
	return func(e *Engine) {
		e.hangoverFrames = n
	}
}

// Engine implements vad.Engine with frame-level RMS detection.
type Engine struct {
	refLevel       float64
	startFrames    int
	hangoverFrames int
}

// New creates an energy VAD engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		refLevel:       defaultReferenceLevel,
		startFrames:    defaultStartFrames,
		hangoverFrames: defaultHangoverFrames,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a fresh detection session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy vad: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy vad: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy vad: speech threshold %.2f out of range", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy vad: silence threshold %.2f must be in [0, %.2f]",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{
		engine:     e,
		cfg:        cfg,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

// session holds per-stream detection state. Not safe for concurrent use; the
// pipeline calls ProcessFrame from a single audio loop.
type session struct {
	engine     *Engine
	cfg        vad.Config
	frameBytes int

	inSpeech   bool
	runSpeech  int
	runSilence int
	closed     bool
}

// ProcessFrame classifies one PCM16 frame.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy vad: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := math.Min(rms(frame)/s.engine.refLevel, 1.0)

	if !s.inSpeech {
		if prob >= s.cfg.SpeechThreshold {
			s.runSpeech++
			if s.runSpeech >= s.engine.startFrames {
				s.inSpeech = true
				s.runSilence = 0
				return vad.VADEvent{Type: vad.VADSpeechStart, Probability: prob}, nil
			}
		} else {
			s.runSpeech = 0
		}
		return vad.VADEvent{Type: vad.VADSilence, Probability: prob}, nil
	}

	if prob <= s.cfg.SilenceThreshold {
		s.runSilence++
		if s.runSilence >= s.engine.hangoverFrames {
			s.inSpeech = false
			s.runSpeech = 0
			s.runSilence = 0
			return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: prob}, nil
		}
	} else {
		s.runSilence = 0
	}
	return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: prob}, nil
}

// Reset clears all detection state without closing the session.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.inSpeech = false
	s.runSpeech = 0
	s.runSilence = 0
}

// Close marks the session as closed. Safe to call more than once.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// rms computes the root-mean-square amplitude of little-endian PCM16 samples.
func rms(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}
