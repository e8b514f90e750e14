// Package audio provides the codec, resampling, and signal-probe primitives
// shared by the transports, the streaming playback manager, and the provider
// adapters.
//
// The supported wire encodings are the telephony set: G.711 µ-law and A-law
// at 8 kHz, and signed 16-bit little-endian linear PCM at 8/16/24/48 kHz.
// All PCM byte slices in this package are little-endian int16 mono.
//
// The two stateful helpers are [Resampler] (fractional-rate conversion that
// carries its interpolation window across chunk boundaries) and [DCBlocker]
// (first-order high-pass used on PCM16 egress). Both are single-stream
// objects: create one per audio direction, do not share across goroutines.
package audio

import (
	"fmt"
	"strings"
	"time"
)

// Encoding identifies an audio wire encoding.
type Encoding string

const (
	// EncodingULaw is G.711 µ-law, one byte per sample.
	EncodingULaw Encoding = "ulaw"

	// EncodingALaw is G.711 A-law, one byte per sample.
	EncodingALaw Encoding = "alaw"

	// EncodingPCM16 is signed 16-bit little-endian linear PCM.
	EncodingPCM16 Encoding = "pcm16"
)

// IsValid reports whether e is a supported encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingULaw, EncodingALaw, EncodingPCM16:
		return true
	}
	return false
}

// BytesPerSample returns the per-sample byte width of the encoding.
func (e Encoding) BytesPerSample() int {
	if e == EncodingPCM16 {
		return 2
	}
	return 1
}

// ParseEncoding normalizes the encoding spellings found in configuration and
// provider settings ("ulaw", "mulaw", "g711_ulaw", "slin16", "linear16", ...).
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ulaw", "mulaw", "mu-law", "g711_ulaw", "g711u":
		return EncodingULaw, nil
	case "alaw", "a-law", "g711_alaw", "g711a":
		return EncodingALaw, nil
	case "pcm16", "slin", "slin16", "linear16", "l16", "pcm":
		return EncodingPCM16, nil
	}
	return "", fmt.Errorf("audio: unknown encoding %q", s)
}

// Format pairs an encoding with a sample rate.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// String returns e.g. "ulaw@8000".
func (f Format) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.SampleRate)
}

// ValidRates lists the sample rates the resampler and transports accept.
var ValidRates = []int{8000, 16000, 24000, 48000}

// ValidRate reports whether hz is one of [ValidRates].
func ValidRate(hz int) bool {
	for _, r := range ValidRates {
		if hz == r {
			return true
		}
	}
	return false
}

// FrameBytes returns the number of bytes in one frame of duration d for the
// given format: ceil(rate × seconds) × bytes-per-sample. For the canonical
// 20 ms frame this yields 160 for µ-law@8k, 320 for PCM16@8k, 640 for
// PCM16@16k.
func FrameBytes(f Format, d time.Duration) int {
	samples := (f.SampleRate*int(d.Milliseconds()) + 999) / 1000
	return samples * f.Encoding.BytesPerSample()
}
