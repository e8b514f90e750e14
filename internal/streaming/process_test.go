package streaming

import (
	"log/slog"
	"math"
	"testing"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
)

// sineBytes produces n samples of a sine at freq/rate as PCM16 LE bytes.
func sineBytes(n int, freq, rate float64, amp int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(float64(amp) * math.Sin(2*math.Pi*freq*float64(i)/rate))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func TestProcessULawPassthrough(t *testing.T) {
	src := audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}
	p := newProcessor(src, src, config.SwapAuto, nil, slog.Default())

	in := make([]byte, 160)
	for i := range in {
		in[i] = 0x55
	}
	out := p.process(in)
	if len(out) != 160 {
		t.Errorf("out = %d bytes, want 160", len(out))
	}
}

func TestProcessPCM16ToULawResamples(t *testing.T) {
	src := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000}
	dst := audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}
	p := newProcessor(src, dst, config.SwapForceFalse, nil, slog.Default())

	// 20ms at 16k = 320 samples = 640 bytes; expect ~160 µ-law bytes out.
	in := sineBytes(320, 440, 16000, 8000)
	out := p.process(in)
	if len(out) < 155 || len(out) > 165 {
		t.Errorf("out = %d bytes, want ~160", len(out))
	}
}

func TestProcessSourceOrderCorrection(t *testing.T) {
	src := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000}
	dst := audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}

	swapCalls := 0
	p := newProcessor(src, dst, config.SwapAuto, func() { swapCalls++ }, slog.Default())

	// Feed a byte-swapped sine quantized to 256-step amplitudes, the case
	// where reversed byte order reads as near-silence; the source probe must
	// latch the swap on chunk one.
	native := sineBytes(480, 440, 8000, 12000)
	for i := 0; i < len(native); i += 2 {
		native[i] = 0
	}
	swapped := audio.SwapBytes16(native)

	out1 := p.process(swapped)
	out2 := p.process(swapped)
	if len(out1) == 0 || len(out2) == 0 {
		t.Fatal("no output")
	}
	// The correction is source-side; the egress counter covers PCM16
	// targets only.
	if swapCalls != 0 {
		t.Errorf("egress swap activations = %d, want 0 for a mulaw target", swapCalls)
	}

	// Decoded back, the corrected signal should have sane amplitude.
	pcm := audio.ULawToPCM16(out2)
	if rms := audio.RMS(pcm); rms < 4000 || rms > 16000 {
		t.Errorf("corrected RMS = %.0f, want near the source amplitude", rms)
	}
}

func TestProcessEgressAutoSwap(t *testing.T) {
	src := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000}
	p := newProcessor(src, src, config.SwapAuto, nil, slog.Default())

	// Alternating ±3: near-silent read natively, but the byte-swapped read
	// is ±768-scale signal. Too quiet for the source probe, loud enough for
	// the stricter egress probe on the PCM16 target side.
	in := make([]byte, 640)
	for i := 0; i < len(in); i += 4 {
		in[i], in[i+1] = 0x03, 0x00
		in[i+2], in[i+3] = 0xFD, 0xFF
	}

	out := p.process(in)
	if len(out) == 0 {
		t.Fatal("no output")
	}
	if rms := audio.RMS(out); rms < 500 {
		t.Errorf("egress RMS = %.0f, want the byte-swapped signal", rms)
	}
}

func TestProcessEgressSwapIncrementsOnce(t *testing.T) {
	src := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000}

	swapCalls := 0
	p := newProcessor(src, src, config.SwapAuto, func() { swapCalls++ }, slog.Default())

	in := make([]byte, 640)
	for i := 0; i < len(in); i += 4 {
		in[i], in[i+1] = 0x03, 0x00
		in[i+2], in[i+3] = 0xFD, 0xFF
	}
	p.process(in)
	p.process(in)
	if swapCalls != 1 {
		t.Errorf("swap activations = %d, want 1 (latched)", swapCalls)
	}
}

func TestProcessRemovesSourceDCBias(t *testing.T) {
	src := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000}
	dst := audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}
	p := newProcessor(src, dst, config.SwapForceFalse, nil, slog.Default())

	// Sine riding a +3000 DC rail; the offset must be gone by the time the
	// chunk compands to mulaw.
	in := make([]byte, 640)
	for i := 0; i < 320; i++ {
		v := int16(3000 + 8000*math.Sin(2*math.Pi*440*float64(i)/16000))
		in[i*2] = byte(v)
		in[i*2+1] = byte(v >> 8)
	}

	out := p.process(in)
	pcm := audio.ULawToPCM16(out)
	if dc := audio.DCOffset(pcm); math.Abs(dc) >= 256 {
		t.Errorf("output DC = %.0f, want the bias removed", dc)
	}
}

func TestProcessClampsDCOnPCM16Target(t *testing.T) {
	src := audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}
	dst := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000}
	p := newProcessor(src, dst, config.SwapForceFalse, nil, slog.Default())

	in := audio.PCM16ToULaw(func() []byte {
		b := make([]byte, 640)
		for i := 0; i < 320; i++ {
			v := int16(3000 + 8000*math.Sin(2*math.Pi*440*float64(i)/8000))
			b[i*2] = byte(v)
			b[i*2+1] = byte(v >> 8)
		}
		return b
	}())

	out := p.process(in)
	if dc := audio.DCOffset(out); math.Abs(dc) >= 256 {
		t.Errorf("output DC = %.0f, want it clamped and blocked", dc)
	}
}

func TestProcessForceFalseNeverSwaps(t *testing.T) {
	src := audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000}
	p := newProcessor(src, src, config.SwapForceFalse, nil, slog.Default())

	native := sineBytes(480, 440, 8000, 12000)
	swapped := audio.SwapBytes16(native)
	out := p.process(swapped)
	if len(out) != len(swapped) {
		t.Errorf("out = %d bytes, want %d", len(out), len(swapped))
	}
}

func TestToTelephonyNormalizes(t *testing.T) {
	cases := []struct {
		name string
		dst  audio.Format
		in   []byte
		want int
	}{
		{
			name: "ulaw as-is",
			dst:  audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000},
			in:   make([]byte, 160),
			want: 160,
		},
		{
			name: "pcm16 8k compands",
			dst:  audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000},
			in:   sineBytes(160, 440, 8000, 8000),
			want: 160,
		},
		{
			name: "pcm16 16k resamples then compands",
			dst:  audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000},
			in:   sineBytes(320, 440, 16000, 8000),
			want: 160,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			src := audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}
			p := newProcessor(src, c.dst, config.SwapForceFalse, nil, slog.Default())
			out := p.toTelephony(c.in)
			if len(out) < c.want-4 || len(out) > c.want+4 {
				t.Errorf("out = %d bytes, want ~%d", len(out), c.want)
			}
		})
	}
}
