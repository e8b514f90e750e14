package audio

import (
	"math"
	"testing"
)

func TestResampleSameRateIdentity(t *testing.T) {
	in := sinePCM16(160, 300, 8000, 4000)
	r := NewResampler(8000, 8000)
	out := r.Process(in)
	if &out[0] != &in[0] {
		t.Error("same-rate resample should return the input slice")
	}
	if got := Resample(in, 16000, 16000); &got[0] != &in[0] {
		t.Error("one-shot same-rate resample should return the input slice")
	}
}

func TestResampleLengthAccuracyWithState(t *testing.T) {
	cases := []struct {
		src, dst int
	}{
		{8000, 16000},
		{16000, 8000},
		{24000, 8000},
		{8000, 24000},
		{48000, 16000},
	}
	for _, c := range cases {
		r := NewResampler(c.src, c.dst)
		chunk := sinePCM16(c.src/50, 440, c.src, 9000) // 20 ms per chunk
		var total int
		const chunks = 50
		for i := 0; i < chunks; i++ {
			total += len(r.Process(chunk)) / 2
		}
		want := chunks * (c.src / 50) * c.dst / c.src
		// State carries the fractional remainder, so across many chunks the
		// total drifts by at most one sample per chunk.
		if diff := total - want; diff < -chunks || diff > chunks {
			t.Errorf("%d->%d: total samples = %d, want ~%d", c.src, c.dst, total, want)
		}
	}
}

func TestResampleContinuityAcrossChunks(t *testing.T) {
	// Resampling one long buffer must match resampling it in two halves
	// with carried state, apart from the final boundary sample.
	full := sinePCM16(640, 200, 16000, 10000)
	whole := NewResampler(16000, 8000).Process(full)

	r := NewResampler(16000, 8000)
	split := append([]byte{}, r.Process(full[:640])...)
	split = append(split, r.Process(full[640:])...)

	n := len(whole)
	if len(split) < n {
		n = len(split)
	}
	for i := 0; i+1 < n; i += 2 {
		a := int16(whole[i]) | int16(whole[i+1])<<8
		b := int16(split[i]) | int16(split[i+1])<<8
		if d := int(a) - int(b); d > 1 || d < -1 {
			t.Fatalf("sample %d: whole=%d split=%d", i/2, a, b)
		}
	}
}

func TestResamplePreservesTone(t *testing.T) {
	// A 440 Hz tone upsampled 8k->16k keeps roughly the same RMS.
	in := sinePCM16(800, 440, 8000, 8000)
	out := NewResampler(8000, 16000).Process(in)
	inRMS := RMS(in)
	outRMS := RMS(out)
	if math.Abs(inRMS-outRMS) > inRMS*0.05 {
		t.Errorf("RMS changed too much: in=%.0f out=%.0f", inRMS, outRMS)
	}
}

func TestResamplerReset(t *testing.T) {
	r := NewResampler(16000, 8000)
	r.Process(sinePCM16(160, 440, 16000, 8000))
	r.Reset()
	if r.hasPrev || r.frac != 0 {
		t.Error("Reset did not clear carried state")
	}
}
