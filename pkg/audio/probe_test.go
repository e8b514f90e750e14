package audio

import (
	"math"
	"testing"
)

func TestProbeEndiannessDetectsSwapped(t *testing.T) {
	native := sinePCM16(480, 440, 8000, 6400)
	swapped := SwapBytes16(native)
	if !ProbeEndianness(swapped) {
		t.Error("swapped signal not detected")
	}
	if ProbeEndianness(native) {
		t.Error("native signal misreported as swapped")
	}
}

func TestProbeEndiannessQuietSignal(t *testing.T) {
	// A near-silent frame must not trip the probe in either orientation.
	quiet := sinePCM16(480, 440, 8000, 50)
	if ProbeEndianness(quiet) || ProbeEndianness(SwapBytes16(quiet)) {
		t.Error("quiet signal tripped the probe")
	}
}

func TestProbeEgressEndianness(t *testing.T) {
	native := sinePCM16(160, 440, 8000, 6400)
	if !ProbeEgressEndianness(SwapBytes16(native)) {
		t.Error("swapped egress frame not detected")
	}
	if ProbeEgressEndianness(native) {
		t.Error("native egress frame misreported")
	}
	if ProbeEgressEndianness([]byte{1, 2}) {
		t.Error("short frame should not probe")
	}
}

func TestSwapBytes16(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5}
	out := SwapBytes16(in)
	want := []byte{2, 1, 4, 3, 5}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
	if in[0] != 1 {
		t.Error("input was mutated")
	}
}

func TestClassifyG711(t *testing.T) {
	pcm := sinePCM16(480, 300, 8000, 5000)
	if got := ClassifyG711(PCM16ToULaw(pcm)); got != EncodingULaw {
		t.Errorf("ulaw speech classified as %s", got)
	}
	if got := ClassifyG711(PCM16ToALaw(pcm)); got != EncodingALaw {
		t.Errorf("alaw speech classified as %s", got)
	}
}

func TestBiasRemovesOffset(t *testing.T) {
	pcm := sinePCM16(480, 440, 8000, 1000)
	Bias(pcm, 2000)
	off := DCOffset(pcm)
	if math.Abs(off-2000) > 5 {
		t.Fatalf("offset after bias = %.1f, want ~2000", off)
	}
	Bias(pcm, -2000)
	if math.Abs(DCOffset(pcm)) > 5 {
		t.Errorf("offset not removed: %.1f", DCOffset(pcm))
	}
}

func TestDCBlockerRemovesDC(t *testing.T) {
	pcm := sinePCM16(1600, 440, 8000, 4000)
	Bias(pcm, 3000)
	var d DCBlocker
	out := d.Process(pcm)
	// Skip the settle-in portion, then the mean should be near zero.
	tail := out[len(out)/2:]
	if off := math.Abs(DCOffset(tail)); off > 100 {
		t.Errorf("residual DC after blocker = %.1f", off)
	}
}

func TestRMSZeroOnEmpty(t *testing.T) {
	if RMS(nil) != 0 || DCOffset(nil) != 0 {
		t.Error("empty input should yield 0")
	}
}
