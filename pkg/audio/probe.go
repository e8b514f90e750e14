package audio

import "math"

// probeWindowBytes caps how much of a chunk the endianness probes inspect.
const probeWindowBytes = 960

// RMS computes the root-mean-square amplitude of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DCOffset computes the mean sample value of 16-bit little-endian PCM.
func DCOffset(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return sum / float64(n)
}

// SwapBytes16 returns a copy of pcm with every 16-bit sample byte-swapped.
// A trailing odd byte is preserved as-is.
func SwapBytes16(pcm []byte) []byte {
	out := make([]byte, len(pcm))
	copy(out, pcm)
	for i := 0; i+1 < len(out); i += 2 {
		out[i], out[i+1] = out[i+1], out[i]
	}
	return out
}

// ProbeEndianness inspects up to 960 bytes of PCM16 and reports whether the
// byte-swapped interpretation looks like the real signal. Swapped wins when
// its RMS dominates (≥ max(1024, 4× native)) or when the native read shows a
// large DC offset that the swapped read does not (|avg_native| ≥ 8×
// |avg_swapped| with rms_swapped ≥ max(256, rms_native/2)).
func ProbeEndianness(pcm []byte) bool {
	if len(pcm) > probeWindowBytes {
		pcm = pcm[:probeWindowBytes]
	}
	if len(pcm) < 4 {
		return false
	}
	swapped := SwapBytes16(pcm)

	rmsNative := RMS(pcm)
	rmsSwapped := RMS(swapped)
	avgNative := math.Abs(DCOffset(pcm))
	avgSwapped := math.Abs(DCOffset(swapped))

	if rmsSwapped >= math.Max(1024, 4*rmsNative) {
		return true
	}
	if avgNative >= 8*avgSwapped && rmsSwapped >= math.Max(256, rmsNative/2) {
		return true
	}
	return false
}

// ProbeEgressEndianness is the stricter variant run on the first PCM16 egress
// frame: swapped must dominate by RMS alone (≥ max(512, 4× native)).
func ProbeEgressEndianness(frame []byte) bool {
	if len(frame) > probeWindowBytes {
		frame = frame[:probeWindowBytes]
	}
	if len(frame) < 4 {
		return false
	}
	rmsNative := RMS(frame)
	rmsSwapped := RMS(SwapBytes16(frame))
	return rmsSwapped >= math.Max(512, 4*rmsNative)
}

// ClassifyG711 guesses whether a G.711 sample window is A-law or µ-law by
// decoding both ways and preferring the interpretation with the lower RMS
// (speech decoded under the wrong law reads as near-full-scale noise).
func ClassifyG711(sample []byte) Encoding {
	if len(sample) == 0 {
		return EncodingULaw
	}
	if len(sample) > probeWindowBytes {
		sample = sample[:probeWindowBytes]
	}
	rmsU := RMS(ULawToPCM16(sample))
	rmsA := RMS(ALawToPCM16(sample))
	if rmsA < rmsU {
		return EncodingALaw
	}
	return EncodingULaw
}

// Bias adds offset to every sample, clamping to the int16 range. Used to
// remove a large measured DC offset before resampling.
func Bias(pcm []byte, offset int) {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(pcm[i])|int16(pcm[i+1])<<8) + offset
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		pcm[i] = byte(v)
		pcm[i+1] = byte(v >> 8)
	}
}

// DCBlocker is the first-order high-pass y[n] = x[n] − x[n−1] + r·y[n−1]
// applied to PCM16 egress. One instance per stream; not safe for concurrent
// use.
type DCBlocker struct {
	// R is the pole radius; zero means the default 0.995.
	R float64

	x1 float64
	y1 float64
}

// Process filters pcm in place and returns it.
func (d *DCBlocker) Process(pcm []byte) []byte {
	r := d.R
	if r == 0 {
		r = 0.995
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		x := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		y := x - d.x1 + r*d.y1
		d.x1 = x
		d.y1 = y
		v := int(math.Round(y))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		pcm[i] = byte(v)
		pcm[i+1] = byte(v >> 8)
	}
	return pcm
}
