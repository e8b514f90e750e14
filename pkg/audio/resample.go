package audio

// Resampler converts 16-bit mono PCM between sample rates using linear
// interpolation, carrying the interpolation window across chunk boundaries so
// that back-to-back chunks resample without phase discontinuities.
//
// Create one Resampler per stream direction. Not safe for concurrent use.
type Resampler struct {
	srcRate int
	dstRate int

	// prev is the last source sample of the previous chunk.
	prev    int16
	hasPrev bool

	// frac is the source-sample position still to advance before the next
	// output sample, measured from prev. May exceed 1 when downsampling.
	frac float64
}

// NewResampler returns a resampler from srcRate to dstRate. When the rates
// are equal, Process returns its input unchanged and keeps no state.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{srcRate: srcRate, dstRate: dstRate}
}

// Reset discards carried state so the next chunk starts a fresh window.
func (r *Resampler) Reset() {
	r.prev = 0
	r.hasPrev = false
	r.frac = 0
}

// Process resamples one chunk of 16-bit little-endian mono PCM. Output length
// tracks input_samples × dst/src to within one sample per chunk; the
// remainder is carried into the next call.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.srcRate == r.dstRate || r.srcRate <= 0 || r.dstRate <= 0 {
		return pcm
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	// Virtual source window: prev (if any) followed by this chunk's samples.
	sample := func(i int) int16 {
		if r.hasPrev {
			if i == 0 {
				return r.prev
			}
			i--
		}
		return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	total := n
	if r.hasPrev {
		total++
	}

	ratio := float64(r.srcRate) / float64(r.dstRate)
	pos := r.frac
	out := make([]byte, 0, int(float64(n)/ratio)*2+2)

	for pos < float64(total-1) {
		idx := int(pos)
		f := pos - float64(idx)
		s0 := float64(sample(idx))
		s1 := float64(sample(idx + 1))
		v := int16(s0*(1-f) + s1*f)
		out = append(out, byte(v), byte(v>>8))
		pos += ratio
	}

	r.prev = sample(total - 1)
	r.hasPrev = true
	r.frac = pos - float64(total-1)
	return out
}

// Resample is the one-shot form used where no chunk continuity is needed.
// When srcRate == dstRate the input is returned unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate {
		return pcm
	}
	return NewResampler(srcRate, dstRate).Process(pcm)
}
