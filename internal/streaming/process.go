package streaming

import (
	"log/slog"
	"math"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
)

// dcBiasThreshold is the mean offset on a PCM16 source chunk above which the
// whole chunk is re-biased before resampling; dcClampThreshold is the gentler
// post-resample threshold.
const (
	dcBiasThreshold  = 1024
	dcClampThreshold = 256
)

// processor converts provider chunks from the source format to the transport
// target format: decode to PCM16, source byte-order correction, DC removal,
// resampling, then target-side DC blocking and companding or byte-swap. One
// instance per stream.
type processor struct {
	src audio.Format
	dst audio.Format

	swapMode config.EgressSwapMode

	// Source byte order latches on the first PCM16 chunk.
	srcDecided bool
	srcSwap    bool

	// Egress swap decision latches on the first target-side PCM16 frame.
	egressDecided bool
	egressSwap    bool
	swapped       func() // called once when the egress swap activates

	resampler *audio.Resampler
	dcb       *audio.DCBlocker

	log *slog.Logger
}

func newProcessor(src, dst audio.Format, swapMode config.EgressSwapMode, onSwap func(), log *slog.Logger) *processor {
	p := &processor{
		src:      src,
		dst:      dst,
		swapMode: swapMode,
		swapped:  onSwap,
		log:      log,
	}
	if src.SampleRate != dst.SampleRate {
		p.resampler = audio.NewResampler(src.SampleRate, dst.SampleRate)
	}
	if dst.Encoding == audio.EncodingPCM16 {
		p.dcb = &audio.DCBlocker{}
	}
	return p
}

// process converts one provider chunk to target-encoded bytes.
func (p *processor) process(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}

	pcm := chunk
	if p.src.Encoding == audio.EncodingPCM16 {
		pcm = p.correctSourceOrder(chunk)
		// A large standing offset would smear through the resampler.
		if dc := audio.DCOffset(pcm); math.Abs(dc) >= dcBiasThreshold {
			audio.Bias(pcm, -int(math.Round(dc)))
		}
	} else {
		pcm = audio.Decode(p.src.Encoding, chunk)
	}

	if p.resampler != nil {
		pcm = p.resampler.Process(pcm)
	}

	if dc := audio.DCOffset(pcm); math.Abs(dc) >= dcClampThreshold {
		audio.Bias(pcm, -int(math.Round(dc)))
	}

	switch p.dst.Encoding {
	case audio.EncodingULaw:
		return audio.PCM16ToULaw(pcm)
	case audio.EncodingALaw:
		return audio.PCM16ToALaw(pcm)
	default:
		pcm = p.dcb.Process(pcm)
		return p.maybeSwap(pcm)
	}
}

// correctSourceOrder fixes provider byte order. The probe runs on the first
// chunk and latches for the rest of the stream.
func (p *processor) correctSourceOrder(pcm []byte) []byte {
	if !p.srcDecided {
		p.srcSwap = audio.ProbeEndianness(pcm)
		p.srcDecided = true
		if p.srcSwap {
			p.log.Info("source byte order corrected")
		}
	}
	if !p.srcSwap {
		return pcm
	}
	return audio.SwapBytes16(pcm)
}

// maybeSwap applies the egress byte-swap policy on PCM16 targets. In auto
// mode the first frame is probed; an inconclusive probe means no swap for the
// rest of the segment.
func (p *processor) maybeSwap(pcm []byte) []byte {
	if !p.egressDecided {
		switch p.swapMode {
		case config.SwapForceTrue:
			p.egressSwap = true
		case config.SwapForceFalse:
			p.egressSwap = false
		default:
			p.egressSwap = audio.ProbeEgressEndianness(pcm)
		}
		p.egressDecided = true
		if p.egressSwap {
			p.log.Info("egress byte order corrected", "mode", string(p.swapMode))
			if p.swapped != nil {
				p.swapped()
			}
		}
	}
	if !p.egressSwap {
		return pcm
	}
	return audio.SwapBytes16(pcm)
}

// toTelephony converts target-encoded bytes to µ-law@8k for the file
// fallback path.
func (p *processor) toTelephony(data []byte) []byte {
	switch p.dst.Encoding {
	case audio.EncodingULaw:
		return data
	case audio.EncodingALaw:
		return audio.PCM16ToULaw(audio.ALawToPCM16(data))
	default:
		pcm := audio.Resample(data, p.dst.SampleRate, 8000)
		return audio.PCM16ToULaw(pcm)
	}
}
