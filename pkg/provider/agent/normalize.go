package agent

import (
	"log/slog"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
)

// Normalizer converts backend agent audio to the telephony wire format
// (µ-law@8000). The source format is either declared up front or inferred
// from the first chunk of a call; once inferred it is latched for the rest of
// the session.
//
// Inference order on the first chunk: lengths divisible by 640 read as
// PCM16@16k, by 320 as PCM16@8k, by 160 as G.711 (A-law vs µ-law decided by
// decode comparison). PCM16 sources additionally get a one-shot byte-order
// probe and a DC blocker.
//
// One Normalizer per session. Not safe for concurrent use.
type Normalizer struct {
	declared   audio.Format
	autodetect bool
	log        *slog.Logger

	decided bool
	format  audio.Format
	swap    bool

	res *audio.Resampler
	dcb *audio.DCBlocker
}

// NewNormalizer builds a normalizer. A zero declared encoding means the
// format is always inferred; autodetect re-enables inference even when a
// format is declared.
func NewNormalizer(declared audio.Format, autodetect bool, log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{declared: declared, autodetect: autodetect, log: log}
}

// Format returns the latched source format, or the declared one before any
// audio has been seen.
func (n *Normalizer) Format() audio.Format {
	if n.decided {
		return n.format
	}
	return n.declared
}

// Push converts one backend chunk to µ-law@8k.
func (n *Normalizer) Push(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}
	if !n.decided {
		n.decide(chunk)
	}

	switch n.format.Encoding {
	case audio.EncodingULaw:
		if n.format.SampleRate == 8000 {
			return chunk
		}
		chunk = audio.ULawToPCM16(chunk)
	case audio.EncodingALaw:
		if n.format.SampleRate == 8000 {
			pcm := audio.ALawToPCM16(chunk)
			return audio.PCM16ToULaw(pcm)
		}
		chunk = audio.ALawToPCM16(chunk)
	case audio.EncodingPCM16:
		if n.swap {
			chunk = audio.SwapBytes16(chunk)
		}
		chunk = n.dcb.Process(append([]byte(nil), chunk...))
	}
	if n.res != nil {
		chunk = n.res.Process(chunk)
	}
	return audio.PCM16ToULaw(chunk)
}

// EndBurst resets per-burst state (resampler window) while keeping the
// latched format.
func (n *Normalizer) EndBurst() {
	if n.res != nil {
		n.res.Reset()
	}
}

func (n *Normalizer) decide(first []byte) {
	n.decided = true

	if n.declared.Encoding != "" && !n.autodetect {
		n.format = n.declared
	} else {
		n.format = inferFormat(first)
		if n.declared.Encoding != "" && n.format != n.declared {
			n.log.Warn("agent audio format differs from declared",
				"declared", n.declared.String(), "detected", n.format.String())
		} else {
			n.log.Debug("agent audio format detected", "format", n.format.String())
		}
	}

	if n.format.Encoding == audio.EncodingPCM16 {
		n.swap = audio.ProbeEndianness(first)
		if n.swap {
			n.log.Warn("agent audio byte order corrected", "format", n.format.String())
		}
		n.dcb = &audio.DCBlocker{}
	}
	if n.format.SampleRate != 8000 {
		n.res = audio.NewResampler(n.format.SampleRate, 8000)
	}
}

// inferFormat guesses the source format from the first chunk's length and
// content. 20 ms frames arrive as 160 bytes for G.711@8k, 320 for PCM16@8k,
// and 640 for PCM16@16k.
func inferFormat(chunk []byte) audio.Format {
	n := len(chunk)
	switch {
	case n%640 == 0:
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 16000}
	case n%320 == 0:
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 8000}
	case n%160 == 0:
		return audio.Format{Encoding: audio.ClassifyG711(chunk), SampleRate: 8000}
	case n%2 == 0:
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 24000}
	default:
		return audio.Format{Encoding: audio.ClassifyG711(chunk), SampleRate: 8000}
	}
}
