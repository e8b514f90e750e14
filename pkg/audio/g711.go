package audio

import "github.com/zaf/g711"

// ULawToPCM16 decodes G.711 µ-law bytes to 16-bit little-endian PCM.
// The output is exactly twice the length of the input.
func ULawToPCM16(in []byte) []byte {
	return g711.DecodeUlaw(in)
}

// ALawToPCM16 decodes G.711 A-law bytes to 16-bit little-endian PCM.
func ALawToPCM16(in []byte) []byte {
	return g711.DecodeAlaw(in)
}

// PCM16ToULaw compands 16-bit little-endian PCM to G.711 µ-law.
// The output is exactly half the length of the input; a trailing odd byte
// is dropped.
func PCM16ToULaw(in []byte) []byte {
	if len(in)%2 != 0 {
		in = in[:len(in)-1]
	}
	return g711.EncodeUlaw(in)
}

// PCM16ToALaw compands 16-bit little-endian PCM to G.711 A-law.
func PCM16ToALaw(in []byte) []byte {
	if len(in)%2 != 0 {
		in = in[:len(in)-1]
	}
	return g711.EncodeAlaw(in)
}

// Decode converts from any supported encoding to PCM16 at the same rate.
// PCM16 input is returned unchanged.
func Decode(enc Encoding, in []byte) []byte {
	switch enc {
	case EncodingULaw:
		return ULawToPCM16(in)
	case EncodingALaw:
		return ALawToPCM16(in)
	default:
		return in
	}
}
