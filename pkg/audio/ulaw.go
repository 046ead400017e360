package audio

// G.711 mu-law codec, used to translate between the PCMU payload carried by
// the RTP media plane (ITU-T G.711, 8 kHz) and the PCM16LE the rest of the
// pipeline speaks.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// MuLawDecode converts a PCMU byte stream to PCM16LE mono.
func MuLawDecode(pcmu []byte) []byte {
	out := make([]byte, len(pcmu)*2)
	for i, b := range pcmu {
		s := decodeMuLawSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// MuLawEncode converts PCM16LE mono to a PCMU byte stream. Trailing odd byte
// is dropped.
func MuLawEncode(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeMuLawSample(s)
	}
	return out
}

func decodeMuLawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := (int32(mantissa) << 3) + ulawBias
	sample <<= exponent
	sample -= ulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

func encodeMuLawSample(s int16) byte {
	sign := byte(0)
	sample := int32(s)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	sample += ulawBias
	if sample > ulawClip {
		sample = ulawClip
	}

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}
