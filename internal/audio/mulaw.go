package audio

// Telephony media on both links is G.711 mu-law: 8 kHz, mono, one byte per
// sample. The carrier delivers it in 20 ms frames.
const (
	SampleRate  = 8000
	FrameBytes  = 160  // 20 ms at 8 kHz
	SilenceByte = 0xFF // mu-law encoded zero amplitude
)

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// EncodeMuLaw compresses PCM16 mono samples to mu-law bytes.
func EncodeMuLaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = encodeMuLawSample(s)
	}
	return out
}

// DecodeMuLaw expands mu-law bytes to PCM16 mono samples.
func DecodeMuLaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = decodeMuLawSample(b)
	}
	return out
}

// SilenceFrame returns one carrier frame of encoded silence.
func SilenceFrame() []byte {
	frame := make([]byte, FrameBytes)
	for i := range frame {
		frame[i] = SilenceByte
	}
	return frame
}

func encodeMuLawSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

func decodeMuLawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)

	v := (mantissa<<3 + muLawBias) << exponent
	v -= muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}
