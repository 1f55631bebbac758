package audio

import (
	"encoding/base64"
	"encoding/binary"
)

// G.711 mu-law companding constants (ITU-T standard curve).
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// Telephony frame convention: 20 ms of 8 kHz mu-law audio.
const (
	TelephonySampleRate = 8000
	AISampleRate        = 16000
	FrameDuration20ms   = 160 // mu-law bytes per 20 ms frame at 8 kHz
)

// DecodeMulaw converts one mu-law byte to a linear PCM16 sample.
func DecodeMulaw(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	magnitude := ((int16(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias

	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

// EncodeMulaw converts a linear PCM16 sample to one mu-law byte. Magnitude
// math is done in int32: negating -32768 overflows int16 and would skip the
// clip below.
func EncodeMulaw(pcm int16) byte {
	sign := byte(0)
	magnitude := int32(pcm)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && magnitude&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(magnitude>>(exponent+3)) & 0x0F

	return ^(sign | (exponent << 4) | mantissa)
}

// MulawToPCM16 decodes 8 kHz mu-law audio into 16 kHz little-endian PCM16.
// Each input byte becomes two output samples: the decoded sample followed by
// the midpoint with the next sample. Output is always 4*len(mulaw) bytes.
func MulawToPCM16(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*4)
	for i, b := range mulaw {
		cur := DecodeMulaw(b)
		next := cur
		if i+1 < len(mulaw) {
			next = DecodeMulaw(mulaw[i+1])
		}
		mid := int16((int32(cur) + int32(next)) / 2)
		binary.LittleEndian.PutUint16(out[i*4:], uint16(cur))
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(mid))
	}
	return out
}

// PCM16ToMulaw encodes 16 kHz little-endian PCM16 into 8 kHz mu-law by
// averaging each adjacent sample pair. Output is floor(len(pcm)/4) bytes;
// a trailing partial sample is dropped.
func PCM16ToMulaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	pairs := samples / 2
	out := make([]byte, pairs)
	for i := 0; i < pairs; i++ {
		a := int16(binary.LittleEndian.Uint16(pcm[i*4:]))
		b := int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))
		out[i] = EncodeMulaw(int16((int32(a) + int32(b)) / 2))
	}
	return out
}

// MulawToPCM decodes mu-law audio to linear PCM int16 at the same rate.
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, b := range mulaw {
		pcm[i] = DecodeMulaw(b)
	}
	return pcm
}

// PCMToMulaw encodes linear PCM int16 to mu-law at the same rate.
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, s := range pcm {
		mulaw[i] = EncodeMulaw(s)
	}
	return mulaw
}

// BytesToPCM converts little-endian bytes to int16 samples. A trailing odd
// byte is dropped.
func BytesToPCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm
}

// PCMToBytes converts int16 samples to little-endian bytes.
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Resample performs linear-interpolation resampling between arbitrary rates.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(float64(len(input)) / ratio)
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			a := float64(input[srcIdx])
			b := float64(input[srcIdx+1])
			output[i] = int16(a + (b-a)*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}
	return output
}

// EncodeBase64 wraps audio bytes in the base64-over-JSON envelope both
// provider protocols use.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 unwraps a base64 audio payload.
func DecodeBase64(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
