package audio

import (
	"encoding/binary"
	"testing"
)

func TestMulawRoundTripQuantization(t *testing.T) {
	// G.711 quantization error is bounded by half the step size of the
	// segment the sample falls in; the coarsest segment has step 256.
	for s := -32768; s <= 32767; s += 13 {
		sample := int16(s)
		decoded := DecodeMulaw(EncodeMulaw(sample))

		mag := int32(sample)
		if mag < 0 {
			mag = -mag
		}
		bound := int32(16)
		for seg := int32(0x80); seg < 0x8000 && mag+mulawBias >= seg; seg <<= 1 {
			bound <<= 1
		}

		diff := int32(decoded) - int32(sample)
		if diff < 0 {
			diff = -diff
		}
		if diff > bound {
			t.Fatalf("sample %d decoded to %d, error %d exceeds bound %d", sample, decoded, diff, bound)
		}
	}
}

func TestEncodeMulawClamps(t *testing.T) {
	if EncodeMulaw(32767) != EncodeMulaw(mulawClip) {
		t.Errorf("positive overflow not clamped to %d", mulawClip)
	}
	if EncodeMulaw(-32768) != EncodeMulaw(-mulawClip) {
		t.Errorf("negative overflow not clamped to -%d", mulawClip)
	}
	// -32768 is the one magnitude int16 negation cannot represent; it must
	// clamp and land in the top segment, not wrap to silence.
	if got := DecodeMulaw(EncodeMulaw(-32768)); got != -32124 {
		t.Errorf("round trip of -32768 = %d, want -32124", got)
	}
}

func TestDecodeMulawExtremes(t *testing.T) {
	if got := DecodeMulaw(0xFF); got != 0 {
		t.Errorf("0xFF should decode to silence, got %d", got)
	}
	if got := DecodeMulaw(0x00); got != -32124 {
		t.Errorf("0x00 should decode to -32124, got %d", got)
	}
	if got := DecodeMulaw(0x80); got != 32124 {
		t.Errorf("0x80 should decode to 32124, got %d", got)
	}
}

func TestMulawToPCM16Length(t *testing.T) {
	for _, n := range []int{0, 1, 7, 160, 1024} {
		in := make([]byte, n)
		out := MulawToPCM16(in)
		if len(out) != 4*n {
			t.Errorf("len(MulawToPCM16(%d bytes)) = %d, want %d", n, len(out), 4*n)
		}
	}
}

func TestMulawToPCM16Midpoint(t *testing.T) {
	in := []byte{EncodeMulaw(0), EncodeMulaw(1000)}
	out := MulawToPCM16(in)

	s0 := int16(binary.LittleEndian.Uint16(out[0:]))
	mid := int16(binary.LittleEndian.Uint16(out[2:]))
	s1 := int16(binary.LittleEndian.Uint16(out[4:]))

	want := int16((int32(s0) + int32(s1)) / 2)
	if mid != want {
		t.Errorf("midpoint = %d, want %d (between %d and %d)", mid, want, s0, s1)
	}
}

func TestPCM16ToMulawLength(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 5, 6, 10, 640} {
		in := make([]byte, n)
		out := PCM16ToMulaw(in)
		if len(out) != n/4 {
			t.Errorf("len(PCM16ToMulaw(%d bytes)) = %d, want %d", n, len(out), n/4)
		}
	}
}

func TestPCM16ToMulawAverages(t *testing.T) {
	in := PCMToBytes([]int16{2000, 4000})
	out := PCM16ToMulaw(in)
	if len(out) != 1 {
		t.Fatalf("expected one mu-law byte, got %d", len(out))
	}
	if out[0] != EncodeMulaw(3000) {
		t.Errorf("pair not averaged: got %#x, want %#x", out[0], EncodeMulaw(3000))
	}
}

func TestResampleLengths(t *testing.T) {
	in := make([]int16, 800)
	if got := len(Resample(in, 8000, 16000)); got != 1600 {
		t.Errorf("8k->16k: got %d samples, want 1600", got)
	}
	if got := len(Resample(in, 8000, 8000)); got != 800 {
		t.Errorf("same-rate resample should be identity, got %d", got)
	}
	if got := len(Resample(in, 16000, 8000)); got != 400 {
		t.Errorf("16k->8k: got %d samples, want 400", got)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	in := []byte{0x00, 0x7F, 0xFF, 0x42}
	out, err := DecodeBase64(EncodeBase64(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("round trip mismatch: %v != %v", out, in)
	}
}
