package audio

import (
	"math"
	"testing"
)

func TestPCM16ToFloat32_Empty(t *testing.T) {
	if out := PCM16ToFloat32(nil); len(out) != 0 {
		t.Fatalf("expected empty slice, got length %d", len(out))
	}
}

func TestPCM16ToFloat32_LittleEndian(t *testing.T) {
	// 0x7FFF little-endian = {0xFF, 0x7F} -> 1.0
	out := PCM16ToFloat32([]byte{0xFF, 0x7F, 0x00, 0x00, 0x01})
	if len(out) != 2 {
		t.Fatalf("expected 2 samples (odd trailing byte dropped), got %d", len(out))
	}
	if out[0] != 1.0 || out[1] != 0 {
		t.Fatalf("unexpected samples %v", out)
	}
}

func TestFloat32ToPCM16_Clamp(t *testing.T) {
	b := Float32ToPCM16([]float32{1.5, -1.5})
	out := PCM16ToFloat32(b)
	if out[0] != 1.0 {
		t.Errorf("expected high clamp to 1.0, got %f", out[0])
	}
	if out[1] != -1.0 {
		t.Errorf("expected low clamp to -1.0, got %f", out[1])
	}
}

func TestPCM16_Roundtrip(t *testing.T) {
	in := []float32{0, 0.5, -0.25, 1.0}
	out := PCM16ToFloat32(Float32ToPCM16(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1.0/math.MaxInt16 {
			t.Errorf("index %d: expected ~%f, got %f", i, in[i], out[i])
		}
	}
}

func TestStereoPCM16ToMono_Average(t *testing.T) {
	// left = 16384, right = 0 -> mono 0.25
	frame := []byte{0x00, 0x40, 0x00, 0x00}
	out := StereoPCM16ToMono(append(frame, 0x01, 0x02))
	if len(out) != 1 {
		t.Fatalf("expected 1 frame (partial frame dropped), got %d", len(out))
	}
	if out[0] != 0.25 {
		t.Fatalf("expected 0.25, got %f", out[0])
	}
}
