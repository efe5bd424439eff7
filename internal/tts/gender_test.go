package tts

import (
	"math"
	"testing"
)

func sine(freq float64, sampleRate int, seconds float64) []float32 {
	n := int(float64(sampleRate) * seconds)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestClassifyByPitch(t *testing.T) {
	tests := []struct {
		name string
		freq float64
		want Gender
	}{
		{"低沉男声", 110, GenderMale},
		{"男声上限", 150, GenderMale},
		{"女声", 220, GenderFemale},
		{"高音女声", 300, GenderFemale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyByPitch(sine(tt.freq, 16000, 1), 16000)
			if got != tt.want {
				t.Errorf("ClassifyByPitch(%v Hz) = %v, want %v", tt.freq, got, tt.want)
			}
		})
	}
}

func TestClassifyByPitchUnknown(t *testing.T) {
	if g := ClassifyByPitch(make([]float32, 16000), 16000); g != GenderUnknown {
		t.Errorf("silence: got %v", g)
	}
	if g := ClassifyByPitch(sine(200, 16000, 0.05), 16000); g != GenderUnknown {
		t.Errorf("too short: got %v", g)
	}
	if g := ClassifyByPitch(nil, 0); g != GenderUnknown {
		t.Errorf("no rate: got %v", g)
	}
}
