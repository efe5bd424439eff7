package audio

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sine 生成指定时长的正弦波。
func sine(freq float64, seconds float64, sr int, amp float32) []float32 {
	n := int(seconds * float64(sr))
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(sr)))
	}
	return out
}

func TestSilence_Length(t *testing.T) {
	s := Silence(0.5, 16000)
	assert.Len(t, s.Samples, 8000)
	assert.InDelta(t, 0.5, s.Duration(), 1e-9)
	assert.Empty(t, Silence(-1, 16000).Samples)
}

func TestConcat(t *testing.T) {
	a := Segment{Samples: []float32{1, 2}, SampleRate: 8000}
	b := Segment{Samples: []float32{3}, SampleRate: 8000}
	out, err := Concat([]Segment{a, b})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, out.Samples)
	assert.Equal(t, 8000, out.SampleRate)

	_, err = Concat([]Segment{a, {Samples: []float32{1}, SampleRate: 16000}})
	assert.Error(t, err)

	empty, err := Concat(nil)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
}

func TestTrim_KeepsGuard(t *testing.T) {
	sr := 1000
	samples := make([]float32, 100)
	for i := 40; i < 60; i++ {
		samples[i] = 0.5
	}
	out := Trim(Segment{Samples: samples, SampleRate: sr}, TrimThreshold, 0.004)
	// 两侧各保留 4 个样本
	assert.Len(t, out.Samples, 20+8)
	assert.Equal(t, float32(0), out.Samples[0])
	assert.Equal(t, float32(0.5), out.Samples[4])
}

func TestTrim_AllSilentUnchanged(t *testing.T) {
	seg := Segment{Samples: make([]float32, 10), SampleRate: 1000}
	out := Trim(seg, TrimThreshold, TrimGuard)
	assert.Len(t, out.Samples, 10)
}

func TestTrim_GuardClampedAtEdges(t *testing.T) {
	seg := Segment{Samples: []float32{0.9, 0, 0, 0.9}, SampleRate: 1000}
	out := Trim(seg, TrimThreshold, 1)
	assert.Len(t, out.Samples, 4)
}

func TestFinite(t *testing.T) {
	assert.True(t, Finite([]float32{0, 1, -1}))
	assert.False(t, Finite([]float32{float32(math.NaN())}))
	assert.False(t, Finite([]float32{float32(math.Inf(1))}))
}

func TestWAV_FileRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.wav")
	in := Segment{Samples: sine(440, 0.1, 16000, 0.5), SampleRate: 16000}
	require.NoError(t, WriteWAVFile(path, in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Size(), int64(2*len(in.Samples)))

	out, err := ReadWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, out.SampleRate)
	require.Len(t, out.Samples, len(in.Samples))
	for i := range in.Samples {
		assert.InDelta(t, in.Samples[i], out.Samples[i], 1e-3)
	}
}

func TestEncodeWAV_InvalidRate(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "bad.wav"))
	require.NoError(t, err)
	defer f.Close()
	assert.Error(t, EncodeWAV(f, Segment{Samples: []float32{0}}))
}

func TestResample_Length(t *testing.T) {
	in := Segment{Samples: sine(220, 1.0, 22050, 0.3), SampleRate: 22050}
	out := Resample(in, 16000)
	assert.Equal(t, 16000, out.SampleRate)
	assert.InDelta(t, 16000, len(out.Samples), 50)

	same := Resample(in, 22050)
	assert.Len(t, same.Samples, len(in.Samples))
}

func TestDecodeMP3_Errors(t *testing.T) {
	_, err := DecodeMP3(context.Background(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DecodeMP3(ctx, []byte{0x00})
	assert.Error(t, err)
}
