package tts

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iabetor/narrator/internal/audio"
)

type recordingShifter struct {
	calls []float64
}

func (r *recordingShifter) Shift(_ context.Context, seg audio.Segment, semitones float64) (audio.Segment, error) {
	r.calls = append(r.calls, semitones)
	return seg, nil
}

type recordingConverter struct {
	refs []string
}

func (r *recordingConverter) Convert(_ context.Context, src audio.Segment, reference string) (audio.Segment, error) {
	r.refs = append(r.refs, reference)
	return src, nil
}

// byLength 以样本数区分参考音频与合成结果，用于构造确定的性别组合。
func byLength(clipLen int, clip, synthesized Gender, calls *int) GenderClassifier {
	return func(samples []float32, _ int) Gender {
		*calls++
		if len(samples) == clipLen {
			return clip
		}
		return synthesized
	}
}

func writeClip(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, audio.WriteWAVFile(path, audio.Segment{Samples: make([]float32, n), SampleRate: 16000}))
	return path
}

func TestVoiceAdapterSemitones(t *testing.T) {
	tests := []struct {
		name        string
		clip, synth Gender
		want        []float64
	}{
		{"男声参考，女声合成", GenderMale, GenderFemale, []float64{-4}},
		{"女声参考，男声合成", GenderFemale, GenderMale, []float64{4}},
		{"性别一致", GenderFemale, GenderFemale, nil},
		{"无法判断", GenderUnknown, GenderMale, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clip := writeClip(t, 1600)
			calls := 0
			shifter := &recordingShifter{}
			conv := &recordingConverter{}
			a := newVoiceAdapter(conv, shifter, byLength(1600, tt.clip, tt.synth, &calls))

			seg := audio.Segment{Samples: make([]float32, 800), SampleRate: 16000}
			_, err := a.adapt(context.Background(), seg, clip)
			require.NoError(t, err)
			assert.Equal(t, tt.want, shifter.calls)
			assert.Equal(t, []string{clip}, conv.refs)
		})
	}
}

func TestVoiceAdapterCachesSemitones(t *testing.T) {
	clip := writeClip(t, 1600)
	calls := 0
	shifter := &recordingShifter{}
	a := newVoiceAdapter(&recordingConverter{}, shifter, byLength(1600, GenderFemale, GenderFemale, &calls))

	seg := audio.Segment{Samples: make([]float32, 800), SampleRate: 16000}
	for i := 0; i < 3; i++ {
		_, err := a.adapt(context.Background(), seg, clip)
		require.NoError(t, err)
	}
	// 移调量为 0 也只计算一次
	assert.Equal(t, 2, calls)
	assert.Empty(t, shifter.calls)
}

func TestVoiceAdapterMissingClip(t *testing.T) {
	a := newVoiceAdapter(&recordingConverter{}, &recordingShifter{}, nil)
	_, err := a.adapt(context.Background(), audio.Segment{Samples: []float32{0.1}, SampleRate: 16000}, "/nonexistent/clip.wav")
	assert.Error(t, err)
}

func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("需要 sh")
	}
	path := filepath.Join(t.TempDir(), "fake")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return path
}

func TestSoxShifter(t *testing.T) {
	bin := fakeBinary(t, "cat")
	seg := audio.Segment{Samples: []float32{0, 0.5, -0.5, 0.25}, SampleRate: 22050}

	out, err := SoxShifter{Binary: bin}.Shift(context.Background(), seg, -4)
	require.NoError(t, err)
	assert.Equal(t, 22050, out.SampleRate)
	require.Len(t, out.Samples, 4)
	assert.InDelta(t, 0.5, out.Samples[1], 1e-3)

	same, err := SoxShifter{Binary: "/nonexistent/sox"}.Shift(context.Background(), seg, 0)
	require.NoError(t, err)
	assert.Equal(t, seg, same)
}

func TestSoxShifterFailure(t *testing.T) {
	bin := fakeBinary(t, "echo boom >&2; exit 2")
	_, err := SoxShifter{Binary: bin}.Shift(context.Background(), audio.Segment{Samples: []float32{0.1}, SampleRate: 16000}, 4)
	assert.Error(t, err)
}

func TestCommandConverter(t *testing.T) {
	// 把 source 原样复制为 output
	bin := fakeBinary(t, `cp "$2" "$4"`)
	conv := CommandConverter{
		Command: []string{bin, "{model}", "{source}", "{reference}", "{output}"},
		Model:   "model.pth",
		TempDir: t.TempDir(),
	}
	seg := audio.Segment{Samples: []float32{0.1, 0.2, 0.3}, SampleRate: 16000}
	out, err := conv.Convert(context.Background(), seg, "ref.wav")
	require.NoError(t, err)
	assert.Equal(t, 16000, out.SampleRate)
	assert.Len(t, out.Samples, 3)

	_, err = CommandConverter{}.Convert(context.Background(), seg, "ref.wav")
	assert.Error(t, err)
}
