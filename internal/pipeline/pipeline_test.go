package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iabetor/narrator/internal/audio"
	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/session"
	"github.com/iabetor/narrator/internal/timeline"
)

const testRate = 16000

// fakeSynth 返回固定长度的正弦波，记录收到的文本。
type fakeSynth struct {
	rate    int
	samples int
	texts   []string
	err     error
	out     []float32
}

func (f *fakeSynth) Synthesize(_ context.Context, text string, _ session.Voice, _ session.Params) ([]float32, int, error) {
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, 0, f.err
	}
	if f.out != nil {
		return f.out, f.rate, nil
	}
	out := make([]float32, f.samples)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(float64(i)/5))
	}
	return out, f.rate, nil
}

type failingLedger struct{}

func (failingLedger) Append(context.Context, timeline.Record) (int, error) {
	return 0, errs.New(errs.KindFileOperation, "timeline", "disk full")
}

type harness struct {
	job    *session.Job
	st     *session.State
	synth  *fakeSynth
	ledger *timeline.Ledger
	conv   *Converter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	job := session.NewJob("vits")
	job.OutputDir = t.TempDir()
	st := session.NewState(job)
	ledger, err := timeline.Open(filepath.Join(job.OutputDir, job.CueFileName()), st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	synth := &fakeSynth{rate: testRate, samples: testRate}
	conv, err := New(job, st, synth, ledger, Options{SampleRate: testRate, Rand: func() float64 { return 0.5 }})
	require.NoError(t, err)
	return &harness{job: job, st: st, synth: synth, ledger: ledger, conv: conv}
}

func (h *harness) wav(t *testing.T, idx int) audio.Segment {
	t.Helper()
	seg, err := audio.ReadWAVFile(filepath.Join(h.job.OutputDir, strconv.Itoa(idx)+".wav"))
	require.NoError(t, err)
	return seg
}

func TestConvert_FlushesSentence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conv.Convert(context.Background(), 0, "Hello world"))

	assert.Equal(t, []string{"Hello world—"}, h.synth.texts)
	assert.Equal(t, StageDone, h.conv.Stage())
	assert.Equal(t, 2, h.st.ResumeIndex)

	seg := h.wav(t, 1)
	assert.Equal(t, testRate, seg.SampleRate)
	recs := h.ledger.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "Hello world", recs[0].Text)
	assert.Equal(t, 0.0, recs[0].Start)
	assert.InDelta(t, seg.Duration(), recs[0].End, 1e-6)
	assert.Equal(t, recs[0].End, h.st.CumulativeTime)
	assert.Zero(t, h.conv.PendingDuration())
}

func TestConvert_PunctuationAddsTrailingSilence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conv.Convert(context.Background(), 0, "Hello."))

	// 句号结尾：不裁剪，追加 0.45s 静音
	seg := h.wav(t, 1)
	assert.Len(t, seg.Samples, testRate+int(0.45*testRate))
	assert.Equal(t, []string{"Hello."}, h.synth.texts)
}

func TestConvert_SpecialTokensCarryToNextSentence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.conv.Convert(ctx, 0, h.job.Tokens.Break))
	require.NoError(t, h.conv.Convert(ctx, 1, h.job.Tokens.Pause))
	require.NoError(t, h.conv.Convert(ctx, 2, "— —"))
	assert.Empty(t, h.synth.texts)
	assert.InDelta(t, 0.45+1.4+1.4, h.conv.PendingDuration(), 1e-3)
	assert.Equal(t, 3, h.conv.Stats().Absorbed)

	require.NoError(t, h.conv.Convert(ctx, 3, "Next."))
	seg := h.wav(t, 1)
	assert.InDelta(t, 0.45+1.4+1.4+1+0.45, seg.Duration(), 1e-3)
	assert.Equal(t, 1, h.conv.Stats().Flushed)
}

func TestConvert_EmptySentence(t *testing.T) {
	h := newHarness(t)
	err := h.conv.Convert(context.Background(), 0, "   ")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Equal(t, StageFailed, h.conv.Stage())
}

func TestConvert_EngineFailureRestoresPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.conv.Convert(ctx, 0, h.job.Tokens.Break))
	before := h.conv.PendingDuration()

	h.synth.err = errors.New("boom")
	err := h.conv.Convert(ctx, 1, "Hello")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindEngine))
	assert.Equal(t, before, h.conv.PendingDuration())
	assert.Equal(t, 1, h.st.ResumeIndex)
	assert.Equal(t, 1, h.conv.Stats().Failed)
}

func TestConvert_BadAudio(t *testing.T) {
	tests := []struct {
		name string
		out  []float32
	}{
		{"empty", []float32{}},
		{"nan", []float32{0.1, float32(math.NaN())}},
		{"inf", []float32{float32(math.Inf(1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.synth.out = tt.out
			if len(tt.out) == 0 {
				h.synth.samples = 0
				h.synth.out = nil
			}
			err := h.conv.Convert(context.Background(), 0, "Hello")
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindAudioProcessing))
		})
	}
}

func TestConvert_LedgerFailureLeavesNoFile(t *testing.T) {
	job := session.NewJob("vits")
	job.OutputDir = t.TempDir()
	st := session.NewState(job)
	conv, err := New(job, st, &fakeSynth{rate: testRate, samples: 100}, failingLedger{}, Options{SampleRate: testRate})
	require.NoError(t, err)

	err = conv.Convert(context.Background(), 0, "Hello")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindFileOperation))

	entries, err := os.ReadDir(job.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConvert_Resamples(t *testing.T) {
	h := newHarness(t)
	h.synth.rate = 2 * testRate
	h.synth.samples = 2 * testRate
	require.NoError(t, h.conv.Convert(context.Background(), 0, "Hello."))
	seg := h.wav(t, 1)
	assert.Equal(t, testRate, seg.SampleRate)
	assert.InDelta(t, 1.45, seg.Duration(), 0.01)
}

func TestConvert_ContiguousTimeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, s := range []string{"One.", "Two", h.job.Tokens.Break, "Three!"} {
		require.NoError(t, h.conv.Convert(ctx, i, s))
	}
	recs := h.ledger.Records()
	require.Len(t, recs, 3)
	for i := 1; i < len(recs); i++ {
		assert.Equal(t, recs[i-1].End, recs[i].Start)
		assert.Equal(t, recs[i-1].ResumeIndex+1, recs[i].ResumeIndex)
	}
	assert.Equal(t, recs[2].End, h.st.CumulativeTime)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello", "Hello—"},
		{"Hello.", "Hello."},
		{`He said "go"`, "He said \"go—"},
		{"It’s done’", "It’s done—"},
		{"wait—", "wait—"},
		{"数字 42", "数字 42—"},
		{"你好", "你好—"},
		{`"`, ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConvert_RenameFailureRecordsNoCue(t *testing.T) {
	h := newHarness(t)
	// 目标路径被非空目录占用，改名失败
	blocker := filepath.Join(h.job.OutputDir, "1.wav")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0755))

	err := h.conv.Convert(context.Background(), 0, "Hello.")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindFileOperation))
	assert.Empty(t, h.ledger.Records())
	assert.Zero(t, h.st.CumulativeTime)
	assert.Equal(t, 1, h.st.ResumeIndex)
	assert.NoFileExists(t, blocker+".tmp")
}
