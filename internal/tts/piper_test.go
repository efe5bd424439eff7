package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/modelcache"
	"github.com/iabetor/narrator/internal/resolver"
	"github.com/iabetor/narrator/internal/session"
)

// fakePiper 输出 4 个字节（两个样本）的原始 PCM。
func fakePiper(t *testing.T) string {
	return fakeBinary(t, `cat >/dev/null; printf '\000\100\000\300'`)
}

func TestPiperFromRepository(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "piper", "default")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "voice.onnx"), []byte("x"), 0644))

	deps := Deps{
		Resolver: resolver.New(modelcache.New(nil), resolver.DirProvider{Root: root}, nil),
		Options:  Options{PiperBinary: fakePiper(t)},
	}
	b := newPiperBackend(deps)
	job := session.NewJob("piper")
	st := session.NewState(job)
	require.NoError(t, b.Load(context.Background(), job, st))
	assert.Equal(t, "piper-default-default", st.ModelKey)

	samples, sr, err := b.Synthesize(context.Background(), "hello", session.Voice{}, nil)
	require.NoError(t, err)
	assert.Equal(t, piperSampleRate, sr)
	require.Len(t, samples, 2)
	assert.InDelta(t, 0.5, samples[0], 1e-3)
	assert.InDelta(t, -0.5, samples[1], 1e-3)
	assert.NoError(t, b.Close())
}

func TestPiperExplicitModel(t *testing.T) {
	model := filepath.Join(t.TempDir(), "voice.onnx")
	require.NoError(t, os.WriteFile(model, []byte("x"), 0644))

	b := newPiperBackend(Deps{Options: Options{PiperBinary: fakePiper(t), PiperModel: model}})
	job := session.NewJob("piper")
	require.NoError(t, b.Load(context.Background(), job, session.NewState(job)))

	samples, _, err := b.Synthesize(context.Background(), "hello", session.Voice{}, session.Params{"speed": 1.25})
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestPiperMissingModel(t *testing.T) {
	b := newPiperBackend(Deps{Options: Options{PiperModel: "/nonexistent/voice.onnx"}})
	job := session.NewJob("piper")
	err := b.Load(context.Background(), job, session.NewState(job))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindModelLoad))
}

func TestPiperProcessFailure(t *testing.T) {
	model := filepath.Join(t.TempDir(), "voice.onnx")
	require.NoError(t, os.WriteFile(model, []byte("x"), 0644))

	b := newPiperBackend(Deps{Options: Options{PiperBinary: fakeBinary(t, "exit 1"), PiperModel: model}})
	job := session.NewJob("piper")
	require.NoError(t, b.Load(context.Background(), job, session.NewState(job)))

	_, _, err := b.Synthesize(context.Background(), "hello", session.Voice{}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindEngine))
}
