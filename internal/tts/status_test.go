package tts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/session"
)

// stubBackend 可控的后端，synthErr 非空时合成失败。
type stubBackend struct {
	loadErr  error
	synthErr error
	released int
	onSynth  func()
}

func (s *stubBackend) ID() EngineID { return "stub" }
func (s *stubBackend) Load(context.Context, *session.Job, *session.State) error {
	return s.loadErr
}
func (s *stubBackend) SampleRate() int { return 16000 }
func (s *stubBackend) Close() error    { return nil }
func (s *stubBackend) Release() bool   { s.released++; return true }

func (s *stubBackend) Synthesize(context.Context, string, session.Voice, session.Params) ([]float32, int, error) {
	if s.onSynth != nil {
		s.onSynth()
	}
	if s.synthErr != nil {
		return nil, 0, s.synthErr
	}
	return []float32{0.5}, 16000, nil
}

func TestGuard_Lifecycle(t *testing.T) {
	g := Guard(&stubBackend{})
	assert.Equal(t, StatusUninitialized, g.Status())
	assert.Same(t, g, Guard(g))

	_, _, err := g.Synthesize(context.Background(), "hi", session.Voice{}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindEngine))

	job := session.NewJob("stub")
	require.NoError(t, g.Load(context.Background(), job, session.NewState(job)))
	assert.Equal(t, StatusReady, g.Status())

	_, _, err = g.Synthesize(context.Background(), "hi", session.Voice{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, g.Status())

	require.NoError(t, g.Close())
	assert.Equal(t, StatusUninitialized, g.Status())
}

func TestGuard_ProcessingDuringSynthesis(t *testing.T) {
	stub := &stubBackend{}
	g := Guard(stub)
	job := session.NewJob("stub")
	require.NoError(t, g.Load(context.Background(), job, session.NewState(job)))

	var during Status
	var released bool
	stub.onSynth = func() {
		during = g.Status()
		released = g.Release()
	}
	_, _, err := g.Synthesize(context.Background(), "hi", session.Voice{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, during)
	assert.False(t, released)
	assert.Zero(t, stub.released)

	assert.True(t, g.Release())
	assert.Equal(t, 1, stub.released)
}

func TestGuard_LoadFailureBlocksSynthesis(t *testing.T) {
	g := Guard(&stubBackend{loadErr: errs.New(errs.KindModelLoad, "tts", "no model")})
	job := session.NewJob("stub")
	require.Error(t, g.Load(context.Background(), job, session.NewState(job)))
	assert.Equal(t, StatusError, g.Status())

	_, _, err := g.Synthesize(context.Background(), "hi", session.Voice{}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindEngine))
	assert.Contains(t, err.Error(), "error")
}

func TestGuard_SentenceFailureKeepsReady(t *testing.T) {
	stub := &stubBackend{synthErr: errors.New("bad input")}
	g := Guard(stub)
	job := session.NewJob("stub")
	require.NoError(t, g.Load(context.Background(), job, session.NewState(job)))

	_, _, err := g.Synthesize(context.Background(), "hi", session.Voice{}, nil)
	require.Error(t, err)
	assert.Equal(t, StatusReady, g.Status())

	stub.synthErr = errs.New(errs.KindModelLoad, "tts", "reload failed")
	_, _, err = g.Synthesize(context.Background(), "hi", session.Voice{}, nil)
	require.Error(t, err)
	assert.Equal(t, StatusError, g.Status())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "processing", StatusProcessing.String())
	assert.Equal(t, "unknown", Status(99).String())
}
