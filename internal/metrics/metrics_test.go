package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSentence(t *testing.T) {
	m := New()
	m.ObserveSentence("vits", "converted", 200*time.Millisecond)
	m.ObserveSentence("vits", "skipped", 0)
	m.ObserveSentence("vits", "converted", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sentences.WithLabelValues("vits", "converted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sentences.WithLabelValues("vits", "skipped")))
}

func TestObserveAdmission(t *testing.T) {
	m := New()
	m.ObserveAdmission(true, 1024)
	m.ObserveAdmission(false, 1024)

	assert.Equal(t, 1024.0, testutil.ToFloat64(m.cacheResident))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheAdmissions.WithLabelValues("rejected")))
}

func TestJobsGauge(t *testing.T) {
	m := New()
	m.JobStarted()
	m.JobStarted()
	m.JobFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsRunning))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveUsage("system", 0.42)
	m.ObserveCleanup("balanced")
	m.ObservePressure("high")
	m.ObserveAudio(1.5)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	for _, want := range []string{
		`narrator_memory_usage_ratio{source="system"} 0.42`,
		`narrator_memory_cleanups_total{strategy="balanced"} 1`,
		`narrator_memory_pressure_signals_total{level="high"} 1`,
		`narrator_audio_seconds_total 1.5`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q", want)
	}
}
