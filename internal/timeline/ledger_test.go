package timeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/session"
)

type memorySink struct {
	records []Record
	err     error
}

func (m *memorySink) RecordCue(ctx context.Context, r Record) error {
	m.records = append(m.records, r)
	return m.err
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "00:00:00.000", FormatTimestamp(0))
	assert.Equal(t, "00:00:01.250", FormatTimestamp(1.25))
	assert.Equal(t, "01:02:03.004", FormatTimestamp(3723.004))
	assert.Equal(t, "00:00:00.000", FormatTimestamp(-3))
}

func TestParseTimestamp(t *testing.T) {
	v, err := ParseTimestamp("01:02:03.004")
	require.NoError(t, err)
	assert.InDelta(t, 3723.004, v, 1e-9)

	v, err = ParseTimestamp("02:03.500")
	require.NoError(t, err)
	assert.InDelta(t, 123.5, v, 1e-9)

	_, err = ParseTimestamp("abc")
	assert.Error(t, err)
}

func TestLedger_AppendSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.vtt")
	st := &session.State{ResumeIndex: 1}
	sink := &memorySink{}
	l, err := Open(path, st, sink)
	require.NoError(t, err)
	defer l.Close()

	next, err := l.Append(context.Background(), Record{Start: 0, End: 1.5, Text: "Hello.", ResumeIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	next, err = l.Append(context.Background(), Record{Start: 1.5, End: 2.25, Text: "World", ResumeIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, next)
	assert.Equal(t, 2.25, st.CumulativeTime)
	assert.Equal(t, 3, st.ResumeIndex)
	assert.Len(t, sink.records, 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want := "WEBVTT\n\n1\n00:00:00.000 --> 00:00:01.500\nHello.\n\n2\n00:00:01.500 --> 00:00:02.250\nWorld\n\n"
	assert.Equal(t, want, string(data))
}

func TestLedger_RejectsGapsAndBadIndex(t *testing.T) {
	st := &session.State{ResumeIndex: 1}
	l, err := Open(filepath.Join(t.TempDir(), "job.vtt"), st, nil)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(context.Background(), Record{Start: 0.5, End: 1, ResumeIndex: 1})
	assert.Equal(t, errs.KindFileOperation, errs.KindOf(err))

	_, err = l.Append(context.Background(), Record{Start: 0, End: 1, ResumeIndex: 2})
	assert.Error(t, err)

	_, err = l.Append(context.Background(), Record{Start: 0, End: -1, ResumeIndex: 1})
	assert.Error(t, err)

	assert.Equal(t, 1, st.ResumeIndex)
	assert.Zero(t, st.CumulativeTime)
	assert.Empty(t, l.Records())
}

func TestLedger_ResumeFromExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.vtt")
	st := &session.State{ResumeIndex: 1}
	l, err := Open(path, st, nil)
	require.NoError(t, err)
	_, err = l.Append(context.Background(), Record{Start: 0, End: 0.75, Text: "One --> two", ResumeIndex: 1})
	require.NoError(t, err)
	_, err = l.Append(context.Background(), Record{Start: 0.75, End: 2, Text: "Three", ResumeIndex: 2})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	resumed := &session.State{ResumeIndex: 1}
	l2, err := Open(path, resumed, nil)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, 3, resumed.ResumeIndex)
	assert.InDelta(t, 2.0, resumed.CumulativeTime, 1e-9)
	recs := l2.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "One -> two", recs[0].Text)

	_, err = l2.Append(context.Background(), Record{Start: resumed.CumulativeTime, End: 3, Text: "Four", ResumeIndex: 3})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "WEBVTT"))
}

func TestLedger_SinkFailureIsNotFatal(t *testing.T) {
	st := &session.State{ResumeIndex: 1}
	sink := &memorySink{err: errors.New("db locked")}
	l, err := Open(filepath.Join(t.TempDir(), "job.vtt"), st, sink)
	require.NoError(t, err)
	defer l.Close()

	next, err := l.Append(context.Background(), Record{Start: 0, End: 1, Text: "x", ResumeIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, next)
}

func TestLedger_AppendAfterClose(t *testing.T) {
	st := &session.State{ResumeIndex: 1}
	l, err := Open(filepath.Join(t.TempDir(), "job.vtt"), st, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Append(context.Background(), Record{Start: 0, End: 1, ResumeIndex: 1})
	assert.True(t, errs.Is(err, errs.KindFileOperation))
}

func TestParseVTT_WithoutIdentifiers(t *testing.T) {
	in := "WEBVTT\n\n00:00:00.000 --> 00:00:01.000\nA\n\n00:00:01.000 --> 00:00:02.000 align:start\nB\nC\n"
	recs, err := ParseVTT(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, recs[1].ResumeIndex)
	assert.Equal(t, "B\nC", recs[1].Text)
	assert.InDelta(t, 2.0, recs[1].End, 1e-9)
}

func TestParseVTT_Malformed(t *testing.T) {
	_, err := ParseVTT(strings.NewReader("WEBVTT\n\n1\nno timing here\n"))
	assert.Error(t, err)
}

func TestWriteVTT_RoundTrip(t *testing.T) {
	recs := []Record{
		{Start: 0, End: 1.5, Text: "Hello—", ResumeIndex: 1},
		{Start: 1.5, End: 3.25, Text: "World.", ResumeIndex: 2},
	}
	var b strings.Builder
	require.NoError(t, WriteVTT(&b, recs))
	assert.True(t, strings.HasPrefix(b.String(), "WEBVTT\n\n"))

	parsed, err := ParseVTT(strings.NewReader(b.String()))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "World.", parsed[1].Text)
	assert.Equal(t, 2, parsed[1].ResumeIndex)
	assert.InDelta(t, 3.25, parsed[1].End, 1e-9)
}
