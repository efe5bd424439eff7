package modelcache

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	closed int
	err    error
}

func (h *fakeHandle) Close() error {
	h.closed++
	return h.err
}

type recordingObserver struct {
	admitted, rejected int
	lastResident       uint64
}

func (o *recordingObserver) ObserveAdmission(admitted bool, resident uint64) {
	if admitted {
		o.admitted++
	} else {
		o.rejected++
	}
	o.lastResident = resident
}

const gb = 1 << 30

func TestKey_String(t *testing.T) {
	assert.Equal(t, "vits-default", Key{Engine: "vits"}.String())
	assert.Equal(t, "vits-fine_tuned-custom-alice", Key{Engine: "vits", Variant: "fine_tuned", Custom: "alice"}.String())
}

func TestMaybeInsert_AdmitsWhenRoom(t *testing.T) {
	obs := &recordingObserver{}
	c := New(obs)
	h := &fakeHandle{}

	ok := c.MaybeInsert(Key{Engine: "vits"}, h, 2*gb, 8*gb)
	require.True(t, ok)

	got, found := c.Lookup(Key{Engine: "vits"})
	require.True(t, found)
	assert.Same(t, h, got)
	assert.Equal(t, uint64(2*gb), c.ResidentSize())
	assert.Equal(t, uint64(8*gb), c.LastAdmissionSnapshot())
	assert.Equal(t, 1, obs.admitted)
}

func TestMaybeInsert_RejectsWhenSnapshotTooSmall(t *testing.T) {
	obs := &recordingObserver{}
	c := New(obs)

	ok := c.MaybeInsert(Key{Engine: "matcha"}, &fakeHandle{}, 4*gb, 3*gb)
	assert.False(t, ok)

	_, found := c.Lookup(Key{Engine: "matcha"})
	assert.False(t, found)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1, obs.rejected)
}

func TestMaybeInsert_CountsResident(t *testing.T) {
	c := New(nil)
	require.True(t, c.MaybeInsert(Key{Engine: "a"}, &fakeHandle{}, 3*gb, 8*gb))
	// resident 3 + 5 = 8，并不严格小于可用量 8
	assert.False(t, c.MaybeInsert(Key{Engine: "b"}, &fakeHandle{}, 5*gb, 8*gb))
	assert.True(t, c.MaybeInsert(Key{Engine: "c"}, &fakeHandle{}, 4*gb, 8*gb))
	assert.LessOrEqual(t, c.ResidentSize(), c.LastAdmissionSnapshot())
}

func TestMaybeInsert_ExistingKeyIsNoop(t *testing.T) {
	c := New(nil)
	first := &fakeHandle{}
	require.True(t, c.MaybeInsert(Key{Engine: "vits"}, first, gb, 4*gb))
	assert.True(t, c.MaybeInsert(Key{Engine: "vits"}, &fakeHandle{}, gb, 0))

	got, _ := c.Lookup(Key{Engine: "vits"})
	assert.Same(t, first, got)
	assert.Equal(t, uint64(gb), c.ResidentSize())
}

func TestCache_ConcurrentLookups(t *testing.T) {
	c := New(nil)
	require.True(t, c.MaybeInsert(Key{Engine: "vits"}, &fakeHandle{}, 1, 100))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.MaybeInsert(Key{Engine: "kokoro", Custom: string(rune('a' + i))}, &fakeHandle{}, 1, 100)
			_, ok := c.Lookup(Key{Engine: "vits"})
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 17, c.Len())
}

func TestCache_CloseReleasesAll(t *testing.T) {
	c := New(nil)
	a := &fakeHandle{}
	b := &fakeHandle{err: errors.New("busy")}
	c.MaybeInsert(Key{Engine: "a"}, a, 1, 10)
	c.MaybeInsert(Key{Engine: "b"}, b, 1, 10)
	assert.Equal(t, []string{"a-default", "b-default"}, c.Keys())

	err := c.Close()
	assert.ErrorContains(t, err, "busy")
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.ResidentSize())
}
