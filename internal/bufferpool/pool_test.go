package bufferpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingTracker struct {
	reserved int64
	released int64
}

func (t *recordingTracker) Reserve(bytes int64) bool {
	t.reserved += bytes
	return true
}

func (t *recordingTracker) Release(bytes int64) {
	t.released += bytes
}

func TestPoolAcquireReservesBudget(t *testing.T) {
	tr := &recordingTracker{}
	p := New(2, 1024, tr)

	b, err := p.Acquire(time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1024), tr.reserved)
	require.Equal(t, int64(0), tr.released)

	b.Append([]byte("hello"))
	require.Equal(t, 5, b.Size())

	p.Release(b)
	require.Equal(t, int64(1024), tr.released)
}

func TestPoolAcquireExhaustedTimesOut(t *testing.T) {
	tr := &recordingTracker{}
	p := New(1, 64, tr)

	_, err := p.Acquire(time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(10 * time.Millisecond)
	require.Error(t, err)
}
