package storage

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsslabs/shuffle/errs"
	"github.com/rsslabs/shuffle/internal/bufferpool"
	"github.com/rsslabs/shuffle/internal/devicemonitor"
	"github.com/rsslabs/shuffle/internal/diskflusher"
	"github.com/rsslabs/shuffle/internal/memtracker"
	"github.com/rsslabs/shuffle/model"
)

type noopTracker struct{}

func (noopTracker) Reserve(int64) bool { return true }
func (noopTracker) Release(int64)      {}

func newTestWriter(t *testing.T, splitThreshold uint64, hardSplit bool) (*FileWriter, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "filewriter-test")
	require.NoError(t, err)

	pool := bufferpool.New(4, 1<<20, noopTracker{})
	monitor := devicemonitor.New(time.Hour, 0.95)
	flusher := diskflusher.New(dir, 8, 1, pool, monitor, 0)

	key := model.PartitionKey{ShuffleID: "shuffle-1", PartitionID: 0, Epoch: 0}
	fw, err := New("app-1", key, model.RolePrimary, dir, pool, flusher, nil, 16, splitThreshold, hardSplit, 2*time.Second, 64)
	require.NoError(t, err)

	return fw, func() {
		flusher.Shutdown()
		os.RemoveAll(dir)
	}
}

func TestFileWriterWriteAndClose(t *testing.T) {
	fw, cleanup := newTestWriter(t, 0, false)
	defer cleanup()

	require.NoError(t, fw.Write(1, 0, []byte("hello world 1234")))
	require.NoError(t, fw.Write(1, 0, []byte("more data to push")))

	idx, err := fw.Close()
	require.NoError(t, err)
	require.NotEmpty(t, idx)
	require.Equal(t, int64(len("hello world 1234")+len("more data to push")), fw.Size())
	require.Equal(t, StateClosed, fw.State())
}

func TestFileWriterMapBitmap(t *testing.T) {
	fw, cleanup := newTestWriter(t, 0, false)
	defer cleanup()

	require.NoError(t, fw.Write(5, 0, []byte("abcdefghijklmnop")))
	require.True(t, fw.MapBitmapIntersects(0, 6))
	require.False(t, fw.MapBitmapIntersects(6, 10))

	_, err := fw.Close()
	require.NoError(t, err)
}

func TestFileWriterAbortRejectsWrites(t *testing.T) {
	fw, cleanup := newTestWriter(t, 0, false)
	defer cleanup()

	fw.Abort(nil)
	err := fw.Write(1, 0, []byte("x"))
	require.Error(t, err)
}

func TestFileWriterCommitValidatesBatchCount(t *testing.T) {
	fw, cleanup := newTestWriter(t, 0, false)
	defer cleanup()

	require.NoError(t, fw.Write(1, 0, []byte("batch-a")))
	require.NoError(t, fw.Write(1, 0, []byte("batch-b")))

	err := fw.Commit(1, 0, 1, []byte("commit-record"))
	require.Error(t, err)
	require.Equal(t, errs.KindCommitSequenceMismatch, errs.KindOf(err))

	require.NoError(t, fw.Commit(1, 0, 2, []byte("commit-record")))

	_, err = fw.Close()
	require.NoError(t, err)
}

func TestFileWriterImplementsMemtrackerListener(t *testing.T) {
	fw, cleanup := newTestWriter(t, 0, false)
	defer cleanup()

	var _ memtracker.Listener = fw

	require.NoError(t, fw.Write(1, 0, []byte("buffered only")))
	require.Equal(t, int64(0), fw.Size())

	fw.OnMemorySignal(memtracker.SignalPausePush)

	_, err := fw.Close()
	require.NoError(t, err)
	require.Equal(t, int64(len("buffered only")), fw.Size())
}

type recordingSplitNotifier struct {
	calls []model.PartitionKey
	hard  []bool
}

func (r *recordingSplitNotifier) NotifySplit(key model.PartitionKey, hard bool) {
	r.calls = append(r.calls, key)
	r.hard = append(r.hard, hard)
}

func TestFileWriterSoftSplitNotifiesOnce(t *testing.T) {
	dir, err := os.MkdirTemp("", "filewriter-split-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	pool := bufferpool.New(4, 1<<20, noopTracker{})
	monitor := devicemonitor.New(time.Hour, 0.95)
	flusher := diskflusher.New(dir, 8, 1, pool, monitor, 0)
	defer flusher.Shutdown()

	notifier := &recordingSplitNotifier{}
	key := model.PartitionKey{ShuffleID: "shuffle-1", PartitionID: 0, Epoch: 0}
	fw, err := New("app-1", key, model.RolePrimary, dir, pool, flusher, notifier, 16, 8, false, 2*time.Second, 64)
	require.NoError(t, err)

	require.NoError(t, fw.Write(1, 0, []byte("0123456789abcdef")))
	require.NoError(t, fw.Write(1, 0, []byte("more after split")))

	require.Len(t, notifier.calls, 1)
	require.False(t, notifier.hard[0])

	_, err = fw.Close()
	require.NoError(t, err)
}
