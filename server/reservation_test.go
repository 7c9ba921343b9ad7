package server

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsslabs/shuffle/internal/bufferpool"
	"github.com/rsslabs/shuffle/internal/devicemonitor"
	"github.com/rsslabs/shuffle/internal/diskflusher"
	"github.com/rsslabs/shuffle/internal/memtracker"
	"github.com/rsslabs/shuffle/model"
	"github.com/rsslabs/shuffle/registry"
)

type recordingNotifier struct{ calls int }

func (n *recordingNotifier) NotifySplit(model.PartitionKey, bool) { n.calls++ }

func newTestAllocator(t *testing.T, mounts []string) (*SlotAllocator, func()) {
	t.Helper()
	dirs := make([]string, len(mounts))
	pool := bufferpool.New(4, 1<<20, noopTracker{})
	monitor := devicemonitor.New(time.Hour, 0.95)
	flushers := make(map[string]*diskflusher.Flusher, len(mounts))
	for i := range mounts {
		dir, err := os.MkdirTemp("", "reservation-test")
		require.NoError(t, err)
		dirs[i] = dir
		flushers[dir] = diskflusher.New(dir, 8, 1, pool, monitor, 0)
		mounts[i] = dir
	}

	reg := registry.New()
	mt := memtracker.New(1<<30, 0.9, 0.95, 0.7)
	allocator := NewSlotAllocator("app1", "h1", 17001, 17002, reg, mt, pool, flushers, mounts, &recordingNotifier{}, WriterConfig{
		FlushBufferSize: 1 << 20, SplitThreshold: 0, HardSplit: false, FlushTimeout: 2 * time.Second, ChunkSize: 64,
	})

	return allocator, func() {
		for _, f := range flushers {
			f.Shutdown()
		}
		for _, d := range dirs {
			os.RemoveAll(d)
		}
	}
}

func TestSlotAllocatorReserveSlotRegistersWriter(t *testing.T) {
	mounts := []string{"", ""}
	allocator, cleanup := newTestAllocator(t, mounts)
	defer cleanup()

	loc, err := allocator.ReserveSlot("shuffle1", 0, model.RolePrimary, false, "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, loc.Epoch)
	require.Equal(t, "h1", loc.Host)

	key := model.PartitionKey{ShuffleID: "shuffle1", PartitionID: 0, Epoch: 0}
	entry, err := allocator.reg.Lookup(key)
	require.NoError(t, err)
	require.Equal(t, model.RolePrimary, entry.Location.Role)
}

func TestSlotAllocatorRoundRobinsMounts(t *testing.T) {
	mounts := []string{"", "", ""}
	allocator, cleanup := newTestAllocator(t, mounts)
	defer cleanup()

	var seen []string
	for i := 0; i < len(mounts)*2; i++ {
		loc, err := allocator.ReserveSlot("shuffle1", i, model.RolePrimary, false, "", 0, 0)
		require.NoError(t, err)
		seen = append(seen, loc.DiskMount)
	}

	require.Equal(t, seen[0], seen[len(mounts)])
	require.NotEqual(t, seen[0], seen[1])
}

func TestSlotAllocatorBumpsEpochOnReReserve(t *testing.T) {
	mounts := []string{""}
	allocator, cleanup := newTestAllocator(t, mounts)
	defer cleanup()

	loc1, err := allocator.ReserveSlot("shuffle1", 0, model.RolePrimary, false, "", 0, 0)
	require.NoError(t, err)
	loc2, err := allocator.ReserveSlot("shuffle1", 0, model.RolePrimary, false, "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, loc1.Epoch+1, loc2.Epoch)
}
