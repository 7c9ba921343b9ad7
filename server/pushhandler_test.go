package server

import (
	"context"
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
	"github.com/rsslabs/shuffle/storage"
	"github.com/rsslabs/shuffle/wire"
)

type noopTracker struct{}

func (noopTracker) Reserve(int64) bool { return true }
func (noopTracker) Release(int64)      {}

type acceptingReplicator struct {
	called bool
}

func (r *acceptingReplicator) Forward(ctx context.Context, loc model.PartitionLocation, req *wire.PushData) (wire.Status, error) {
	r.called = true
	return wire.StatusSuccess, nil
}

func newTestRegistryEntry(t *testing.T, role model.Role, hasPeer bool) (*registry.Registry, model.PartitionKey, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "pushhandler-test")
	require.NoError(t, err)

	pool := bufferpool.New(4, 1<<20, noopTracker{})
	monitor := devicemonitor.New(time.Hour, 0.95)
	flusher := diskflusher.New(dir, 8, 1, pool, monitor, 0)

	key := model.PartitionKey{ShuffleID: "s1", PartitionID: 0, Epoch: 0}
	fw, err := storage.New("app1", key, role, dir, pool, flusher, nil, 1<<20, 0, false, 2*time.Second, 64)
	require.NoError(t, err)

	reg := registry.New()
	reg.Register(key, model.PartitionLocation{
		PartitionID: 0, Epoch: 0, Role: role, HasPeer: hasPeer,
		PeerHost: "replica-host", PeerPushPort: 9000,
	}, fw)

	return reg, key, func() {
		flusher.Shutdown()
		os.RemoveAll(dir)
	}
}

func TestPushHandlerReplicaWritesLocally(t *testing.T) {
	reg, key, cleanup := newTestRegistryEntry(t, model.RoleReplica, false)
	defer cleanup()

	h := New(reg, nil, nil, nil)
	user := model.UserIdentifier{Tenant: "t", Name: "u"}
	status, err := h.HandlePushData(context.Background(), user, &wire.PushData{
		ShuffleKey: key.ShuffleID, PartitionLocationID: int32(key.PartitionID), Epoch: int32(key.Epoch),
		MapID: 1, AttemptID: 0, BatchID: 0, Body: []byte("hello"),
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
}

func TestPushHandlerPrimaryForwardsToReplica(t *testing.T) {
	reg, key, cleanup := newTestRegistryEntry(t, model.RolePrimary, true)
	defer cleanup()

	repl := &acceptingReplicator{}
	h := New(reg, nil, nil, repl)
	user := model.UserIdentifier{Tenant: "t", Name: "u"}
	status, err := h.HandlePushData(context.Background(), user, &wire.PushData{
		ShuffleKey: key.ShuffleID, PartitionLocationID: int32(key.PartitionID), Epoch: int32(key.Epoch),
		MapID: 1, AttemptID: 0, BatchID: 0, Body: []byte("hello"),
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	require.True(t, repl.called)
}

func TestPushHandlerUnknownEpochReturnsStageEnd(t *testing.T) {
	reg, key, cleanup := newTestRegistryEntry(t, model.RolePrimary, false)
	defer cleanup()

	h := New(reg, nil, nil, nil)
	user := model.UserIdentifier{Tenant: "t", Name: "u"}
	status, err := h.HandlePushData(context.Background(), user, &wire.PushData{
		ShuffleKey: "does-not-exist", PartitionLocationID: int32(key.PartitionID), Epoch: 0,
		MapID: 1, Body: []byte("x"),
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusStageEnd, status)
}

func TestPushHandlerMergedDataDispatchesEachItem(t *testing.T) {
	reg, key, cleanup := newTestRegistryEntry(t, model.RoleReplica, false)
	defer cleanup()

	h := New(reg, nil, nil, nil)
	user := model.UserIdentifier{Tenant: "t", Name: "u"}

	batch0 := append(wire.EncodeBatchHeader(1, 0, 0, uint32(len("first"))), []byte("first")...)
	batch1 := append(wire.EncodeBatchHeader(2, 0, 0, uint32(len("second"))), []byte("second")...)
	body := append(append([]byte(nil), batch0...), batch1...)

	status, err := h.HandlePushMergedData(context.Background(), user, &wire.PushMergedData{
		ShuffleKey: key.ShuffleID,
		Locations: []wire.MergedItem{
			{PartitionLocationID: int32(key.PartitionID), Epoch: int32(key.Epoch)},
			{PartitionLocationID: int32(key.PartitionID), Epoch: int32(key.Epoch)},
		},
		Offsets: []uint32{0, uint32(len(batch0))},
		Body:    body,
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
}

func TestPushHandlerMergedDataOffsetMismatchFails(t *testing.T) {
	reg, key, cleanup := newTestRegistryEntry(t, model.RoleReplica, false)
	defer cleanup()

	h := New(reg, nil, nil, nil)
	user := model.UserIdentifier{Tenant: "t", Name: "u"}

	status, err := h.HandlePushMergedData(context.Background(), user, &wire.PushMergedData{
		ShuffleKey: key.ShuffleID,
		Locations: []wire.MergedItem{
			{PartitionLocationID: int32(key.PartitionID), Epoch: int32(key.Epoch)},
		},
		Offsets: []uint32{0, 1},
		Body:    []byte("x"),
	})
	require.Error(t, err)
	require.Equal(t, wire.StatusPushDataFailPrimary, status)
}

func TestPushHandlerPausePush(t *testing.T) {
	reg, key, cleanup := newTestRegistryEntry(t, model.RolePrimary, false)
	defer cleanup()

	mt := memtracker.New(100, 0.1, 0.2, 0.05)
	mt.Add(memtracker.CounterSortMemory, 50)

	h := New(reg, mt, nil, nil)
	user := model.UserIdentifier{Tenant: "t", Name: "u"}
	status, err := h.HandlePushData(context.Background(), user, &wire.PushData{
		ShuffleKey: key.ShuffleID, PartitionLocationID: int32(key.PartitionID), Epoch: int32(key.Epoch),
		MapID: 1, Body: []byte("x"),
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusPausePush, status)
}
