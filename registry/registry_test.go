package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rsslabs/shuffle/model"
)

func TestRegistryRegisterLookup(t *testing.T) {
	r := New()
	key := model.PartitionKey{ShuffleID: "s1", PartitionID: 3, Epoch: 0}
	loc := model.PartitionLocation{PartitionID: 3, Epoch: 0, Host: "h1", Role: model.RolePrimary}

	_, err := r.Lookup(key)
	require.Error(t, err)

	r.Register(key, loc, nil)
	e, err := r.Lookup(key)
	require.NoError(t, err)
	require.Equal(t, "h1", e.Location.Host)
}

func TestRegistryLatestEpoch(t *testing.T) {
	r := New()
	require.Equal(t, -1, r.LatestEpoch("s1", 0))

	r.Register(model.PartitionKey{ShuffleID: "s1", PartitionID: 0, Epoch: 0}, model.PartitionLocation{}, nil)
	r.Register(model.PartitionKey{ShuffleID: "s1", PartitionID: 0, Epoch: 2}, model.PartitionLocation{}, nil)
	r.Register(model.PartitionKey{ShuffleID: "s1", PartitionID: 0, Epoch: 1}, model.PartitionLocation{}, nil)

	require.Equal(t, 2, r.LatestEpoch("s1", 0))
	require.Equal(t, -1, r.LatestEpoch("s2", 0))
}

func TestRegistryForShuffleAndUnregister(t *testing.T) {
	r := New()
	k1 := model.PartitionKey{ShuffleID: "s1", PartitionID: 0, Epoch: 0}
	k2 := model.PartitionKey{ShuffleID: "s1", PartitionID: 1, Epoch: 0}
	k3 := model.PartitionKey{ShuffleID: "s2", PartitionID: 0, Epoch: 0}
	r.Register(k1, model.PartitionLocation{}, nil)
	r.Register(k2, model.PartitionLocation{}, nil)
	r.Register(k3, model.PartitionLocation{}, nil)

	require.Len(t, r.ForShuffle("s1"), 2)

	r.Unregister(k1)
	require.Len(t, r.ForShuffle("s1"), 1)
	_, err := r.Lookup(k1)
	require.Error(t, err)
}
