package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsslabs/shuffle/internal/bufferpool"
	"github.com/rsslabs/shuffle/internal/devicemonitor"
	"github.com/rsslabs/shuffle/internal/diskflusher"
	"github.com/rsslabs/shuffle/model"
	"github.com/rsslabs/shuffle/registry"
	"github.com/rsslabs/shuffle/storage"
	"github.com/rsslabs/shuffle/wire"
)

func TestFetchServerOpenStreamAndStream(t *testing.T) {
	dir := t.TempDir()

	pool := bufferpool.New(4, 1<<20, noopTracker{})
	monitor := devicemonitor.New(time.Hour, 0.95)
	flusher := diskflusher.New(dir, 8, 1, pool, monitor, 0)
	defer flusher.Shutdown()

	key := model.PartitionKey{ShuffleID: "s1", PartitionID: 0, Epoch: 0}
	fw, err := storage.New("app1", key, model.RolePrimary, dir, pool, flusher, nil, 8, 0, false, 2*time.Second, 8)
	require.NoError(t, err)

	require.NoError(t, fw.Write(1, 0, []byte("abcdefgh")))
	require.NoError(t, fw.Write(1, 0, []byte("ijklmnop")))
	_, err = fw.Close()
	require.NoError(t, err)

	reg := registry.New()
	reg.Register(key, model.PartitionLocation{PartitionID: 0, Epoch: 0, Role: model.RolePrimary}, fw)

	fs := NewFetchServer(reg)
	handle, err := fs.OpenStream(&wire.OpenStream{
		ShuffleKey: "s1", FileName: filepath.Base(fw.Path()),
		StartMap: 0, EndMap: 10, InitialCredit: 1,
	})
	require.NoError(t, err)
	require.True(t, handle.NumChunks >= 1)

	var received []*wire.ChunkData
	done := make(chan error, 1)
	go func() {
		done <- fs.StreamChunks(handle.StreamID, func(c *wire.ChunkData) error {
			received = append(received, c)
			return nil
		})
	}()

	require.NoError(t, fs.AddCredit(handle.StreamID, int32(handle.NumChunks)))
	require.NoError(t, <-done)
	require.Len(t, received, int(handle.NumChunks))
}

func TestFetchServerUnknownFile(t *testing.T) {
	reg := registry.New()
	fs := NewFetchServer(reg)
	_, err := fs.OpenStream(&wire.OpenStream{ShuffleKey: "nope", FileName: "missing"})
	require.Error(t, err)
}
