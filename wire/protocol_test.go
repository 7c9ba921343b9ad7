package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsslabs/shuffle/model"
)

func TestPushDataRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	p := &PushData{
		ShuffleKey:          "app-1/shuffle-0",
		PartitionLocationID: 7,
		Epoch:               2,
		MapID:               3,
		AttemptID:           0,
		BatchID:             5,
		Body:                []byte("hello batch"),
	}
	require.NoError(t, WritePushData(&buf, p))

	got, err := ReadPushData(&buf)
	require.NoError(t, err)
	assert.Equal(t, p.ShuffleKey, got.ShuffleKey)
	assert.Equal(t, p.PartitionLocationID, got.PartitionLocationID)
	assert.Equal(t, p.Epoch, got.Epoch)
	assert.Equal(t, p.MapID, got.MapID)
	assert.Equal(t, p.BatchID, got.BatchID)
	assert.Equal(t, p.Body, got.Body)
}

func TestPushMergedDataRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	p := &PushMergedData{
		ShuffleKey: "app-1/shuffle-0",
		Locations: []MergedItem{
			{PartitionLocationID: 1, Epoch: 0},
			{PartitionLocationID: 2, Epoch: 1},
		},
		Offsets: []uint32{0, 20},
		Body:    []byte("0123456789012345678901234567890"),
	}
	require.NoError(t, WritePushMergedData(&buf, p))

	got, err := ReadPushMergedData(&buf)
	require.NoError(t, err)
	assert.Equal(t, p.ShuffleKey, got.ShuffleKey)
	assert.Equal(t, p.Locations, got.Locations)
	assert.Equal(t, p.Offsets, got.Offsets)
	assert.Equal(t, p.Body, got.Body)
}

func TestReserveSlotRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	s := &ReserveSlot{
		ShuffleKey: "app-1/shuffle-0", AppID: "app-1", PartitionID: 4, Role: 1,
		HasPeer: true, PeerHost: "h2", PeerPushPort: 17001, PeerFetchPort: 17002,
	}
	require.NoError(t, WriteReserveSlot(&buf, s))

	got, err := ReadReserveSlot(&buf)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestReserveSlotAckRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	a := &ReserveSlotAck{Host: "h1", Epoch: 3, PushPort: 17001, FetchPort: 17002}
	require.NoError(t, WriteReserveSlotAck(&buf, a))

	got, err := ReadReserveSlotAck(&buf)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestPushAckRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePushAck(&buf, &PushAck{Status: StatusSoftSplit}))
	ack, err := ReadPushAck(&buf)
	require.NoError(t, err)
	assert.Equal(t, StatusSoftSplit, ack.Status)
}

func TestStreamHandleRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := &StreamHandle{
		StreamID:     "stream-1",
		NumChunks:    3,
		ChunkOffsets: []uint64{0, 1024, 2048, 3000},
	}
	require.NoError(t, WriteStreamHandle(&buf, h))
	got, err := ReadStreamHandle(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.StreamID, got.StreamID)
	assert.Equal(t, h.ChunkOffsets, got.ChunkOffsets)
}

func TestChunkDataRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := &ChunkData{StreamID: "s", ChunkIndex: 1, Backlog: 2, Offset: 8192, Payload: []byte("chunk-bytes")}
	require.NoError(t, WriteChunkData(&buf, c))
	got, err := ReadChunkData(&buf)
	require.NoError(t, err)
	assert.Equal(t, c.Payload, got.Payload)
	assert.Equal(t, c.Offset, got.Offset)
}

func TestBatchHeaderRoundTrip(t *testing.T) {
	hdr := EncodeBatchHeader(1, 2, 3, 100)
	mapID, attemptID, batchID, size, err := DecodeBatchHeader(hdr)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), mapID)
	assert.Equal(t, uint32(2), attemptID)
	assert.Equal(t, uint32(3), batchID)
	assert.Equal(t, uint32(100), size)
}

func TestCommitMetadataWireRoundTrip(t *testing.T) {
	m := model.CommitMetadata{Bytes: 12345, CRC32C: 0xdeadbeef, RecordCount: 9}
	buf := EncodeCommitMetadata(m)
	got, err := DecodeCommitMetadata(buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}
