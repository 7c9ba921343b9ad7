package client

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsslabs/shuffle/model"
	"github.com/rsslabs/shuffle/wire"
)

type fakeChunkStream struct {
	chunks []*wire.ChunkData
	idx    int
}

func (f *fakeChunkStream) Next(ctx context.Context) (*wire.ChunkData, error) {
	if f.idx >= len(f.chunks) {
		return nil, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, nil
}

func (f *fakeChunkStream) AddCredit(ctx context.Context, credit int32) error { return nil }
func (f *fakeChunkStream) Close() error                                     { return nil }

type fakeFetchTransport struct {
	chunks []*wire.ChunkData
}

func (f *fakeFetchTransport) OpenStream(ctx context.Context, loc model.PartitionLocation, req *wire.OpenStream) (ChunkStream, *wire.StreamHandle, error) {
	return &fakeChunkStream{chunks: f.chunks}, &wire.StreamHandle{StreamID: "s1", NumChunks: int32(len(f.chunks))}, nil
}

func buildFrame(mapID, attemptID, batchID uint32, body []byte) []byte {
	hdr := wire.EncodeBatchHeader(mapID, attemptID, batchID, uint32(len(body)))
	return append(hdr, body...)
}

func TestInputStreamDedupAndIntegrity(t *testing.T) {
	body1 := []byte("record-one")
	body2 := []byte("record-two")

	var meta model.CommitMetadata
	meta.AddData(body1)
	meta.AddData(body2)

	var payload []byte
	payload = append(payload, buildFrame(1, 0, 0, body1)...)
	payload = append(payload, buildFrame(1, 0, 1, body2)...)
	payload = append(payload, buildFrame(1, 0, 0, body1)...) // duplicate, must be skipped
	payload = append(payload, buildFrame(1, 0, model.MetadataBatchID, encodeMeta(meta))...)

	transport := &fakeFetchTransport{chunks: []*wire.ChunkData{{Payload: payload}}}

	s, err := NewInputStream(Options{
		ShuffleID: "s1",
		Locations: []model.PartitionLocation{{PartitionID: 0, Epoch: 0, Role: model.RolePrimary, Host: "h1", FetchPort: 1}},
		Transport: transport, Excluded: NewExcludedWorkers(),
		MaxRetry: 1, RetryWait: time.Millisecond, InitialCredit: 4,
		CompressionEnabled: false, IntegrityEnabled: true,
	})
	require.NoError(t, err)
	defer s.Close()

	out, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "record-onerecord-two", string(out))
}

func TestInputStreamIntegrityMismatch(t *testing.T) {
	body1 := []byte("record-one")
	wrongMeta := model.CommitMetadata{Bytes: 999, CRC32C: 1, RecordCount: 1}

	var payload []byte
	payload = append(payload, buildFrame(1, 0, 0, body1)...)
	payload = append(payload, buildFrame(1, 0, model.MetadataBatchID, encodeMeta(wrongMeta))...)

	transport := &fakeFetchTransport{chunks: []*wire.ChunkData{{Payload: payload}}}

	s, err := NewInputStream(Options{
		ShuffleID: "s1",
		Locations: []model.PartitionLocation{{PartitionID: 0, Epoch: 0, Role: model.RolePrimary, Host: "h1", FetchPort: 1}},
		Transport: transport, Excluded: NewExcludedWorkers(),
		MaxRetry: 1, RetryWait: time.Millisecond, InitialCredit: 4,
		CompressionEnabled: false, IntegrityEnabled: true,
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = io.ReadAll(s)
	require.Error(t, err)
}

func TestInputStreamSkipsStaleAttempt(t *testing.T) {
	staleBody := []byte("stale-attempt-zero")
	currentBody := []byte("current-attempt-one")

	var meta model.CommitMetadata
	meta.AddData(currentBody)

	var payload []byte
	payload = append(payload, buildFrame(1, 0, 0, staleBody)...) // map 1, attempt 0: stale, must be dropped
	payload = append(payload, buildFrame(1, 1, 0, currentBody)...)
	payload = append(payload, buildFrame(1, 1, model.MetadataBatchID, encodeMeta(meta))...)
	payload = append(payload, buildFrame(1, 0, model.MetadataBatchID, encodeMeta(meta))...) // stale metadata, must be dropped too

	transport := &fakeFetchTransport{chunks: []*wire.ChunkData{{Payload: payload}}}

	s, err := NewInputStream(Options{
		ShuffleID: "s1",
		Locations: []model.PartitionLocation{{PartitionID: 0, Epoch: 0, Role: model.RolePrimary, Host: "h1", FetchPort: 1}},
		Attempts:  map[uint32]uint32{1: 1},
		Transport: transport, Excluded: NewExcludedWorkers(),
		MaxRetry: 1, RetryWait: time.Millisecond, InitialCredit: 4,
		CompressionEnabled: false, IntegrityEnabled: true,
	})
	require.NoError(t, err)
	defer s.Close()

	out, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "current-attempt-one", string(out))
}

func encodeMeta(m model.CommitMetadata) []byte {
	return wire.EncodeCommitMetadata(m)
}
