// InputStream implements the consumer-side reducer-facing read path of
// spec.md §4.9: iterate a reduce partition's locations in epoch order,
// open a credit-gated chunk stream per location, dedup batches by
// (map_id, attempt_id, batch_id), decompress, fold raw bytes into a per-(map,attempt)
// CommitMetadata aggregate, and validate that aggregate against the
// METADATA_BATCH_ID records embedded in the stream. Grounded on
// client/.../read/CelebornInputStream.java's location-iteration +
// skip-seen-batches + final checkpoint-compare design, using
// github.com/klauspost/compress/zstd for the decompression the teacher
// leaves to Spark's own codec (out of scope here, so this repo owns it)
// and github.com/cenkalti/backoff/v4 for the alternate-primary/replica
// retry loop.
package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/rsslabs/shuffle/errs"
	"github.com/rsslabs/shuffle/internal/glog"
	"github.com/rsslabs/shuffle/model"
	"github.com/rsslabs/shuffle/wire"
)

// ChunkStream is one open OpenStream session as seen by the consumer:
// Next blocks for the next chunk (io.EOF when the stream is exhausted),
// AddCredit replenishes the send window.
type ChunkStream interface {
	Next(ctx context.Context) (*wire.ChunkData, error)
	AddCredit(ctx context.Context, credit int32) error
	Close() error
}

// FetchTransport opens a chunk stream against a specific worker.
type FetchTransport interface {
	OpenStream(ctx context.Context, loc model.PartitionLocation, req *wire.OpenStream) (ChunkStream, *wire.StreamHandle, error)
}

type mapAttemptKey struct {
	mapID     uint32
	attemptID uint32
}

// InputStream is an io.Reader over one reduce partition's deduplicated,
// decompressed, integrity-checked byte stream.
type InputStream struct {
	shuffleID string
	locations []model.PartitionLocation
	startMap  int32
	endMap    int32
	attempts  map[uint32]uint32 // map_id -> current attempt; nil means accept any attempt

	transport     FetchTransport
	excluded      *ExcludedWorkers
	maxRetry      int
	retryWait     time.Duration
	initialCredit int32

	compressionEnabled bool
	integrityEnabled   bool
	decoder            *zstd.Decoder

	seen        map[mapAttemptKey]map[uint32]struct{} // (map,attempt) -> batch ids already consumed
	gotMeta     map[mapAttemptKey]model.CommitMetadata
	wantMeta    map[mapAttemptKey]model.CommitMetadata
	pending     []byte
	locationIdx int
	curStream   ChunkStream
	curHandle   *wire.StreamHandle
	exhausted   bool
}

// Options configures an InputStream.
type Options struct {
	ShuffleID          string
	Locations          []model.PartitionLocation
	StartMap, EndMap   int32
	Attempts           map[uint32]uint32 // map_id -> current attempt (spec.md §4.9 step 3); nil accepts any attempt
	Transport          FetchTransport
	Excluded           *ExcludedWorkers
	MaxRetry           int
	RetryWait          time.Duration
	InitialCredit      int32
	CompressionEnabled bool
	IntegrityEnabled   bool
}

// NewInputStream constructs an InputStream ready for Read.
func NewInputStream(opts Options) (*InputStream, error) {
	s := &InputStream{
		shuffleID: opts.ShuffleID, locations: opts.Locations,
		startMap: opts.StartMap, endMap: opts.EndMap, attempts: opts.Attempts,
		transport: opts.Transport, excluded: opts.Excluded,
		maxRetry: opts.MaxRetry, retryWait: opts.RetryWait, initialCredit: opts.InitialCredit,
		compressionEnabled: opts.CompressionEnabled, integrityEnabled: opts.IntegrityEnabled,
		seen:     make(map[mapAttemptKey]map[uint32]struct{}),
		gotMeta:  make(map[mapAttemptKey]model.CommitMetadata),
		wantMeta: make(map[mapAttemptKey]model.CommitMetadata),
	}
	if s.compressionEnabled {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errs.Wrap(errs.KindFetchFail, "init zstd decoder", err)
		}
		s.decoder = dec
	}
	return s, nil
}

// Read implements io.Reader, pulling and decoding as many batches as
// needed to satisfy p.
func (s *InputStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		if s.exhausted {
			if s.integrityEnabled {
				if err := s.validateIntegrity(); err != nil {
					return 0, err
				}
			}
			return 0, io.EOF
		}
		if err := s.fillNext(context.Background()); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close releases the zstd decoder and any open stream.
func (s *InputStream) Close() error {
	if s.decoder != nil {
		s.decoder.Close()
	}
	if s.curStream != nil {
		return s.curStream.Close()
	}
	return nil
}

func (s *InputStream) fillNext(ctx context.Context) error {
	for {
		if s.curStream == nil {
			if err := s.openNextLocation(ctx); err != nil {
				return err
			}
			if s.curStream == nil {
				s.exhausted = true
				return nil
			}
		}

		chunk, err := s.curStream.Next(ctx)
		if err == io.EOF {
			_ = s.curStream.Close()
			s.curStream = nil
			continue
		}
		if err != nil {
			_ = s.curStream.Close()
			s.curStream = nil
			return errs.Wrap(errs.KindFetchFail, "stream read failed", err)
		}

		if err := s.curStream.AddCredit(ctx, 1); err != nil {
			glog.Warningf("inputstream: add credit failed: %v", err)
		}

		if got := s.consumeChunk(chunk.Payload); got {
			return nil
		}
		// chunk contained only already-seen batches or metadata; keep pulling.
	}
}

// consumeChunk parses every framed batch in payload, folding bytes into
// s.pending (user data) or s.gotMeta (METADATA_BATCH_ID records),
// returning true if any user bytes were appended.
func (s *InputStream) consumeChunk(payload []byte) bool {
	off := 0
	appended := false
	for off+model.BatchHeaderSize <= len(payload) {
		mapID, attemptID, batchID, size, err := wire.DecodeBatchHeader(payload[off:])
		if err != nil {
			break
		}
		off += model.BatchHeaderSize
		if off+int(size) > len(payload) {
			break
		}
		body := payload[off : off+int(size)]
		off += int(size)

		if s.attempts != nil {
			if want, ok := s.attempts[mapID]; !ok || attemptID != want {
				// Stale or speculative-execution leftover from a
				// non-current attempt: never delivered, never folded
				// into the integrity aggregate.
				continue
			}
		}

		key := mapAttemptKey{mapID: mapID, attemptID: attemptID}

		if batchID == model.MetadataBatchID {
			meta, err := wire.DecodeCommitMetadata(body)
			if err == nil {
				s.wantMeta[key] = meta
			}
			continue
		}

		bucket, ok := s.seen[key]
		if !ok {
			bucket = make(map[uint32]struct{})
			s.seen[key] = bucket
		}
		if _, dup := bucket[batchID]; dup {
			continue
		}
		bucket[batchID] = struct{}{}

		agg := s.gotMeta[key]
		agg.AddData(body)
		s.gotMeta[key] = agg

		decoded := body
		if s.compressionEnabled {
			out, err := s.decoder.DecodeAll(body, nil)
			if err != nil {
				glog.Warningf("inputstream: decompress batch map=%d attempt=%d batch=%d: %v", mapID, attemptID, batchID, err)
				continue
			}
			decoded = out
		}
		s.pending = append(s.pending, decoded...)
		appended = true
	}
	return appended
}

func (s *InputStream) validateIntegrity() error {
	for key, want := range s.wantMeta {
		got, ok := s.gotMeta[key]
		if !ok {
			return errs.New(errs.KindIntegrityIncomplete, fmt.Sprintf("missing data for map=%d attempt=%d", key.mapID, key.attemptID))
		}
		if !got.Equal(want) {
			return errs.New(errs.KindIntegrityMismatch, fmt.Sprintf("map=%d attempt=%d: got %s want %s", key.mapID, key.attemptID, got, want))
		}
	}
	return nil
}

func (s *InputStream) openNextLocation(ctx context.Context) error {
	for s.locationIdx < len(s.locations) {
		loc := s.locations[s.locationIdx]
		s.locationIdx++

		stream, handle, err := s.openWithRetry(ctx, loc)
		if err != nil {
			glog.Warningf("inputstream: exhausted retries for location %s: %v", loc.HostAndFetchPort(), err)
			continue
		}
		s.curStream = stream
		s.curHandle = handle
		return nil
	}
	return nil
}

func (s *InputStream) openWithRetry(ctx context.Context, loc model.PartitionLocation) (ChunkStream, *wire.StreamHandle, error) {
	var stream ChunkStream
	var handle *wire.StreamHandle
	attempt := 0

	op := func() error {
		attempt++
		target := loc
		if attempt%2 == 0 && loc.HasPeer {
			target = model.PartitionLocation{
				PartitionID: loc.PartitionID, Epoch: loc.Epoch, Role: model.RoleReplica,
				Host: loc.PeerHost, FetchPort: loc.PeerFetchPort,
			}
		}
		if s.excluded != nil && s.excluded.IsExcluded(target.HostAndFetchPort()) {
			return errs.New(errs.KindFetchFail, "target excluded")
		}

		fileName := locationFileName(loc, target.Role)
		st, h, err := s.transport.OpenStream(ctx, target, &wire.OpenStream{
			ShuffleKey: s.shuffleID, FileName: fileName,
			StartMap: s.startMap, EndMap: s.endMap, InitialCredit: s.initialCredit,
		})
		if err != nil {
			if s.excluded != nil {
				s.excluded.Exclude(target.HostAndFetchPort(), 30*time.Second)
			}
			return err
		}
		stream, handle = st, h
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryWait), uint64(s.maxRetry))
	if err := backoff.Retry(op, bo); err != nil {
		return nil, nil, err
	}
	return stream, handle, nil
}

// locationFileName reconstructs storage.FileWriter's on-disk naming
// convention so the fetch server can resolve OpenStream.FileName without
// this package depending on the storage package directly.
func locationFileName(loc model.PartitionLocation, role model.Role) string {
	roleByte := "0"
	if role == model.RoleReplica {
		roleByte = "1"
	}
	return fmt.Sprintf("%d-%d-%s", loc.PartitionID, loc.Epoch, roleByte)
}
