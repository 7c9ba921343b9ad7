package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/rsslabs/shuffle/errs"
	"github.com/rsslabs/shuffle/internal/glog"
	"github.com/rsslabs/shuffle/registry"
	"github.com/rsslabs/shuffle/wire"
)

// stream is one open OpenStream session: a chunk-offset index snapshot,
// a credit counter, and the cursor of the next chunk to send. Grounded
// on weed/server/volume_grpc_read_write.go's ReadVolumeFileStatus
// credit-less streaming, generalized with the spec's explicit
// ReadAddCredit flow-control message.
type stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	file    *os.File
	offsets []uint64
	next    int
	credit  int32
	closed  bool
}

// FetchServer answers OpenStream/ReadAddCredit requests by streaming
// chunks out of a FileWriter's backing file under credit-based flow
// control (spec.md §4.7).
type FetchServer struct {
	reg *registry.Registry

	mu      sync.Mutex
	streams map[string]*stream
}

func NewFetchServer(reg *registry.Registry) *FetchServer {
	return &FetchServer{reg: reg, streams: make(map[string]*stream)}
}

// OpenStream locates the file named by req.FileName among shuffleKey's
// registered entries, snapshots its chunk-offset index, and returns a
// StreamHandle the caller must later drive with StreamChunks.
func (s *FetchServer) OpenStream(req *wire.OpenStream) (*wire.StreamHandle, error) {
	entries := s.reg.ForShuffle(req.ShuffleKey)
	for _, e := range entries {
		if e.Writer == nil {
			continue
		}
		if filepath.Base(e.Writer.Path()) != req.FileName {
			continue
		}
		if !e.Writer.MapBitmapIntersects(uint32(req.StartMap), uint32(req.EndMap)) {
			return nil, errs.New(errs.KindFetchFail, "no data for requested map range in "+req.FileName)
		}

		offsets := e.Writer.ChunkOffsets()
		f, err := os.Open(e.Writer.Path())
		if err != nil {
			return nil, errs.Wrap(errs.KindFetchFail, "open backing file", err)
		}

		id := uuid.New().String()
		st := &stream{file: f, offsets: offsets, credit: req.InitialCredit}
		st.cond = sync.NewCond(&st.mu)

		s.mu.Lock()
		s.streams[id] = st
		s.mu.Unlock()

		numChunks := 0
		if len(offsets) > 0 {
			numChunks = len(offsets) - 1
		}
		return &wire.StreamHandle{StreamID: id, NumChunks: int32(numChunks), ChunkOffsets: offsets}, nil
	}
	return nil, errs.New(errs.KindFetchFail, fmt.Sprintf("no file %q registered for shuffle %q", req.FileName, req.ShuffleKey))
}

// AddCredit replenishes a stream's send budget, waking StreamChunks if
// it was blocked waiting for credit.
func (s *FetchServer) AddCredit(streamID string, credit int32) error {
	st, err := s.getStream(streamID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.credit += credit
	st.cond.Broadcast()
	st.mu.Unlock()
	return nil
}

func (s *FetchServer) getStream(streamID string) (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return nil, errs.New(errs.KindFetchFail, "unknown stream "+streamID)
	}
	return st, nil
}

// StreamChunks drains every remaining chunk of streamID through send,
// blocking for credit as needed, until the index is exhausted or send
// returns an error (e.g. the client connection dropped).
func (s *FetchServer) StreamChunks(streamID string, send func(*wire.ChunkData) error) error {
	st, err := s.getStream(streamID)
	if err != nil {
		return err
	}
	defer s.closeStream(streamID)

	numChunks := 0
	if len(st.offsets) > 0 {
		numChunks = len(st.offsets) - 1
	}

	for {
		st.mu.Lock()
		for st.credit <= 0 && !st.closed && st.next < numChunks {
			st.cond.Wait()
		}
		if st.closed || st.next >= numChunks {
			st.mu.Unlock()
			return nil
		}
		idx := st.next
		start := st.offsets[idx]
		end := st.offsets[idx+1]
		st.credit--
		st.next++
		st.mu.Unlock()

		size := end - start
		buf := make([]byte, size)
		if _, err := st.file.ReadAt(buf, int64(start)); err != nil && err != io.EOF {
			return errs.Wrap(errs.KindFetchFail, "read chunk", err)
		}

		backlog := int32(numChunks - idx - 1)
		if err := send(&wire.ChunkData{StreamID: streamID, ChunkIndex: int32(idx), Backlog: backlog, Offset: start, Payload: buf}); err != nil {
			return err
		}
	}
}

func (s *FetchServer) closeStream(streamID string) {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	if ok {
		delete(s.streams, streamID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.closed = true
	st.cond.Broadcast()
	st.mu.Unlock()
	if err := st.file.Close(); err != nil {
		glog.Warningf("fetchserver: closing stream file: %v", err)
	}
}

// CloseStream aborts a stream early, e.g. the consumer task failed and
// the remaining chunks are no longer wanted.
func (s *FetchServer) CloseStream(streamID string) {
	s.closeStream(streamID)
}
