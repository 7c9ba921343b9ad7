// Package storage implements the per-partition File Writer of spec.md
// §4.4: an append-only log that batches writes through the disk
// flusher and records a chunk-offset index. Grounded on
// weed/storage/volume.go (single-writer-owns-file, size tracking) and
// weed/storage/volume_read_write.go (append + flush-trigger shape),
// generalized to the spec's explicit state machine, split policy, and
// in-memory chunk index returned from OpenStream instead of a volume
// superblock.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rsslabs/shuffle/errs"
	"github.com/rsslabs/shuffle/internal/bufferpool"
	"github.com/rsslabs/shuffle/internal/diskflusher"
	"github.com/rsslabs/shuffle/internal/glog"
	"github.com/rsslabs/shuffle/internal/memtracker"
	"github.com/rsslabs/shuffle/model"
)

// State is a FileWriter's lifecycle stage (spec.md §4.4).
type State int

const (
	StateAccepting State = iota
	StateSplitting
	StateClosing
	StateClosed
	StateAborted
)

// SplitNotifier is told when a writer crosses split_threshold, so the
// owning component can request a new epoch from the (external) control
// plane. It is a collaborator interface only; the control plane itself
// is out of scope (spec.md §1).
type SplitNotifier interface {
	NotifySplit(key model.PartitionKey, hard bool)
}

// FileWriter owns one partition location's on-disk file exclusively.
type FileWriter struct {
	mu sync.Mutex

	key   model.PartitionKey
	role  model.Role
	path  string
	mount string
	file  *os.File

	pool    *bufferpool.Pool
	flusher *diskflusher.Flusher
	splitN  SplitNotifier

	flushBufferSize int
	splitThreshold  uint64
	hardSplit       bool
	flushTimeout    time.Duration
	chunkSize       int

	current      *bufferpool.Buffer
	flushedBytes int64
	scheduledBytes int64 // bytes handed to the flusher so far, flushed or not
	chunkOffsets []uint64 // append-only, starts at 0
	pendingChunkSize int64

	state       State
	splitNotified bool
	firstErr    error

	inflight []*diskflusher.Notifier

	mapBitmap map[uint32]struct{} // which map ids have written here

	nextBatchSeq map[uint64]uint32 // (mapID<<32|attemptID) -> next expected batch_id
}

// New creates a FileWriter for key/role on mount, opening its file at
// the persisted-state layout path of spec.md §6:
// <mount>/rss-worker/shuffle_data/<app_id>/<shuffle_id>/<partition_id>-<epoch>-<role_byte>
func New(appID string, key model.PartitionKey, role model.Role, mount string, pool *bufferpool.Pool, flusher *diskflusher.Flusher, splitN SplitNotifier, flushBufferSize int, splitThreshold uint64, hardSplit bool, flushTimeout time.Duration, chunkSize int) (*FileWriter, error) {
	dir := filepath.Join(mount, "rss-worker", "shuffle_data", appID, key.ShuffleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindPushDataWriteFailPrimary, "mkdir partition dir", err)
	}
	roleByte := "0"
	if role == model.RoleReplica {
		roleByte = "1"
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%d-%s", key.PartitionID, key.Epoch, roleByte))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindPushDataWriteFailPrimary, "open partition file", err)
	}
	return &FileWriter{
		key: key, role: role, path: path, mount: mount, file: f,
		pool: pool, flusher: flusher, splitN: splitN,
		flushBufferSize: flushBufferSize, splitThreshold: splitThreshold,
		hardSplit: hardSplit, flushTimeout: flushTimeout, chunkSize: chunkSize,
		chunkOffsets: []uint64{0},
		mapBitmap:    make(map[uint32]struct{}),
		nextBatchSeq: make(map[uint64]uint32),
		state:        StateAccepting,
	}, nil
}

// Write appends bytes (one framed batch) to the current composite
// buffer, scheduling a flush once flush_buffer_size is exceeded.
func (w *FileWriter) Write(mapID, attemptID uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateAborted:
		return errs.New(errs.KindWriterAborted, "writer aborted on "+w.path)
	case StateClosing, StateClosed:
		return errs.New(errs.KindStageEnd, "writer closed")
	}

	if w.hardSplit && w.splitNotified {
		return errs.New(errs.KindHardSplit, "awaiting epoch bump after hard split")
	}

	if w.current == nil {
		buf, err := w.pool.Acquire(w.flushTimeout)
		if err != nil {
			return err
		}
		w.current = buf
	}

	w.current.Append(data)
	w.mapBitmap[mapID] = struct{}{}

	key := uint64(mapID)<<32 | uint64(attemptID)
	w.nextBatchSeq[key]++

	if w.current.Size() >= w.flushBufferSize {
		if err := w.scheduleFlushLocked(); err != nil {
			return err
		}
	}

	w.maybeSplitLocked()
	return nil
}

// Commit appends a METADATA_BATCH_ID record, but only after checking the
// writer's own count of ordinary batches already written for
// (mapID, attemptID) against expectedBatchCount — the client's claimed
// record count. A client that races its commit ahead of batches still
// in flight to this writer (or replays a commit after a retry skipped
// one) is rejected rather than trusted, mirroring BarrierHelper's
// gating of a map/attempt's commit on its batches being enqueued first.
func (w *FileWriter) Commit(mapID, attemptID uint32, expectedBatchCount uint32, framed []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateAborted:
		return errs.New(errs.KindWriterAborted, "writer aborted on "+w.path)
	case StateClosing, StateClosed:
		return errs.New(errs.KindStageEnd, "writer closed")
	}

	key := uint64(mapID)<<32 | uint64(attemptID)
	if got := w.nextBatchSeq[key]; got != expectedBatchCount {
		return errs.New(errs.KindCommitSequenceMismatch,
			fmt.Sprintf("map=%d attempt=%d: writer has %d batches, commit claims %d", mapID, attemptID, got, expectedBatchCount))
	}

	if w.hardSplit && w.splitNotified {
		return errs.New(errs.KindHardSplit, "awaiting epoch bump after hard split")
	}
	if w.current == nil {
		buf, err := w.pool.Acquire(w.flushTimeout)
		if err != nil {
			return err
		}
		w.current = buf
	}
	w.current.Append(framed)
	if w.current.Size() >= w.flushBufferSize {
		if err := w.scheduleFlushLocked(); err != nil {
			return err
		}
	}
	w.maybeSplitLocked()
	return nil
}

// FlushOnMemoryPressure forces a schedule regardless of current buffer
// size, invoked by the Memory Tracker's PAUSE_PUSH/PAUSE_REPLICATE
// listeners.
func (w *FileWriter) FlushOnMemoryPressure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil && w.current.Size() > 0 {
		_ = w.scheduleFlushLocked()
	}
}

// OnMemorySignal implements memtracker.Listener: on either pause signal
// the writer drains its buffered data to disk immediately instead of
// waiting for flush_buffer_size, per spec.md §4.1's "Listeners (File
// Writers, Flushers) react by draining buffered data to disk". A resume
// signal needs no action here — writers never stop accepting on resume,
// they simply stop being forced to flush early.
func (w *FileWriter) OnMemorySignal(sig memtracker.Signal) {
	switch sig {
	case memtracker.SignalPausePush, memtracker.SignalPauseReplicate:
		w.FlushOnMemoryPressure()
	}
}

func (w *FileWriter) scheduleFlushLocked() error {
	buf := w.current
	w.current = nil
	notifier := diskflusher.NewNotifier()
	task := &diskflusher.FlushTask{Buffer: buf, Target: w, Notifier: notifier}
	if err := w.flusher.Submit(task, w.flushTimeout); err != nil {
		w.state = StateAborted
		w.firstErr = err
		return err
	}
	w.scheduledBytes += int64(buf.Size())
	w.inflight = append(w.inflight, notifier)
	return nil
}

// maybeSplitLocked implements split_if_needed (spec.md §4.4): soft mode
// keeps accepting after notifying; hard mode starts rejecting writes
// until an epoch bump clears splitNotified externally via ResetSplit.
// The size compared against split_threshold counts every byte accepted
// so far: bytes already handed to the flusher plus the current buffer.
func (w *FileWriter) maybeSplitLocked() {
	if w.splitNotified || w.splitThreshold == 0 {
		return
	}
	if uint64(w.scheduledBytes)+uint64(w.pendingBytesLocked()) <= w.splitThreshold {
		return
	}
	w.splitNotified = true
	if w.splitN != nil {
		w.splitN.NotifySplit(w.key, w.hardSplit)
	}
	glog.V(0).Infof("filewriter: %s crossed split_threshold, hard=%v", w.key, w.hardSplit)
}

func (w *FileWriter) pendingBytesLocked() int {
	if w.current == nil {
		return 0
	}
	return w.current.Size()
}

// WriteComponents implements diskflusher.FlushTarget: sequential writes
// of each slab into the file (the teacher's vectored-write contract,
// spec.md §4.2; each slab is written with its own Write call, not with a
// single OS-level writev).
func (w *FileWriter) WriteComponents(components [][]byte) (int64, error) {
	var total int64
	for _, c := range components {
		n, err := w.file.Write(c)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RegisterChunk implements diskflusher.FlushTarget: appends the new
// chunk boundary once enough bytes have accumulated to cross
// chunk_size, or always tracks flushed bytes and lets Close() finalize
// the last partial chunk.
func (w *FileWriter) RegisterChunk(size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushedBytes += size
	w.pendingChunkSize += size
	if w.pendingChunkSize >= int64(w.chunkSize) {
		w.chunkOffsets = append(w.chunkOffsets, uint64(w.flushedBytes))
		w.pendingChunkSize = 0
	}
}

// Size returns bytes flushed so far.
func (w *FileWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushedBytes
}

// State reports the writer's current lifecycle stage.
func (w *FileWriter) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PendingSplit reports whether this writer has crossed split_threshold
// and not yet been reset, and whether that split is hard, for the Push
// Handler's ack status decision (spec.md §4.5).
func (w *FileWriter) PendingSplit() (notified, hard bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.splitNotified, w.hardSplit
}

// ResetSplit clears splitNotified once the control plane has assigned a
// new epoch, allowing a hard-split writer to resume (epoch bump lands
// on a *new* FileWriter in practice; this exists for the soft-split
// case where the same writer keeps accepting through the handoff).
func (w *FileWriter) ResetSplit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.splitNotified = false
}

// MapBitmapIntersects reports whether this file's observed map ids
// intersect [startMap, endMap), letting the fetch server and input
// stream skip files that cannot contain relevant data (spec.md §4.7).
func (w *FileWriter) MapBitmapIntersects(startMap, endMap uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for m := range w.mapBitmap {
		if m >= startMap && m < endMap {
			return true
		}
	}
	return false
}

// Close drains pending flushes bounded by flush_timeout, appends the
// final offset, and returns the chunk-offset index. If the writer was
// aborted mid-stream, close still returns an index covering the bytes
// successfully flushed (spec.md §4.4) so the reader can decide whether
// to fail over to the replica.
func (w *FileWriter) Close() ([]uint64, error) {
	w.mu.Lock()
	if w.state == StateClosed {
		idx := append([]uint64(nil), w.chunkOffsets...)
		w.mu.Unlock()
		return idx, nil
	}
	if w.state != StateAborted {
		w.state = StateClosing
	}
	if w.current != nil && w.current.Size() > 0 {
		_ = w.scheduleFlushLocked()
	}
	pending := append([]*diskflusher.Notifier(nil), w.inflight...)
	w.mu.Unlock()

	deadline := time.After(w.flushTimeout)
	for _, n := range pending {
		select {
		case <-waitChan(n):
		case <-deadline:
			glog.Warningf("filewriter: close timed out waiting for pending flushes on %s", w.path)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.chunkOffsets) == 0 || w.chunkOffsets[len(w.chunkOffsets)-1] != uint64(w.flushedBytes) {
		w.chunkOffsets = append(w.chunkOffsets, uint64(w.flushedBytes))
	}
	if w.state != StateAborted {
		w.state = StateClosed
	}
	_ = w.file.Sync()
	idx := append([]uint64(nil), w.chunkOffsets...)
	return idx, w.firstErr
}

func waitChan(n *diskflusher.Notifier) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		n.Wait()
		close(ch)
	}()
	return ch
}

// Abort promotes the writer to Aborted; subsequent Write and Commit calls
// fail with KindWriterAborted.
func (w *FileWriter) Abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateAborted
	if w.firstErr == nil {
		w.firstErr = err
	}
}

// ChunkOffsets returns a snapshot of the offset index as observed right
// now (readers observe a snapshot taken at fetch-time, spec.md §3).
func (w *FileWriter) ChunkOffsets() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.chunkOffsets...)
}

// Path returns the backing file's path for the fetch server to open for
// reads.
func (w *FileWriter) Path() string { return w.path }
