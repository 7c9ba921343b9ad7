// Package client implements the producer-side Data Pusher and
// consumer-side Input Stream of spec.md §4.8 and §4.9. Grounded on
// client/.../write/DataPusher.java's idle-queue + working-queue +
// dedicated pusher-thread design (here: idle channel + bounded work
// channel + one goroutine per task, the Go-idiomatic analog of a
// LinkedBlockingQueue-backed worker thread) and
// client/.../read/CelebornInputStream.java's retry/dedup/aggregation
// loop, using github.com/cenkalti/backoff/v4 for the retry delays the
// teacher's thread-sleep loops implement by hand.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rsslabs/shuffle/errs"
	"github.com/rsslabs/shuffle/internal/glog"
	"github.com/rsslabs/shuffle/model"
	"github.com/rsslabs/shuffle/wire"
)

// Transport is the network client a Pusher uses to deliver one batch to
// a worker's Push Handler. Implemented by a net.Conn-backed RPC client
// (the dial/pool machinery is out of this package's concern, matching
// how DataPusher.java takes a pre-built ShuffleClient).
type Transport interface {
	PushData(ctx context.Context, loc model.PartitionLocation, req *wire.PushData) (wire.Status, error)
}

// LocationResolver maps a partition id to its current primary location,
// refreshing its cache when forceRefresh is set (a split or stale-epoch
// response invalidates the cached location).
type LocationResolver interface {
	Location(ctx context.Context, partitionID int, forceRefresh bool) (model.PartitionLocation, error)
}

// FailedBatch is one batch a Pusher could not deliver after exhausting
// retries. Callers surface these to the shuffle framework's map-status
// machinery so the batch can be recomputed by a task retry, mirroring
// the replay bookkeeping BarrierHelper-adjacent code performs in the
// original client on terminal push failure.
type FailedBatch struct {
	PartitionID int
	MapID       uint32
	AttemptID   uint32
	BatchID     uint32
	Data        []byte
}

type pushTask struct {
	partitionID int
	batchID     uint32
	buf         []byte
}

// BatchInfo is the bookkeeping record for one in-flight batch: which
// task it carries and the cancel function for its push context. Mirrors
// the original client's per-batch in-flight tracking (keyed by
// hostAndPushPort -> batchID) used to bound concurrent requests per
// worker and to allow an unrecoverable failure on one batch to cancel
// its siblings still in flight to the same endpoint.
type BatchInfo struct {
	task   *pushTask
	cancel context.CancelFunc
}

// Pusher is one map task's asynchronous push pipeline: AddTask enqueues
// a batch, a dispatcher goroutine hands ready tasks to per-batch
// delivery goroutines bounded by maxInFlightPerWorker in-flight requests
// for each destination endpoint, and WaitOnTermination blocks until
// every enqueued batch has been attempted and returns the first
// unrecoverable error (if any).
type Pusher struct {
	appID     string
	shuffleID string
	mapID     uint32
	attemptID uint32

	transport Transport
	resolver  LocationResolver
	excluded  *ExcludedWorkers

	idle  chan *pushTask
	queue chan *pushTask

	nextBatchID map[int]uint32
	batchMu     sync.Mutex

	maxRetry             int
	pushTimeout          time.Duration
	maxInFlightPerWorker int

	// inflight and endpointSem together implement the
	// {hostAndPushPort -> {batch_id -> BatchInfo}} in-flight tracker:
	// endpointSem[addr] is a maxInFlightPerWorker-buffered token bucket
	// gating concurrent deliveries to addr, inflight[addr] records which
	// batches currently hold a token.
	inflightMu  sync.Mutex
	inflight    map[string]map[uint32]*BatchInfo
	endpointSem map[string]chan struct{}

	terminated int32
	exception  atomic.Value // error
	wg         sync.WaitGroup

	failedMu  sync.Mutex
	failed    []FailedBatch
	failedCap int
}

// NewPusher starts a Pusher's background dispatcher goroutine.
// queueCapacity bounds both the idle-buffer pool and the pending work
// queue, matching DataPusher.java's single pushQueueCapacity knob.
// maxInFlightPerWorker bounds concurrent in-flight pushes to any single
// destination endpoint.
func NewPusher(appID, shuffleID string, mapID, attemptID uint32, queueCapacity, maxInFlightPerWorker, maxRetry int, pushTimeout time.Duration, transport Transport, resolver LocationResolver, excluded *ExcludedWorkers) *Pusher {
	if maxInFlightPerWorker < 1 {
		maxInFlightPerWorker = 1
	}
	p := &Pusher{
		appID: appID, shuffleID: shuffleID, mapID: mapID, attemptID: attemptID,
		transport: transport, resolver: resolver, excluded: excluded,
		idle:  make(chan *pushTask, queueCapacity),
		queue: make(chan *pushTask, queueCapacity),

		nextBatchID: make(map[int]uint32),
		maxRetry:    maxRetry,
		pushTimeout: pushTimeout,
		failedCap:   64,

		maxInFlightPerWorker: maxInFlightPerWorker,
		inflight:             make(map[string]map[uint32]*BatchInfo),
		endpointSem:          make(map[string]chan struct{}),
	}
	for i := 0; i < queueCapacity; i++ {
		p.idle <- &pushTask{}
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// AddTask copies data into a reclaimed buffer and enqueues it for
// delivery to partitionID, blocking if the idle pool and queue are both
// exhausted (back-pressure against a producer that outruns the network).
func (p *Pusher) AddTask(ctx context.Context, partitionID int, data []byte) error {
	if err := p.checkException(); err != nil {
		return err
	}

	var t *pushTask
	select {
	case t = <-p.idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.buf = append(t.buf[:0], data...)
	t.partitionID = partitionID

	p.batchMu.Lock()
	t.batchID = p.nextBatchID[partitionID]
	p.nextBatchID[partitionID]++
	p.batchMu.Unlock()

	select {
	case p.queue <- t:
		return nil
	case <-ctx.Done():
		p.idle <- t
		return ctx.Err()
	}
}

// WaitOnTermination drains the work queue, stops the background
// goroutine, and returns the first unrecoverable error encountered (if
// any).
func (p *Pusher) WaitOnTermination() error {
	atomic.StoreInt32(&p.terminated, 1)
	close(p.queue)
	p.wg.Wait()
	return p.checkException()
}

// FailedBatches returns the batches that exhausted retries, for the
// caller to report upward as part of task failure.
func (p *Pusher) FailedBatches() []FailedBatch {
	p.failedMu.Lock()
	defer p.failedMu.Unlock()
	out := make([]FailedBatch, len(p.failed))
	copy(out, p.failed)
	return out
}

func (p *Pusher) checkException() error {
	if v := p.exception.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// run is the dispatcher: it resolves each ready task's destination,
// acquires that endpoint's in-flight token (blocking if the endpoint is
// already at maxInFlightPerWorker), then hands delivery off to its own
// goroutine so multiple batches to different (or the same) endpoint can
// be in flight at once, bounded per endpoint.
func (p *Pusher) run() {
	defer p.wg.Done()
	for t := range p.queue {
		loc, err := p.resolver.Location(context.Background(), t.partitionID, false)
		if err != nil {
			p.exception.Store(err)
			p.recycle(t)
			continue
		}
		addr := loc.HostAndPushPort()
		sem := p.endpointSemFor(addr)

		sem <- struct{}{}
		p.wg.Add(1)
		go func(t *pushTask, addr string) {
			defer p.wg.Done()
			defer func() { <-sem }()
			p.pushOne(addr, t)
		}(t, addr)
	}
}

// pushOne delivers one task to addr under a cancelable context recorded
// in the in-flight tracker, so an unrecoverable failure on any batch to
// addr can cancel its siblings still being retried.
func (p *Pusher) pushOne(addr string, t *pushTask) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.registerInFlight(addr, t.batchID, &BatchInfo{task: t, cancel: cancel})
	defer p.unregisterInFlight(addr, t.batchID)

	if err := p.pushWithRetry(ctx, t); err != nil {
		p.exception.Store(err)
		p.cancelInFlight(addr)
	}
	p.recycle(t)
}

func (p *Pusher) recycle(t *pushTask) {
	t.buf = t.buf[:0]
	select {
	case p.idle <- t:
	default:
	}
}

func (p *Pusher) endpointSemFor(addr string) chan struct{} {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	sem, ok := p.endpointSem[addr]
	if !ok {
		sem = make(chan struct{}, p.maxInFlightPerWorker)
		p.endpointSem[addr] = sem
	}
	return sem
}

func (p *Pusher) registerInFlight(addr string, batchID uint32, info *BatchInfo) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	m, ok := p.inflight[addr]
	if !ok {
		m = make(map[uint32]*BatchInfo)
		p.inflight[addr] = m
	}
	m[batchID] = info
}

func (p *Pusher) unregisterInFlight(addr string, batchID uint32) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if m, ok := p.inflight[addr]; ok {
		delete(m, batchID)
		if len(m) == 0 {
			delete(p.inflight, addr)
		}
	}
}

// cancelInFlight cancels every batch currently in flight to addr, so a
// terminal failure fails the map task fast instead of letting siblings
// keep retrying against a destination already known to be bad.
func (p *Pusher) cancelInFlight(addr string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	for _, info := range p.inflight[addr] {
		info.cancel()
	}
}

// InFlightCount reports how many batches currently hold an in-flight
// token for addr, for tests and introspection.
func (p *Pusher) InFlightCount(addr string) int {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	return len(p.inflight[addr])
}

func (p *Pusher) pushWithRetry(ctx context.Context, t *pushTask) error {
	forceRefresh := false

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.maxRetry)), ctx)
	attempt := 0

	operation := func() error {
		attempt++
		loc, err := p.resolver.Location(ctx, t.partitionID, forceRefresh)
		if err != nil {
			return err
		}
		if p.excluded != nil && p.excluded.IsExcluded(loc.HostAndPushPort()) {
			forceRefresh = true
			return errs.New(errs.KindPushDataConnectionFail, "primary excluded, need fresh location")
		}

		pushCtx, cancel := context.WithTimeout(ctx, p.pushTimeout)
		defer cancel()

		status, pushErr := p.transport.PushData(pushCtx, loc, &wire.PushData{
			ShuffleKey: p.shuffleID, PartitionLocationID: int32(t.partitionID), Epoch: int32(loc.Epoch),
			MapID: p.mapID, AttemptID: p.attemptID, BatchID: t.batchID, Body: t.buf,
		})
		if pushErr != nil {
			if p.excluded != nil {
				p.excluded.Exclude(loc.HostAndPushPort(), 30*time.Second)
			}
			forceRefresh = true
			return pushErr
		}

		switch status {
		case wire.StatusSuccess, wire.StatusSoftSplit:
			return nil
		case wire.StatusPushDataFailReplica:
			glog.Warningf("pusher: replica write failed for partition %d, primary succeeded; continuing", t.partitionID)
			return nil
		case wire.StatusHardSplit, wire.StatusStageEnd:
			forceRefresh = true
			return errs.New(errs.KindStageEnd, "epoch moved on, retrying with fresh location")
		case wire.StatusCongestControl, wire.StatusPausePush:
			return errs.New(errs.KindPushDataCongestControl, "worker applying back pressure")
		default:
			if p.excluded != nil {
				p.excluded.Exclude(loc.HostAndPushPort(), 30*time.Second)
			}
			forceRefresh = true
			return errs.New(errs.KindPushDataWriteFailPrimary, "push rejected: "+status.String())
		}
	}

	err := backoff.Retry(operation, bo)
	if err != nil {
		p.recordFailure(t)
		return errs.Wrap(errs.KindPushDataWriteFailPrimary, "exhausted retries", err)
	}
	return nil
}

func (p *Pusher) recordFailure(t *pushTask) {
	p.failedMu.Lock()
	defer p.failedMu.Unlock()
	fb := FailedBatch{PartitionID: t.partitionID, MapID: p.mapID, AttemptID: p.attemptID, BatchID: t.batchID, Data: append([]byte(nil), t.buf...)}
	p.failed = append(p.failed, fb)
	if len(p.failed) > p.failedCap {
		p.failed = p.failed[len(p.failed)-p.failedCap:]
	}
}

// ExcludedWorkers tracks primaries that recently failed a push, with a
// per-entry expiry, so subsequent pushes route around them until the
// control plane has had time to reassign the partition. Supplements the
// spec's failover notes with the original client's excludedWorkers
// bookkeeping (ShuffleClientImpl's blacklist of failed workers).
type ExcludedWorkers struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func NewExcludedWorkers() *ExcludedWorkers {
	return &ExcludedWorkers{expires: make(map[string]time.Time)}
}

// Exclude marks addr excluded for ttl.
func (e *ExcludedWorkers) Exclude(addr string, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expires[addr] = time.Now().Add(ttl)
}

// IsExcluded reports whether addr is currently excluded, lazily
// evicting expired entries.
func (e *ExcludedWorkers) IsExcluded(addr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.expires[addr]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(e.expires, addr)
		return false
	}
	return true
}
