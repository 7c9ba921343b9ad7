// Package server: SlotAllocator is the worker-side stand-in for the
// cluster control plane's slot-allocator RPC named only as an external
// collaborator by spec.md §1/§6. Real deployments drive partition
// placement from a master; this repo has no master, so SlotAllocator is
// the minimal entrypoint that actually creates a FileWriter and installs
// it into the Partition Location Registry, giving the rest of the
// pipeline (Push Handler, Fetch/Chunk Server) something to dispatch
// against end to end.
package server

import (
	"sync"
	"time"

	"github.com/rsslabs/shuffle/errs"
	"github.com/rsslabs/shuffle/internal/bufferpool"
	"github.com/rsslabs/shuffle/internal/diskflusher"
	"github.com/rsslabs/shuffle/internal/glog"
	"github.com/rsslabs/shuffle/internal/memtracker"
	"github.com/rsslabs/shuffle/model"
	"github.com/rsslabs/shuffle/registry"
	"github.com/rsslabs/shuffle/storage"
)

// WriterConfig carries the File Writer tunables SlotAllocator passes to
// storage.New for every writer it creates.
type WriterConfig struct {
	FlushBufferSize int
	SplitThreshold  uint64
	HardSplit       bool
	FlushTimeout    time.Duration
	ChunkSize       int
}

// SlotAllocator hands out partition locations on this worker, round
// robining across configured mounts, opening a FileWriter per grant and
// registering it with both the Partition Location Registry and the
// Memory Tracker (so PAUSE_PUSH/PAUSE_REPLICATE reach it via
// OnMemorySignal).
type SlotAllocator struct {
	appID string
	host  string
	push  int
	fetch int

	reg        *registry.Registry
	memTracker *memtracker.Tracker
	pool       *bufferpool.Pool
	flushers   map[string]*diskflusher.Flusher
	splitN     storage.SplitNotifier
	cfg        WriterConfig

	mu        sync.Mutex
	mounts    []string
	nextMount int
}

// NewSlotAllocator constructs a SlotAllocator over the given mounts
// (each must already have a *diskflusher.Flusher in flushers).
func NewSlotAllocator(appID, host string, pushPort, fetchPort int, reg *registry.Registry, memTracker *memtracker.Tracker, pool *bufferpool.Pool, flushers map[string]*diskflusher.Flusher, mounts []string, splitN storage.SplitNotifier, cfg WriterConfig) *SlotAllocator {
	return &SlotAllocator{
		appID: appID, host: host, push: pushPort, fetch: fetchPort,
		reg: reg, memTracker: memTracker, pool: pool, flushers: flushers,
		mounts: mounts, splitN: splitN, cfg: cfg,
	}
}

// ReserveSlot grants partitionID a location on this worker at role,
// opening its FileWriter at a fresh epoch (one past whatever this worker
// has already registered for the partition) and wiring it into the
// registry and memory tracker.
func (a *SlotAllocator) ReserveSlot(shuffleKey string, partitionID int, role model.Role, hasPeer bool, peerHost string, peerPushPort, peerFetchPort int) (model.PartitionLocation, error) {
	epoch := a.reg.LatestEpoch(shuffleKey, partitionID) + 1
	mount := a.pickMount()
	flusher := a.flushers[mount]
	if flusher == nil {
		return model.PartitionLocation{}, errs.New(errs.KindSlotsUnavailable, "no flusher registered for mount "+mount)
	}

	key := model.PartitionKey{ShuffleID: shuffleKey, PartitionID: partitionID, Epoch: epoch}
	writer, err := storage.New(a.appID, key, role, mount, a.pool, flusher, a.splitN,
		a.cfg.FlushBufferSize, a.cfg.SplitThreshold, a.cfg.HardSplit, a.cfg.FlushTimeout, a.cfg.ChunkSize)
	if err != nil {
		return model.PartitionLocation{}, err
	}

	if a.memTracker != nil {
		a.memTracker.Register(writer)
	}

	loc := model.PartitionLocation{
		PartitionID: partitionID, Epoch: epoch, Host: a.host,
		PushPort: a.push, FetchPort: a.fetch, Role: role, DiskMount: mount,
		HasPeer: hasPeer, PeerHost: peerHost, PeerPushPort: peerPushPort, PeerFetchPort: peerFetchPort,
	}
	a.reg.Register(key, loc, writer)
	glog.V(0).Infof("slotallocator: granted %s role=%s mount=%s", key, role, mount)
	return loc, nil
}

func (a *SlotAllocator) pickMount() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.mounts[a.nextMount%len(a.mounts)]
	a.nextMount++
	return m
}
