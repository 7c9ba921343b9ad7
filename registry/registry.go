// Package registry implements the worker-local Partition Location
// Registry of spec.md §4: the (shuffle, partition, epoch) -> primary +
// replica endpoint mapping that the Push Handler and Fetch/Chunk Server
// consult to find or register the FileWriter behind a location.
// Grounded on weed/topology/volume_layout.go's in-memory map-of-maps
// registry shape, generalized from volume ids to the spec's
// (shuffle_id, partition_id, epoch) composite key.
package registry

import (
	"sync"

	"github.com/rsslabs/shuffle/errs"
	"github.com/rsslabs/shuffle/model"
	"github.com/rsslabs/shuffle/storage"
)

// Entry binds a PartitionKey to its live FileWriter plus the role this
// worker plays for it.
type Entry struct {
	Location model.PartitionLocation
	Writer   *storage.FileWriter
}

// Registry is a worker's in-memory map of active partition locations.
// One Registry is shared by the Push Handler and Fetch/Chunk Server for
// a given worker process.
type Registry struct {
	mu      sync.RWMutex
	entries map[model.PartitionKey]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[model.PartitionKey]*Entry)}
}

// Register installs a new (or replacing, on split/epoch bump) entry.
func (r *Registry) Register(key model.PartitionKey, loc model.PartitionLocation, writer *storage.FileWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &Entry{Location: loc, Writer: writer}
}

// Lookup returns the entry for key, or KindStageEnd if no writer exists
// (the epoch has moved on, or the stage is already terminal).
func (r *Registry) Lookup(key model.PartitionKey) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, errs.New(errs.KindStageEnd, "no registered location for "+key.String())
	}
	return e, nil
}

// LatestEpoch returns the highest epoch registered for
// (shuffleID, partitionID), or -1 if none exists — used to detect a
// PushData arriving against a stale epoch (spec.md §4.5).
func (r *Registry) LatestEpoch(shuffleID string, partitionID int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	latest := -1
	for k := range r.entries {
		if k.ShuffleID == shuffleID && k.PartitionID == partitionID && k.Epoch > latest {
			latest = k.Epoch
		}
	}
	return latest
}

// Unregister removes key, e.g. once the writer has fully closed.
func (r *Registry) Unregister(key model.PartitionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// ForShuffle returns every entry belonging to shuffleID, for bulk
// operations like stage cleanup.
func (r *Registry) ForShuffle(shuffleID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for k, e := range r.entries {
		if k.ShuffleID == shuffleID {
			out = append(out, e)
		}
	}
	return out
}
