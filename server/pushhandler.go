// Package server implements the worker's Push Handler and Fetch/Chunk
// Server of spec.md §4.5 and §4.7: the inbound RPC surface that accepts
// PushData from producers and serves credit-gated chunk streams to
// consumers. Grounded on weed/server/volume_server_handlers_write.go's
// primary-writes-then-forwards-to-replica shape and
// weed/server/volume_grpc_read_write.go's ack-after-write flow,
// generalized to the spec's richer status taxonomy (SOFT_SPLIT,
// HARD_SPLIT, STAGE_END, CONGEST_CONTROL, PAUSE_PUSH).
package server

import (
	"context"

	"github.com/rsslabs/shuffle/congestion"
	"github.com/rsslabs/shuffle/errs"
	"github.com/rsslabs/shuffle/internal/glog"
	"github.com/rsslabs/shuffle/internal/memtracker"
	"github.com/rsslabs/shuffle/model"
	"github.com/rsslabs/shuffle/registry"
	"github.com/rsslabs/shuffle/wire"
)

// Replicator forwards a PushData to the peer replica of a primary
// location and returns its ack status. Implemented by the client-facing
// RPC layer (a net.Conn dial + wire.WritePushData/ReadPushAck pair); not
// included here since the transport dial/pool is out of this package's
// concern.
type Replicator interface {
	Forward(ctx context.Context, loc model.PartitionLocation, req *wire.PushData) (wire.Status, error)
}

// PushHandler implements the decision table of spec.md §4.5.
type PushHandler struct {
	reg         *registry.Registry
	memTracker  *memtracker.Tracker
	congestion  *congestion.Controller
	replicator  Replicator
}

// New constructs a PushHandler over the given registry, memory tracker,
// and congestion controller. replicator may be nil for a worker that
// never holds primary locations with a peer (e.g. single-copy mode).
func New(reg *registry.Registry, memTracker *memtracker.Tracker, cc *congestion.Controller, replicator Replicator) *PushHandler {
	return &PushHandler{reg: reg, memTracker: memTracker, congestion: cc, replicator: replicator}
}

// HandlePushData runs one PushData request through the full decision
// table and returns the ack status to send back to the producer.
func (h *PushHandler) HandlePushData(ctx context.Context, user model.UserIdentifier, req *wire.PushData) (wire.Status, error) {
	return h.handleOne(ctx, user, req.ShuffleKey, req.PartitionLocationID, req.Epoch, req.MapID, req.AttemptID, req.BatchID, req.Body, req)
}

// HandlePushMergedData runs a PushMergedData request — several batches
// sharing one destination endpoint but addressed to possibly different
// partition locations/epochs — through the same per-batch decision
// table as HandlePushData, splitting Body at the offsets named in
// Offsets (item i spans Offsets[i] up to Offsets[i+1], the last item up
// to the end of Body) and reading each item's batch header. It returns the first non-success status encountered (or
// Success if every item succeeded), matching PushMergedData's "same ack
// set" contract (spec.md §6) of a single ack covering the whole batch.
func (h *PushHandler) HandlePushMergedData(ctx context.Context, user model.UserIdentifier, req *wire.PushMergedData) (wire.Status, error) {
	if len(req.Locations) != len(req.Offsets) {
		return wire.StatusPushDataFailPrimary, errs.New(errs.KindPushDataWriteFailPrimary, "pushmergeddata: locations/offsets length mismatch")
	}

	finalStatus := wire.StatusSuccess
	for i, loc := range req.Locations {
		start := int(req.Offsets[i])
		end := len(req.Body)
		if i+1 < len(req.Offsets) {
			end = int(req.Offsets[i+1])
		}
		if start < 0 || start > end || end > len(req.Body) {
			return wire.StatusPushDataFailPrimary, errs.New(errs.KindPushDataWriteFailPrimary, "pushmergeddata: offset out of range")
		}

		mapID, attemptID, batchID, size, err := wire.DecodeBatchHeader(req.Body[start:end])
		if err != nil {
			return wire.StatusPushDataFailPrimary, errs.Wrap(errs.KindPushDataWriteFailPrimary, "pushmergeddata: malformed batch header", err)
		}
		bodyStart := start + model.BatchHeaderSize
		if bodyStart+int(size) > end {
			return wire.StatusPushDataFailPrimary, errs.New(errs.KindPushDataWriteFailPrimary, "pushmergeddata: batch body truncated")
		}
		body := req.Body[bodyStart : bodyStart+int(size)]

		singleReq := &wire.PushData{
			ShuffleKey: req.ShuffleKey, PartitionLocationID: loc.PartitionLocationID, Epoch: loc.Epoch,
			MapID: mapID, AttemptID: attemptID, BatchID: batchID, Body: body,
		}
		status, err := h.handleOne(ctx, user, req.ShuffleKey, loc.PartitionLocationID, loc.Epoch, mapID, attemptID, batchID, body, singleReq)
		if err != nil {
			return status, err
		}
		if status != wire.StatusSuccess && finalStatus == wire.StatusSuccess {
			finalStatus = status
		}
	}
	return finalStatus, nil
}

// handleOne runs the shared decision table for one batch (whether it
// arrived alone in a PushData or as one item of a PushMergedData): stale
// epoch / registry-miss, congestion, memory-pressure pause, write (and,
// for primary locations, fork to replica), split-status reporting.
func (h *PushHandler) handleOne(ctx context.Context, user model.UserIdentifier, shuffleKey string, partitionLocationID, epoch int32, mapID, attemptID, batchID uint32, body []byte, fwd *wire.PushData) (wire.Status, error) {
	key := model.PartitionKey{ShuffleID: shuffleKey, PartitionID: int(partitionLocationID), Epoch: int(epoch)}

	entry, err := h.reg.Lookup(key)
	if err != nil {
		latest := h.reg.LatestEpoch(shuffleKey, int(partitionLocationID))
		if latest > int(epoch) {
			glog.V(1).Infof("pushhandler: stale epoch %d < latest %d for %s, requesting hard split", epoch, latest, key)
			return wire.StatusHardSplit, nil
		}
		return wire.StatusStageEnd, nil
	}

	if h.congestion != nil && h.congestion.IsUserCongested(user) {
		return wire.StatusCongestControl, nil
	}

	if h.memTracker != nil {
		if entry.Location.Role == model.RolePrimary && h.memTracker.IsPausedPush() {
			return wire.StatusPausePush, nil
		}
		if entry.Location.Role == model.RoleReplica && h.memTracker.IsPausedReplicate() {
			return wire.StatusPausePush, nil
		}
	}

	writer := entry.Writer
	framed := append(wire.EncodeBatchHeader(mapID, attemptID, batchID, uint32(len(body))), body...)

	if h.congestion != nil {
		h.congestion.ProduceBytes(user, int64(len(body)))
	}

	writeFn := func() error { return writer.Write(mapID, attemptID, framed) }
	if batchID == model.MetadataBatchID {
		meta, err := wire.DecodeCommitMetadata(body)
		if err != nil {
			return wire.StatusPushDataFailPrimary, errs.Wrap(errs.KindPushDataWriteFailPrimary, "malformed commit metadata", err)
		}
		writeFn = func() error { return writer.Commit(mapID, attemptID, uint32(meta.RecordCount), framed) }
	}

	if entry.Location.Role == model.RoleReplica {
		if err := writeFn(); err != nil {
			return statusForWriteErr(err), nil
		}
		return wire.StatusSuccess, nil
	}

	localErr := writeFn()

	var peerStatus wire.Status = wire.StatusSuccess
	var peerErr error
	if entry.Location.HasPeer && h.replicator != nil {
		peerLoc := model.PartitionLocation{
			PartitionID: entry.Location.PartitionID,
			Epoch:       entry.Location.Epoch,
			Host:        entry.Location.PeerHost,
			PushPort:    entry.Location.PeerPushPort,
			Role:        model.RoleReplica,
		}
		peerStatus, peerErr = h.replicator.Forward(ctx, peerLoc, fwd)
	}

	if localErr != nil {
		return statusForWriteErr(localErr), nil
	}
	if peerErr != nil {
		glog.Warningf("pushhandler: replica forward failed for %s: %v", key, peerErr)
		return wire.StatusPushDataFailReplica, nil
	}
	if peerStatus != wire.StatusSuccess {
		return peerStatus, nil
	}

	if notified, hard := writer.PendingSplit(); notified {
		if hard {
			return wire.StatusHardSplit, nil
		}
		return wire.StatusSoftSplit, nil
	}

	return wire.StatusSuccess, nil
}

func statusForWriteErr(err error) wire.Status {
	switch errs.KindOf(err) {
	case errs.KindHardSplit:
		return wire.StatusHardSplit
	case errs.KindStageEnd:
		return wire.StatusStageEnd
	case errs.KindWriterAborted:
		return wire.StatusPushDataFailPrimary
	default:
		return wire.StatusPushDataFailPrimary
	}
}
