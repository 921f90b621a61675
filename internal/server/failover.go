package server

import (
	"context"
	"fmt"
	"time"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/replication"
	"github.com/devrev/paircache/internal/store"
	"github.com/devrev/paircache/internal/util"
	"go.uber.org/zap"
)

// AttachPassive seeds peer with a bulk copy of every cache and then starts
// shipping the log to it. Records appended while the copy runs are held in
// the log and shipped afterwards; applying them over the copy converges
// because every record overwrites the state it touches.
func (n *Node) AttachPassive(ctx context.Context, peer PassivePeer) error {
	n.seqMu.Lock()
	n.mu.Lock()
	if err := n.checkActive(n.role); err != nil {
		n.mu.Unlock()
		n.seqMu.Unlock()
		return err
	}
	if n.attached {
		n.mu.Unlock()
		n.seqMu.Unlock()
		return cerrors.InvalidArgument(fmt.Sprintf("node %s already has a passive", n.cfg.NodeID), nil)
	}
	n.attached = true
	log, epoch := n.log, n.epoch
	n.mu.Unlock()
	from := log.LastSequence()
	n.seqMu.Unlock()

	n.logger.Info("Attaching passive",
		zap.Uint64("epoch", uint64(epoch)),
		zap.Uint64("from_sequence", from))

	start := time.Now()
	copied, err := n.copyTo(ctx, peer, epoch, from)
	if err != nil {
		n.seqMu.Lock()
		n.mu.Lock()
		n.attached = false
		n.mu.Unlock()
		log.Ack(log.LastSequence())
		n.seqMu.Unlock()

		n.logger.Error("Failed to seed passive", zap.Int("entries_copied", copied), zap.Error(err))
		return fmt.Errorf("failed to seed passive: %w", err)
	}

	shipper := replication.NewShipper(log, peer, n.cfg.Shipper, n.metrics, n.logger)
	n.mu.Lock()
	if n.role != model.RoleActive || n.log != log {
		n.mu.Unlock()
		return cerrors.Unavailable(fmt.Sprintf("node %s stopped being active while attaching", n.cfg.NodeID), nil)
	}
	n.shipper = shipper
	n.mu.Unlock()
	shipper.Start(n.ctx)

	n.logger.Info("Passive attached",
		zap.Int("entries_copied", copied),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// copyTo sends every live entry to peer in checksummed chunks
func (n *Node) copyTo(ctx context.Context, peer PassivePeer, epoch model.Epoch, from uint64) (int, error) {
	first := true
	copied := 0

	send := func(cache string, entries []model.SnapshotEntry, last bool) error {
		chunk := &model.SnapshotChunk{
			Epoch:    epoch,
			Sequence: from,
			Cache:    cache,
			Entries:  entries,
			First:    first,
			Last:     last,
		}
		util.SealChunk(chunk)
		if err := peer.Snapshot(ctx, chunk); err != nil {
			return err
		}
		first = false
		copied += len(entries)
		return nil
	}

	for _, name := range n.cacheNames() {
		c, ok := n.lookup(name)
		if !ok {
			continue
		}

		batch := make([]model.SnapshotEntry, 0, n.cfg.SnapshotBatch)
		var sendErr error
		err := c.Iterate(ctx, func(key string, holder *store.ValueHolder[[]byte]) bool {
			batch = append(batch, model.SnapshotEntry{Key: key, Value: holder.Value()})
			if len(batch) < n.cfg.SnapshotBatch {
				return true
			}
			if sendErr = send(name, batch, false); sendErr != nil {
				return false
			}
			batch = make([]model.SnapshotEntry, 0, n.cfg.SnapshotBatch)
			return true
		})
		if err != nil {
			return copied, err
		}
		if sendErr != nil {
			return copied, sendErr
		}
		if len(batch) > 0 {
			if err := send(name, batch, false); err != nil {
				return copied, err
			}
		}
	}

	// the closing chunk also carries the reset when there was nothing to copy
	return copied, send("", nil, true)
}

// Promote turns a passive into the active of a new epoch. Every contiguous
// buffered record is applied first; records behind a gap were never
// acknowledged and are dropped. The new epoch is persisted before the node
// accepts writes. Promoting an active is a no-op.
func (n *Node) Promote(ctx context.Context) (model.Epoch, error) {
	start := time.Now()

	n.mu.Lock()
	switch n.role {
	case model.RoleActive:
		epoch := n.epoch
		n.mu.Unlock()
		return epoch, nil
	case model.RolePassive:
	default:
		role := n.role
		n.mu.Unlock()
		return 0, cerrors.Unavailable(fmt.Sprintf("node %s cannot be promoted from %s", n.cfg.NodeID, role), nil)
	}
	n.role = model.RolePromoting
	applier, previous := n.applier, n.epoch
	n.mu.Unlock()

	n.metrics.UpdateRole(string(model.RolePromoting), uint64(previous))
	n.logger.Info("Promotion started")

	applied, dropped := applier.Drain()
	current, _ := applier.Watermark()

	persisted, err := n.epochs.Load(ctx, n.cfg.PairID)
	if err != nil {
		n.abortPromotion()
		return 0, cerrors.Unavailable("failed to load pair epoch", err)
	}
	next := max(current, persisted.Epoch) + 1
	if _, err := n.epochs.Advance(ctx, n.cfg.PairID, persisted.Epoch, next, n.cfg.NodeID); err != nil {
		n.abortPromotion()
		return 0, cerrors.Unavailable("failed to persist pair epoch", err)
	}

	log := n.newLog(next)
	n.mu.Lock()
	if n.role != model.RolePromoting {
		// terminated while promoting
		n.mu.Unlock()
		log.Close(nil)
		return 0, cerrors.Unavailable(fmt.Sprintf("node %s terminated during promotion", n.cfg.NodeID), nil)
	}
	n.role = model.RoleActive
	n.epoch = next
	n.log = log
	n.applier = nil
	n.attached = false
	n.mu.Unlock()

	n.metrics.RecordPromotion(time.Since(start).Seconds())
	n.metrics.UpdateRole(string(model.RoleActive), uint64(next))
	n.logger.Info("Promotion completed",
		zap.Uint64("epoch", uint64(next)),
		zap.Uint64("applied_sequence", applied),
		zap.Int("dropped_records", dropped),
		zap.Duration("duration", time.Since(start)))
	return next, nil
}

func (n *Node) abortPromotion() {
	n.mu.Lock()
	if n.role == model.RolePromoting {
		n.role = model.RolePassive
	}
	role, epoch := n.role, n.epoch
	n.mu.Unlock()
	n.metrics.UpdateRole(string(role), uint64(epoch))
	n.logger.Warn("Promotion aborted")
}

// Terminate stops the node. Pending strong waits fail with Unavailable and
// every later operation is rejected.
func (n *Node) Terminate() {
	n.mu.Lock()
	if n.role == model.RoleTerminated {
		n.mu.Unlock()
		return
	}
	n.role = model.RoleTerminated
	log, shipper, epoch := n.log, n.shipper, n.epoch
	n.shipper = nil
	n.mu.Unlock()

	if shipper != nil {
		shipper.Stop()
	}
	if log != nil {
		log.Close(cerrors.Unavailable(fmt.Sprintf("node %s terminated", n.cfg.NodeID), nil))
	}

	n.metrics.UpdateRole(string(model.RoleTerminated), uint64(epoch))
	n.logger.Info("Node terminated")
}
