package server

import (
	"context"
	"fmt"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/util"
	"go.uber.org/zap"
)

// checkPassive maps a role to the error a replication call gets on it
func (n *Node) checkPassive(role model.NodeRole) error {
	switch role {
	case model.RolePassive:
		return nil
	case model.RolePromoting:
		return cerrors.FailoverInProgress(n.cfg.NodeID)
	default:
		return cerrors.Unavailable(fmt.Sprintf("node %s is %s and does not accept replication", n.cfg.NodeID, role), nil).
			WithDetail("role", string(role))
	}
}

// Replicate applies records shipped by the active and returns the applied
// watermark. The read lock is held for the whole call so a promotion never
// overlaps an apply of the old epoch.
func (n *Node) Replicate(_ context.Context, records []*model.ReplicationRecord) (uint64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if err := n.checkPassive(n.role); err != nil {
		return 0, err
	}
	return n.applier.Receive(records)
}

// Snapshot installs one chunk of the bulk copy sent by an attaching active.
// The first chunk discards the local state and positions the applier at
// the sequence the copy is consistent with.
func (n *Node) Snapshot(ctx context.Context, chunk *model.SnapshotChunk) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if err := n.checkPassive(n.role); err != nil {
		return err
	}
	if actual, ok := util.VerifyChunk(chunk); !ok {
		return cerrors.CorruptedData("snapshot chunk checksum mismatch", nil).
			WithDetail("expected", chunk.Checksum).
			WithDetail("actual", actual)
	}

	if chunk.First {
		for _, name := range n.cacheNames() {
			if c, ok := n.lookup(name); ok {
				if err := c.Clear(ctx); err != nil {
					return err
				}
			}
		}
		n.applier.Reset(chunk.Epoch, chunk.Sequence)
		n.logger.Info("Snapshot install started",
			zap.Uint64("epoch", uint64(chunk.Epoch)),
			zap.Uint64("sequence", chunk.Sequence))
	}

	if chunk.Cache != "" {
		c := n.cache(chunk.Cache)
		for _, e := range chunk.Entries {
			if err := c.Put(ctx, e.Key, e.Value); err != nil {
				n.logger.Error("Failed to install snapshot entry",
					zap.String("cache", chunk.Cache),
					zap.String("key", e.Key),
					zap.Error(err))
				return fmt.Errorf("failed to install snapshot entry %q: %w", e.Key, err)
			}
		}
	}

	if chunk.Last {
		n.logger.Info("Snapshot install completed",
			zap.Uint64("epoch", uint64(chunk.Epoch)),
			zap.Uint64("sequence", chunk.Sequence))
	}
	return nil
}

// applyReplicated applies a shipped record and persists it like the
// active's log does
func (n *Node) applyReplicated(rec *model.ReplicationRecord) error {
	if err := n.applyRecord(rec); err != nil {
		return err
	}
	if n.segment != nil {
		if err := n.segment.Append(rec); err != nil {
			n.logger.Error("Failed to persist replicated record",
				zap.Uint64("sequence", rec.Sequence),
				zap.Error(err))
		}
	}
	return nil
}

// applyRecord applies a record to the caches and remembers its token so a
// retry reaching this node after a promotion is not applied twice
func (n *Node) applyRecord(rec *model.ReplicationRecord) error {
	ctx := context.Background()
	c := n.cache(rec.Cache)

	var err error
	switch rec.Operation {
	case model.OperationTypePut:
		err = c.Put(ctx, rec.Key, rec.Value)
	case model.OperationTypeRemove:
		err = c.Remove(ctx, rec.Key)
	case model.OperationTypeClear:
		err = c.Clear(ctx)
	default:
		err = fmt.Errorf("unknown operation %q", rec.Operation)
	}
	if err != nil {
		return err
	}

	if rec.Token != "" {
		entry := &model.DedupEntry{
			Epoch:    rec.Epoch,
			Sequence: rec.Sequence,
			Applied:  true,
			StoredAt: n.clock.Now(),
		}
		if err := n.dedup.Put(ctx, n.tokenKey(rec.Token), entry); err != nil {
			n.logger.Warn("Failed to record replicated dedup token",
				zap.String("token", rec.Token),
				zap.Error(err))
		}
	}
	return nil
}
