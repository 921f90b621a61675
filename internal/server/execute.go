package server

import (
	"bytes"
	"context"
	"fmt"
	"time"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"go.uber.org/zap"
)

func validateOperation(op *model.Operation) (model.Consistency, error) {
	if op == nil {
		return "", cerrors.InvalidArgument("operation is required", nil)
	}
	consistency, err := model.ParseConsistency(string(op.Consistency))
	if err != nil {
		return "", cerrors.InvalidArgument(err.Error(), nil)
	}

	switch op.Type {
	case model.OperationTypePut:
		if op.Key == "" {
			return "", cerrors.InvalidArgument("put requires a key", nil)
		}
		if op.IfAbsent && op.IfExists {
			return "", cerrors.InvalidArgument("put cannot be both if-absent and if-exists", nil)
		}
	case model.OperationTypeRemove:
		if op.Key == "" {
			return "", cerrors.InvalidArgument("remove requires a key", nil)
		}
	case model.OperationTypeClear:
	default:
		return "", cerrors.InvalidArgument(fmt.Sprintf("unknown operation type %q", op.Type), nil)
	}
	return consistency, nil
}

// checkActive maps a role to the error a client operation gets on it
func (n *Node) checkActive(role model.NodeRole) error {
	switch role {
	case model.RoleActive:
		return nil
	case model.RolePromoting:
		return cerrors.FailoverInProgress(n.cfg.NodeID)
	default:
		return cerrors.Unavailable(fmt.Sprintf("node %s is %s", n.cfg.NodeID, role), nil).
			WithDetail("role", string(role))
	}
}

// Execute applies a client mutation on the active. An operation whose token
// was already applied is answered from the recorded outcome. Under strong
// consistency the call returns once the passive acknowledged the record.
func (n *Node) Execute(ctx context.Context, op *model.Operation) (*model.OperationResult, error) {
	start := time.Now()
	result, err := n.execute(ctx, op)

	if op != nil {
		outcome := "ok"
		if err != nil {
			outcome = cerrors.GetCode(err).String()
		}
		n.metrics.RecordOperation(string(op.Type), string(op.Consistency), outcome, time.Since(start).Seconds())
	}
	return result, err
}

func (n *Node) execute(ctx context.Context, op *model.Operation) (*model.OperationResult, error) {
	consistency, err := validateOperation(op)
	if err != nil {
		return nil, err
	}

	n.seqMu.Lock()

	n.mu.RLock()
	role, epoch, log, attached := n.role, n.epoch, n.log, n.attached
	n.mu.RUnlock()

	if err := n.checkActive(role); err != nil {
		n.seqMu.Unlock()
		return nil, err
	}

	if op.Token != "" {
		entry, found, err := n.dedup.Get(ctx, n.tokenKey(op.Token))
		if err != nil {
			n.seqMu.Unlock()
			return nil, cerrors.Unavailable("dedup lookup failed", err)
		}
		if found {
			n.seqMu.Unlock()
			return n.replay(ctx, op, entry, epoch, consistency)
		}
	}

	result, rec, err := n.applyOperation(ctx, op)
	if err != nil {
		n.seqMu.Unlock()
		return nil, err
	}
	result.Epoch = epoch

	if rec != nil {
		if err := log.Append(rec); err != nil {
			n.seqMu.Unlock()
			return nil, err
		}
		result.Sequence = rec.Sequence
		if !attached {
			// no passive to wait for
			log.Ack(rec.Sequence)
		}
	}

	if op.Token != "" {
		entry := &model.DedupEntry{
			Epoch:    epoch,
			Sequence: result.Sequence,
			Applied:  result.Applied,
			Previous: result.Previous,
			StoredAt: n.clock.Now(),
		}
		if err := n.dedup.Put(ctx, n.tokenKey(op.Token), entry); err != nil {
			n.logger.Warn("Failed to record dedup token",
				zap.String("token", op.Token),
				zap.Error(err))
		}
	}
	n.seqMu.Unlock()

	if rec != nil && consistency == model.ConsistencyStrong {
		if err := log.WaitAcked(ctx, rec.Sequence, n.cfg.WriteTimeout); err != nil {
			n.logger.Debug("Strong write not acknowledged",
				zap.String("token", op.Token),
				zap.Uint64("sequence", rec.Sequence),
				zap.Error(err))
			return nil, err
		}
	}
	return result, nil
}

// tokenKey scopes a token to this node. An outcome recorded by one node says
// nothing about what its peer holds, so a store shared by the pair must not
// let the peer replay it.
func (n *Node) tokenKey(token string) string {
	return n.cfg.NodeID + "/" + token
}

// replay answers a retried operation. A record of the current epoch may
// still be in flight, so strong retries wait for it like the first attempt.
// Records of earlier epochs reached this node through replication.
func (n *Node) replay(ctx context.Context, op *model.Operation, entry *model.DedupEntry, epoch model.Epoch, consistency model.Consistency) (*model.OperationResult, error) {
	n.metrics.RecordDedupReplay()
	n.logger.Debug("Replaying deduplicated operation",
		zap.String("token", op.Token),
		zap.Uint64("epoch", uint64(entry.Epoch)),
		zap.Uint64("sequence", entry.Sequence))

	if consistency == model.ConsistencyStrong && entry.Epoch == epoch && entry.Sequence > 0 {
		n.mu.RLock()
		log := n.log
		n.mu.RUnlock()
		if err := log.WaitAcked(ctx, entry.Sequence, n.cfg.WriteTimeout); err != nil {
			return nil, err
		}
	}

	return &model.OperationResult{
		Sequence: entry.Sequence,
		Epoch:    entry.Epoch,
		Applied:  entry.Applied,
		Previous: entry.Previous,
		Replayed: true,
	}, nil
}

// applyOperation applies op to the local cache. The returned record is nil
// when the operation changed nothing.
func (n *Node) applyOperation(ctx context.Context, op *model.Operation) (*model.OperationResult, *model.ReplicationRecord, error) {
	c := n.cache(op.Cache)
	result := &model.OperationResult{Applied: true}

	switch op.Type {
	case model.OperationTypePut:
		switch {
		case op.IfAbsent:
			existing, err := c.PutIfAbsent(ctx, op.Key, op.Value)
			if err != nil {
				return nil, nil, err
			}
			if existing != nil {
				result.Applied = false
				result.Previous = existing.Value()
				return result, nil, nil
			}
		case op.IfExists:
			previous, err := c.Replace(ctx, op.Key, op.Value)
			if err != nil {
				return nil, nil, err
			}
			if previous == nil {
				result.Applied = false
				return result, nil, nil
			}
			result.Previous = previous.Value()
		default:
			if err := c.Put(ctx, op.Key, op.Value); err != nil {
				return nil, nil, err
			}
		}
	case model.OperationTypeRemove:
		if err := c.Remove(ctx, op.Key); err != nil {
			return nil, nil, err
		}
	case model.OperationTypeClear:
		if err := c.Clear(ctx); err != nil {
			return nil, nil, err
		}
	}

	rec := &model.ReplicationRecord{
		Operation: op.Type,
		Cache:     c.Name(),
		Key:       op.Key,
		Value:     bytes.Clone(op.Value),
		Token:     op.Token,
	}
	return result, rec, nil
}

// Get reads a value from the active
func (n *Node) Get(ctx context.Context, cache, key string) ([]byte, bool, error) {
	n.mu.RLock()
	role := n.role
	n.mu.RUnlock()
	if err := n.checkActive(role); err != nil {
		return nil, false, err
	}

	c, ok := n.lookup(cache)
	if !ok {
		n.metrics.RecordCacheAccess(cache, false)
		return nil, false, nil
	}

	holder, err := c.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	n.metrics.RecordCacheAccess(c.Name(), holder != nil)
	if holder == nil {
		return nil, false, nil
	}
	return holder.Value(), true, nil
}
