// Package transport defines the RPC contract between clients, routers and
// the nodes of a pair.
package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
)

// NodeClient is the set of calls a node serves
type NodeClient interface {
	Execute(ctx context.Context, op *model.Operation) (*model.OperationResult, error)
	Get(ctx context.Context, cache, key string) ([]byte, bool, error)
	Replicate(ctx context.Context, records []*model.ReplicationRecord) (uint64, error)
	Status(ctx context.Context) (*model.NodeStatus, error)
	Snapshot(ctx context.Context, chunk *model.SnapshotChunk) error
}

// Loopback calls a node in process. It can be taken down to simulate a
// partition or a crashed process.
type Loopback struct {
	id     string
	target NodeClient
	down   atomic.Bool
}

// NewLoopback wraps target
func NewLoopback(id string, target NodeClient) *Loopback {
	return &Loopback{id: id, target: target}
}

// SetDown makes every call fail with Unavailable while down is true
func (l *Loopback) SetDown(down bool) {
	l.down.Store(down)
}

func (l *Loopback) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.down.Load() {
		return cerrors.Unavailable(fmt.Sprintf("node %s unreachable", l.id), nil)
	}
	return nil
}

func (l *Loopback) Execute(ctx context.Context, op *model.Operation) (*model.OperationResult, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}
	return l.target.Execute(ctx, op)
}

func (l *Loopback) Get(ctx context.Context, cache, key string) ([]byte, bool, error) {
	if err := l.check(ctx); err != nil {
		return nil, false, err
	}
	return l.target.Get(ctx, cache, key)
}

func (l *Loopback) Replicate(ctx context.Context, records []*model.ReplicationRecord) (uint64, error) {
	if err := l.check(ctx); err != nil {
		return 0, err
	}
	return l.target.Replicate(ctx, records)
}

func (l *Loopback) Status(ctx context.Context) (*model.NodeStatus, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}
	return l.target.Status(ctx)
}

func (l *Loopback) Snapshot(ctx context.Context, chunk *model.SnapshotChunk) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	return l.target.Snapshot(ctx, chunk)
}
