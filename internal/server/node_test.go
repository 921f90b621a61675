package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/paircache/internal/dedup"
	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/metadata"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/replication"
	"github.com/devrev/paircache/internal/store"
	"github.com/devrev/paircache/internal/timesource"
	"github.com/devrev/paircache/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastShipper() replication.ShipperConfig {
	return replication.ShipperConfig{
		BatchSize:      64,
		ShipTimeout:    time.Second,
		RetryBackoff:   time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		IdleResendTick: 5 * time.Millisecond,
	}
}

func newTestNode(t *testing.T, id string, role model.NodeRole, epochs metadata.EpochStore, mutate ...func(*Config)) *Node {
	t.Helper()
	return newTestNodeWithDeps(t, id, role, Deps{Epochs: epochs}, mutate...)
}

func newTestNodeWithDeps(t *testing.T, id string, role model.NodeRole, deps Deps, mutate ...func(*Config)) *Node {
	t.Helper()
	cfg := Config{
		NodeID:       id,
		PairID:       "pair",
		Role:         role,
		WriteTimeout: 2 * time.Second,
		Shipper:      fastShipper(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	deps.Logger = zaptest.NewLogger(t)
	n, err := NewNode(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// switchablePeer forwards to a passive node unless it is switched off
type switchablePeer struct {
	node *Node
	down atomic.Bool
}

func (p *switchablePeer) Replicate(ctx context.Context, records []*model.ReplicationRecord) (uint64, error) {
	if p.down.Load() {
		return 0, errors.New("peer unreachable")
	}
	return p.node.Replicate(ctx, records)
}

func (p *switchablePeer) Snapshot(ctx context.Context, chunk *model.SnapshotChunk) error {
	if p.down.Load() {
		return errors.New("peer unreachable")
	}
	return p.node.Snapshot(ctx, chunk)
}

func put(key, value, token string, consistency model.Consistency) *model.Operation {
	return &model.Operation{
		Type:        model.OperationTypePut,
		Cache:       "users",
		Key:         key,
		Value:       []byte(value),
		Token:       token,
		Consistency: consistency,
	}
}

func getValue(t *testing.T, n *Node, key string) (string, bool) {
	t.Helper()
	v, ok, err := n.Get(context.Background(), "users", key)
	require.NoError(t, err)
	return string(v), ok
}

func newPair(t *testing.T) (*Node, *Node, *switchablePeer, metadata.EpochStore) {
	t.Helper()
	epochs := metadata.NewMemoryStore()
	active := newTestNode(t, "node-a", model.RoleActive, epochs)
	passive := newTestNode(t, "node-b", model.RolePassive, epochs)
	peer := &switchablePeer{node: passive}
	require.NoError(t, active.AttachPassive(context.Background(), peer))
	return active, passive, peer, epochs
}

func TestNode_StandaloneStrongWrite(t *testing.T) {
	n := newTestNode(t, "solo", model.RoleActive, nil)
	ctx := context.Background()

	res, err := n.Execute(ctx, put("k", "v", "c:1", model.ConsistencyStrong))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, uint64(1), res.Sequence)
	assert.Equal(t, model.Epoch(1), res.Epoch)

	v, ok := getValue(t, n, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	st, err := n.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.AckedSequence)
	assert.Equal(t, model.RoleActive, st.Role)
}

func TestNode_ValidatesOperations(t *testing.T) {
	n := newTestNode(t, "solo", model.RoleActive, nil)

	tests := []struct {
		name string
		op   *model.Operation
	}{
		{"nil", nil},
		{"unknown type", &model.Operation{Type: "merge", Key: "k"}},
		{"put without key", &model.Operation{Type: model.OperationTypePut}},
		{"remove without key", &model.Operation{Type: model.OperationTypeRemove}},
		{"both conditions", &model.Operation{Type: model.OperationTypePut, Key: "k", IfAbsent: true, IfExists: true}},
		{"bad consistency", &model.Operation{Type: model.OperationTypePut, Key: "k", Consistency: "quorum"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Execute(context.Background(), tt.op)
			assert.Equal(t, cerrors.ErrCodeInvalidArgument, cerrors.GetCode(err))
		})
	}
}

func TestNode_DeduplicatesTokens(t *testing.T) {
	n := newTestNode(t, "solo", model.RoleActive, nil)
	ctx := context.Background()

	first, err := n.Execute(ctx, put("k", "v1", "c:1", model.ConsistencyStrong))
	require.NoError(t, err)

	again, err := n.Execute(ctx, put("k", "v2", "c:1", model.ConsistencyStrong))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Sequence, again.Sequence)

	v, _ := getValue(t, n, "k")
	assert.Equal(t, "v1", v)

	st, err := n.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.LastSequence)
}

func TestNode_ConditionalWrites(t *testing.T) {
	n := newTestNode(t, "solo", model.RoleActive, nil)
	ctx := context.Background()

	op := put("k", "v1", "c:1", model.ConsistencyEventual)
	op.IfExists = true
	res, err := n.Execute(ctx, op)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	_, ok := getValue(t, n, "k")
	assert.False(t, ok)

	op = put("k", "v1", "c:2", model.ConsistencyEventual)
	op.IfAbsent = true
	res, err = n.Execute(ctx, op)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	op = put("k", "v2", "c:3", model.ConsistencyEventual)
	op.IfAbsent = true
	res, err = n.Execute(ctx, op)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, []byte("v1"), res.Previous)

	op = put("k", "v3", "c:4", model.ConsistencyEventual)
	op.IfExists = true
	res, err = n.Execute(ctx, op)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []byte("v1"), res.Previous)

	v, _ := getValue(t, n, "k")
	assert.Equal(t, "v3", v)
}

func TestNode_RemoveAndClear(t *testing.T) {
	n := newTestNode(t, "solo", model.RoleActive, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := n.Execute(ctx, put(fmt.Sprintf("k%d", i), "v", "", model.ConsistencyEventual))
		require.NoError(t, err)
	}

	_, err := n.Execute(ctx, &model.Operation{Type: model.OperationTypeRemove, Cache: "users", Key: "k0"})
	require.NoError(t, err)
	_, ok := getValue(t, n, "k0")
	assert.False(t, ok)

	_, err = n.Execute(ctx, &model.Operation{Type: model.OperationTypeClear, Cache: "users"})
	require.NoError(t, err)
	_, ok = getValue(t, n, "k1")
	assert.False(t, ok)
}

func TestNode_CapacityFaultIsSurfaced(t *testing.T) {
	n := newTestNode(t, "solo", model.RoleActive, nil, func(cfg *Config) {
		cfg.Caches = []CacheConfig{{Name: "users", Pool: store.ResourcePool{MaxBytes: 128}}}
	})

	_, err := n.Execute(context.Background(), put("k", string(make([]byte, 1024)), "c:1", model.ConsistencyStrong))
	assert.Equal(t, cerrors.ErrCodeCapacityExceeded, cerrors.GetCode(err))

	st, err := n.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.LastSequence)
}

func TestNode_StrongWriteReachesPassive(t *testing.T) {
	active, passive, _, _ := newPair(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := active.Execute(ctx, put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), fmt.Sprintf("c:%d", i), model.ConsistencyStrong))
		require.NoError(t, err)
	}

	st, err := passive.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RolePassive, st.Role)
	assert.Equal(t, uint64(20), st.AppliedSeq)

	// clients cannot use the passive
	_, _, err = passive.Get(ctx, "users", "k1")
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))
	_, err = passive.Execute(ctx, put("x", "y", "c:x", model.ConsistencyStrong))
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))
}

func TestNode_StrongTimeoutThenReplay(t *testing.T) {
	epochs := metadata.NewMemoryStore()
	active := newTestNode(t, "node-a", model.RoleActive, epochs, func(cfg *Config) {
		cfg.WriteTimeout = 200 * time.Millisecond
	})
	passive := newTestNode(t, "node-b", model.RolePassive, epochs)
	peer := &switchablePeer{node: passive}
	require.NoError(t, active.AttachPassive(context.Background(), peer))
	ctx := context.Background()

	peer.down.Store(true)
	_, err := active.Execute(ctx, put("k", "v", "c:1", model.ConsistencyStrong))
	assert.Equal(t, cerrors.ErrCodeReplicationTimeout, cerrors.GetCode(err))

	// the retry waits on the same record instead of appending a new one
	_, err = active.Execute(ctx, put("k", "v", "c:1", model.ConsistencyStrong))
	assert.Equal(t, cerrors.ErrCodeReplicationTimeout, cerrors.GetCode(err))

	peer.down.Store(false)
	res, err := active.Execute(ctx, put("k", "v", "c:1", model.ConsistencyStrong))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, uint64(1), res.Sequence)

	st, err := active.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.LastSequence)
}

func TestNode_EventualDoesNotWait(t *testing.T) {
	active, _, peer, _ := newPair(t)
	peer.down.Store(true)

	res, err := active.Execute(context.Background(), put("k", "v", "c:1", model.ConsistencyEventual))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Sequence)
}

func TestNode_TerminateFailsStrongWaiters(t *testing.T) {
	active, _, peer, _ := newPair(t)
	peer.down.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := active.Execute(context.Background(), put("k", "v", "c:1", model.ConsistencyStrong))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	active.Terminate()

	select {
	case err := <-done:
		assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))
	case <-time.After(time.Second):
		t.Fatal("strong waiter was not released")
	}

	_, err := active.Execute(context.Background(), put("k2", "v", "c:2", model.ConsistencyEventual))
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))
}

func TestNode_AttachSeedsExistingEntries(t *testing.T) {
	epochs := metadata.NewMemoryStore()
	active := newTestNode(t, "node-a", model.RoleActive, epochs, func(cfg *Config) {
		cfg.SnapshotBatch = 7
	})
	passive := newTestNode(t, "node-b", model.RolePassive, epochs)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := active.Execute(ctx, put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), "", model.ConsistencyStrong))
		require.NoError(t, err)
	}
	// the passive has stale state the copy must discard
	stale := &model.SnapshotChunk{Epoch: 1, Cache: "users", Entries: []model.SnapshotEntry{{Key: "ghost", Value: []byte("x")}}, First: true}
	util.SealChunk(stale)
	require.NoError(t, passive.Snapshot(ctx, stale))

	require.NoError(t, active.AttachPassive(ctx, passive))
	_, err := active.Execute(ctx, put("after", "attach", "c:after", model.ConsistencyStrong))
	require.NoError(t, err)

	_, err = passive.Promote(ctx)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		v, ok := getValue(t, passive, fmt.Sprintf("k%d", i))
		require.True(t, ok, "key k%d", i)
		assert.Equal(t, fmt.Sprintf("v%d", i), v)
	}
	v, ok := getValue(t, passive, "after")
	assert.True(t, ok)
	assert.Equal(t, "attach", v)
	_, ok = getValue(t, passive, "ghost")
	assert.False(t, ok)

	err = active.AttachPassive(ctx, passive)
	assert.Equal(t, cerrors.ErrCodeInvalidArgument, cerrors.GetCode(err))
}

func TestNode_SnapshotRejectsCorruptedChunk(t *testing.T) {
	passive := newTestNode(t, "node-b", model.RolePassive, nil)

	chunk := &model.SnapshotChunk{Epoch: 1, Cache: "users", Entries: []model.SnapshotEntry{{Key: "k", Value: []byte("v")}}}
	util.SealChunk(chunk)
	chunk.Entries[0].Value = []byte("tampered")

	err := passive.Snapshot(context.Background(), chunk)
	assert.Equal(t, cerrors.ErrCodeCorruptedData, cerrors.GetCode(err))
}

func sealedRecord(epoch model.Epoch, seq uint64, key, value, token string) *model.ReplicationRecord {
	rec := &model.ReplicationRecord{
		Epoch:     epoch,
		Sequence:  seq,
		Operation: model.OperationTypePut,
		Cache:     "users",
		Key:       key,
		Value:     []byte(value),
		Token:     token,
	}
	util.SealRecord(rec)
	return rec
}

func TestNode_PromotionDrainsAndDropsGaps(t *testing.T) {
	epochs := metadata.NewMemoryStore()
	passive := newTestNode(t, "node-b", model.RolePassive, epochs)
	ctx := context.Background()

	applied, err := passive.Replicate(ctx, []*model.ReplicationRecord{
		sealedRecord(1, 1, "a", "1", "c:1"),
		sealedRecord(1, 3, "c", "3", "c:3"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), applied)

	epoch, err := passive.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Epoch(2), epoch)

	persisted, err := epochs.Load(ctx, "pair")
	require.NoError(t, err)
	assert.Equal(t, model.Epoch(2), persisted.Epoch)
	assert.Equal(t, "node-b", persisted.ActiveNode)

	v, ok := getValue(t, passive, "a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = getValue(t, passive, "c")
	assert.False(t, ok)

	// a late record of the old epoch is refused
	_, err = passive.Replicate(ctx, []*model.ReplicationRecord{sealedRecord(1, 2, "b", "2", "c:2")})
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))

	// promoting again is a no-op
	epoch, err = passive.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Epoch(2), epoch)
}

func TestNode_ReplicatedTokensSurvivePromotion(t *testing.T) {
	passive := newTestNode(t, "node-b", model.RolePassive, nil)
	ctx := context.Background()

	_, err := passive.Replicate(ctx, []*model.ReplicationRecord{sealedRecord(1, 1, "k", "v1", "c:1")})
	require.NoError(t, err)
	_, err = passive.Promote(ctx)
	require.NoError(t, err)

	res, err := passive.Execute(ctx, put("k", "v-retry", "c:1", model.ConsistencyStrong))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, model.Epoch(1), res.Epoch)

	v, _ := getValue(t, passive, "k")
	assert.Equal(t, "v1", v)
}

func TestNode_PromoteRejectsTerminated(t *testing.T) {
	n := newTestNode(t, "node-b", model.RolePassive, nil)
	n.Terminate()

	_, err := n.Promote(context.Background())
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))
}

func TestNode_CheckActiveByRole(t *testing.T) {
	n := newTestNode(t, "node-a", model.RoleActive, nil)

	assert.NoError(t, n.checkActive(model.RoleActive))
	assert.Equal(t, cerrors.ErrCodeFailoverInProgress, cerrors.GetCode(n.checkActive(model.RolePromoting)))
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(n.checkActive(model.RolePassive)))
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(n.checkActive(model.RoleTerminated)))
}

func TestNode_RecoverFromSegments(t *testing.T) {
	dir := t.TempDir()
	segment := func(cfg *Config) {
		cfg.Segment = &replication.SegmentConfig{Dir: dir}
	}
	ctx := context.Background()

	first := newTestNode(t, "node-a", model.RoleActive, nil, segment)
	for i := 0; i < 10; i++ {
		_, err := first.Execute(ctx, put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i), "", model.ConsistencyEventual))
		require.NoError(t, err)
	}
	_, err := first.Execute(ctx, &model.Operation{Type: model.OperationTypeRemove, Cache: "users", Key: "k3"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestNode(t, "node-a", model.RoleActive, nil, segment)
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	v, ok := getValue(t, second, "k9")
	assert.True(t, ok)
	assert.Equal(t, "v9", v)
	_, ok = getValue(t, second, "k3")
	assert.False(t, ok)
}

func TestNode_SetResourcePoolShrinksCache(t *testing.T) {
	n := newTestNode(t, "solo", model.RoleActive, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := n.Execute(ctx, put(fmt.Sprintf("k%02d", i), "value", "", model.ConsistencyEventual))
		require.NoError(t, err)
	}
	n.SetResourcePool("users", store.ResourcePool{MaxEntries: 5})

	stats := n.CacheStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "users", stats[0].Name)
	assert.Equal(t, 5, stats[0].Entries)
}

func TestNewNode_RejectsBadConfig(t *testing.T) {
	_, err := NewNode(Config{}, Deps{})
	assert.Equal(t, cerrors.ErrCodeInvalidArgument, cerrors.GetCode(err))

	_, err = NewNode(Config{NodeID: "x", Role: model.RolePromoting}, Deps{})
	assert.Equal(t, cerrors.ErrCodeInvalidArgument, cerrors.GetCode(err))
}

func TestNode_SharedDedupStoreDoesNotReplayPeerOutcome(t *testing.T) {
	epochs := metadata.NewMemoryStore()
	shared := dedup.NewMemoryStore(time.Hour, 0, timesource.System)
	active := newTestNodeWithDeps(t, "node-a", model.RoleActive, Deps{Epochs: epochs, Dedup: shared}, func(cfg *Config) {
		cfg.WriteTimeout = 200 * time.Millisecond
	})
	passive := newTestNodeWithDeps(t, "node-b", model.RolePassive, Deps{Epochs: epochs, Dedup: shared})
	peer := &switchablePeer{node: passive}
	require.NoError(t, active.AttachPassive(context.Background(), peer))
	ctx := context.Background()

	peer.down.Store(true)
	_, err := active.Execute(ctx, put("k", "v", "client:1", model.ConsistencyStrong))
	assert.Equal(t, cerrors.ErrCodeReplicationTimeout, cerrors.GetCode(err))

	active.Terminate()
	_, err = passive.Promote(ctx)
	require.NoError(t, err)

	res, err := passive.Execute(ctx, put("k", "v", "client:1", model.ConsistencyStrong))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.True(t, res.Applied)
	assert.Equal(t, model.Epoch(2), res.Epoch)

	v, ok := getValue(t, passive, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	// a second retry is answered from the promoted node's own outcome
	res, err = passive.Execute(ctx, put("k", "v", "client:1", model.ConsistencyStrong))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

func TestNode_PassiveRejectionIsNotAcknowledged(t *testing.T) {
	epochs := metadata.NewMemoryStore()
	active := newTestNode(t, "node-a", model.RoleActive, epochs, func(cfg *Config) {
		cfg.WriteTimeout = 200 * time.Millisecond
	})
	passive := newTestNode(t, "node-b", model.RolePassive, epochs, func(cfg *Config) {
		cfg.Caches = []CacheConfig{{Name: "users", Pool: store.ResourcePool{MaxBytes: 100}}}
	})
	require.NoError(t, active.AttachPassive(context.Background(), passive))
	ctx := context.Background()

	_, err := active.Execute(ctx, put("big", string(make([]byte, 500)), "c:1", model.ConsistencyStrong))
	assert.Equal(t, cerrors.ErrCodeReplicationTimeout, cerrors.GetCode(err))

	st, err := active.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.LastSequence)
	assert.Zero(t, st.AckedSequence)

	st, err = passive.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.AppliedSeq)

	// once the passive has room the resent record is applied
	passive.SetResourcePool("users", store.ResourcePool{})
	require.Eventually(t, func() bool {
		st, err := active.Status(ctx)
		return err == nil && st.AckedSequence == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = passive.Promote(ctx)
	require.NoError(t, err)
	_, ok := getValue(t, passive, "big")
	assert.True(t, ok)
}

func TestNode_SnapshotSurfacesInstallFailure(t *testing.T) {
	epochs := metadata.NewMemoryStore()
	active := newTestNode(t, "node-a", model.RoleActive, epochs)
	passive := newTestNode(t, "node-b", model.RolePassive, epochs, func(cfg *Config) {
		cfg.Caches = []CacheConfig{{Name: "users", Pool: store.ResourcePool{MaxBytes: 100}}}
	})
	ctx := context.Background()

	_, err := active.Execute(ctx, put("big", string(make([]byte, 500)), "", model.ConsistencyEventual))
	require.NoError(t, err)

	err = active.AttachPassive(ctx, passive)
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeCapacityExceeded, cerrors.GetCode(err))
}

type countingDedup struct {
	*dedup.MemoryStore
	maintained atomic.Int32
}

func (c *countingDedup) Maintain() error {
	c.maintained.Add(1)
	return nil
}

func TestNode_HousekeepingMaintainsDedupStore(t *testing.T) {
	d := &countingDedup{MemoryStore: dedup.NewMemoryStore(time.Hour, 0, timesource.System)}
	n := newTestNodeWithDeps(t, "solo", model.RoleActive, Deps{Dedup: d})

	require.NoError(t, n.housekeeping(context.Background()))
	assert.Equal(t, int32(1), d.maintained.Load())
}

func TestNewNode_ResumesPersistedEpoch(t *testing.T) {
	epochs := metadata.NewMemoryStore()
	ctx := context.Background()
	_, err := epochs.Advance(ctx, "pair", 0, 3, "node-b")
	require.NoError(t, err)

	// the former active lost a failover while it was down
	restarted := newTestNode(t, "node-a", model.RoleActive, epochs)
	role, epoch := restarted.Role()
	assert.Equal(t, model.RolePassive, role)
	assert.Equal(t, model.Epoch(3), epoch)

	current := newTestNode(t, "node-b", model.RoleActive, epochs)
	role, epoch = current.Role()
	assert.Equal(t, model.RoleActive, role)
	assert.Equal(t, model.Epoch(3), epoch)

	res, err := current.Execute(ctx, put("k", "v", "", model.ConsistencyStrong))
	require.NoError(t, err)
	assert.Equal(t, model.Epoch(3), res.Epoch)
}
