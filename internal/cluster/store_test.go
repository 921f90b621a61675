package cluster_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/paircache/internal/cluster"
	"github.com/devrev/paircache/internal/copier"
	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/failover"
	"github.com/devrev/paircache/internal/metadata"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/resilience"
	"github.com/devrev/paircache/internal/resilience/resiliencetest"
	"github.com/devrev/paircache/internal/server"
	"github.com/devrev/paircache/internal/store"
	"github.com/devrev/paircache/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type pair struct {
	active, passive  *server.Node
	activeLB, passLB *transport.Loopback
	membership       *failover.StaticMembership
	router           *failover.Router
	coordinator      *failover.Coordinator
}

func newPair(t *testing.T, logger *zap.Logger) *pair {
	t.Helper()
	epochs := metadata.NewMemoryStore()

	newNode := func(id string, role model.NodeRole) *server.Node {
		node, err := server.NewNode(server.Config{NodeID: id, PairID: "pair", Role: role},
			server.Deps{Epochs: epochs, Logger: logger})
		require.NoError(t, err)
		t.Cleanup(func() { _ = node.Close() })
		return node
	}

	p := &pair{
		active:  newNode("node-a", model.RoleActive),
		passive: newNode("node-b", model.RolePassive),
	}
	p.activeLB = transport.NewLoopback("node-a", p.active)
	p.passLB = transport.NewLoopback("node-b", p.passive)
	require.NoError(t, p.active.AttachPassive(context.Background(), p.passLB))

	p.membership = failover.NewStaticMembership("node-a", logger)
	p.router = failover.NewRouter(p.membership, map[string]transport.NodeClient{
		"node-a": p.activeLB,
		"node-b": p.passLB,
	}, logger)
	p.coordinator = failover.NewCoordinator(failover.CoordinatorConfig{}, p.membership, p.router, p.passive, logger)
	p.coordinator.Start(context.Background())
	t.Cleanup(p.coordinator.Stop)
	return p
}

// terminateActive stops the active the way a crashed process would look to
// the pair and lets the membership report it
func (p *pair) terminateActive() {
	p.active.Terminate()
	p.activeLB.SetDown(true)
	p.membership.Terminate("node-a")
}

func newStringStore(t *testing.T, router cluster.Router, consistency model.Consistency) *cluster.Store[string, string] {
	t.Helper()
	s, err := cluster.NewStore(cluster.Config[string, string]{
		Cache:           "users",
		Consistency:     consistency,
		KeySerializer:   copier.StringSerializer{},
		ValueSerializer: copier.StringSerializer{},
	}, router)
	require.NoError(t, err)
	return s
}

func TestStore_Operations(t *testing.T) {
	p := newPair(t, zaptest.NewLogger(t))
	s := newStringStore(t, p.router, model.ConsistencyStrong)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", "v1"))
	h, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "v1", h.Value())

	existing, err := s.PutIfAbsent(ctx, "k1", "other")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "v1", existing.Value())

	existing, err = s.PutIfAbsent(ctx, "k2", "v2")
	require.NoError(t, err)
	assert.Nil(t, existing)

	previous, err := s.Replace(ctx, "k2", "v2b")
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, "v2", previous.Value())

	previous, err = s.Replace(ctx, "missing", "x")
	require.NoError(t, err)
	assert.Nil(t, previous)

	found, err := s.ContainsKey(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, s.Remove(ctx, "k2"))
	h, err = s.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, h)

	require.NoError(t, s.Clear(ctx))
	found, err = s.ContainsKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	// strong writes reached the passive
	st, err := p.passive.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.AppliedSeq)
}

func TestStore_TokensAreUniquePerClient(t *testing.T) {
	p := newPair(t, zap.NewNop())
	s1 := newStringStore(t, p.router, model.ConsistencyEventual)
	s2 := newStringStore(t, p.router, model.ConsistencyEventual)

	assert.NotEqual(t, s1.ClientID(), s2.ClientID())
	assert.Equal(t, s1.ClientID()+":1", s1.NewToken())
	assert.Equal(t, s1.ClientID()+":2", s1.NewToken())
}

func TestStore_RetryWithTokenAppliesOnce(t *testing.T) {
	p := newPair(t, zap.NewNop())
	s := newStringStore(t, p.router, model.ConsistencyStrong)
	ctx := store.WithOperationToken(context.Background(), "fixed:1")

	require.NoError(t, s.Put(ctx, "k", "first"))
	// a retry of the same operation does not overwrite a later write
	require.NoError(t, s.Put(context.Background(), "k", "second"))
	require.NoError(t, s.Put(ctx, "k", "first"))

	h, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "second", h.Value())
}

type failingSerializer struct{}

func (failingSerializer) Serialize(string) ([]byte, error)   { return nil, errors.New("boom") }
func (failingSerializer) Deserialize([]byte) (string, error) { return "", errors.New("boom") }

func TestStore_SerializationFaultIsStoreAccess(t *testing.T) {
	p := newPair(t, zap.NewNop())
	s, err := cluster.NewStore(cluster.Config[string, string]{
		KeySerializer:   copier.StringSerializer{},
		ValueSerializer: failingSerializer{},
	}, p.router)
	require.NoError(t, err)

	err = s.Put(context.Background(), "k", "v")
	assert.Equal(t, cerrors.ErrCodeStoreAccess, cerrors.GetCode(err))
}

func TestNewStore_Validation(t *testing.T) {
	_, err := cluster.NewStore(cluster.Config[string, string]{}, nil)
	assert.Equal(t, cerrors.ErrCodeInvalidArgument, cerrors.GetCode(err))

	_, err = cluster.NewStore(cluster.Config[string, string]{
		Consistency:     "linearizable",
		KeySerializer:   copier.StringSerializer{},
		ValueSerializer: copier.StringSerializer{},
	}, nil)
	assert.Equal(t, cerrors.ErrCodeInvalidArgument, cerrors.GetCode(err))
}

func TestStore_StrongWritesSurviveFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("failover test runs thousands of writes")
	}
	const (
		entries        = 3000
		terminateAfter = 100
	)

	p := newPair(t, zap.NewNop())
	s := newStringStore(t, p.router, model.ConsistencyStrong)

	strategy := &resiliencetest.MockStrategy[string, string]{}
	strategy.Test(t)
	cache := resilience.NewBoundary[string, string](s, resilience.Config[string, string]{
		Strategy: strategy,
		Retry: resilience.RetryPolicy{
			MaxAttempts:    100,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
		},
	})

	var submitted atomic.Int64
	terminated := make(chan struct{})
	go func() {
		defer close(terminated)
		for submitted.Load() < terminateAfter {
			time.Sleep(time.Millisecond)
		}
		p.terminateActive()
	}()

	ctx := context.Background()
	for i := 0; i < entries; i++ {
		submitted.Add(1)
		require.NoError(t, cache.Put(ctx, fmt.Sprintf("key:%d", i), fmt.Sprintf("value:%d", i)), "put %d", i)
	}
	<-terminated

	role, epoch := p.passive.Role()
	require.Equal(t, model.RoleActive, role)
	assert.Equal(t, model.Epoch(2), epoch)

	for i := 0; i < entries; i++ {
		v, ok, err := cache.Get(ctx, fmt.Sprintf("key:%d", i))
		require.NoError(t, err)
		require.True(t, ok, "key:%d missing after failover", i)
		assert.Equal(t, fmt.Sprintf("value:%d", i), v)
	}

	stats := p.passive.CacheStats()
	require.Len(t, stats, 1)
	assert.Equal(t, entries, stats[0].Entries)

	assert.Empty(t, strategy.Calls)
	strategy.AssertExpectations(t)
}

func TestStore_CompressedValues(t *testing.T) {
	p := newPair(t, zap.NewNop())
	s, err := cluster.NewStore(cluster.Config[string, string]{
		Cache:           "blobs",
		KeySerializer:   copier.StringSerializer{},
		ValueSerializer: copier.StringSerializer{},
		Compress:        true,
	}, p.router)
	require.NoError(t, err)
	ctx := context.Background()

	value := strings.Repeat("compressible ", 200)
	require.NoError(t, s.Put(ctx, "k", value))

	h, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, value, h.Value())

	raw, found, err := p.active.Get(ctx, "blobs", "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Less(t, len(raw), len(value))
}
