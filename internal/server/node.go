// Package server implements one node of an active/passive pair. The active
// applies client operations to its named heap caches and appends them to
// the replication log; the passive applies the shipped records and can be
// promoted when the active terminates.
package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/paircache/internal/copier"
	"github.com/devrev/paircache/internal/dedup"
	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/metadata"
	"github.com/devrev/paircache/internal/metrics"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/replication"
	"github.com/devrev/paircache/internal/sizeof"
	"github.com/devrev/paircache/internal/store"
	"github.com/devrev/paircache/internal/timesource"
	"github.com/devrev/paircache/internal/util/workerpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultCacheName is used when an operation names no cache
const DefaultCacheName = "default"

// CacheConfig describes one named cache
type CacheConfig struct {
	Name           string
	Pool           store.ResourcePool
	EvictionSample int
	TTL            time.Duration
	TTI            time.Duration
}

// Config holds node configuration
type Config struct {
	NodeID string
	PairID string
	// Role is the starting role, active or passive
	Role  model.NodeRole
	Epoch model.Epoch

	Caches []CacheConfig
	// DefaultCache is the template for caches created on first use
	DefaultCache CacheConfig

	WriteTimeout  time.Duration
	SweepInterval time.Duration
	StatsInterval time.Duration
	MaxPending    int
	SnapshotBatch int

	Sizing  sizeof.Config
	Shipper replication.ShipperConfig
	Segment *replication.SegmentConfig
}

// Deps are the collaborators of a node. Nil members get in-process defaults.
type Deps struct {
	Dedup   dedup.Store
	Epochs  metadata.EpochStore
	Pool    *workerpool.WorkerPool
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Clock   timesource.TimeSource
}

// PassivePeer is the view the active has of the passive it feeds
type PassivePeer interface {
	replication.Peer
	Snapshot(ctx context.Context, chunk *model.SnapshotChunk) error
}

// Node is one member of a replicated pair
type Node struct {
	cfg     Config
	dedup   dedup.Store
	epochs  metadata.EpochStore
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger
	clock   timesource.TimeSource
	sizer   *sizeof.Engine
	segment *replication.SegmentLog

	ctx    context.Context
	cancel context.CancelFunc

	cachesMu sync.RWMutex
	caches   map[string]*store.HeapStore[string, []byte]

	// seqMu orders dedup lookup, local apply and log append on the active
	seqMu sync.Mutex

	mu       sync.RWMutex
	role     model.NodeRole
	epoch    model.Epoch
	log      *replication.Log
	shipper  *replication.Shipper
	attached bool
	applier  *replication.Applier
}

// NewNode creates a node in its configured starting role
func NewNode(cfg Config, deps Deps) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, cerrors.InvalidArgument("node id is required", nil)
	}
	if cfg.PairID == "" {
		cfg.PairID = "default"
	}
	if cfg.Role == "" {
		cfg.Role = model.RoleActive
	}
	if cfg.Role != model.RoleActive && cfg.Role != model.RolePassive {
		return nil, cerrors.InvalidArgument(fmt.Sprintf("node must start active or passive, got %q", cfg.Role), nil)
	}
	if cfg.Epoch == 0 {
		cfg.Epoch = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 10 * time.Second
	}
	if cfg.SnapshotBatch <= 0 {
		cfg.SnapshotBatch = 1000
	}
	if cfg.DefaultCache.Name == "" {
		cfg.DefaultCache.Name = DefaultCacheName
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = timesource.System
	}
	if deps.Dedup == nil {
		deps.Dedup = dedup.NewMemoryStore(dedup.DefaultTTL, 0, deps.Clock)
	}
	if deps.Epochs == nil {
		deps.Epochs = metadata.NewMemoryStore()
	}

	logger := deps.Logger.With(zap.String("node_id", cfg.NodeID))

	if err := resumeEpoch(&cfg, deps.Epochs, logger); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		dedup:   deps.Dedup,
		epochs:  deps.Epochs,
		pool:    deps.Pool,
		metrics: deps.Metrics,
		logger:  logger,
		clock:   deps.Clock,
		sizer:   sizeof.NewEngine(cfg.Sizing),
		caches:  make(map[string]*store.HeapStore[string, []byte]),
		role:    cfg.Role,
		epoch:   cfg.Epoch,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if cfg.Segment != nil {
		seg, err := replication.OpenSegmentLog(*cfg.Segment, logger)
		if err != nil {
			n.cancel()
			return nil, fmt.Errorf("failed to open replication segments: %w", err)
		}
		n.segment = seg
	}

	switch cfg.Role {
	case model.RoleActive:
		n.log = n.newLog(cfg.Epoch)
	case model.RolePassive:
		n.applier = replication.NewApplier(cfg.Epoch, 0, n.applyReplicated, cfg.MaxPending, n.metrics, logger)
	}

	for _, cc := range cfg.Caches {
		n.cache(cc.Name)
	}
	if n.pool != nil {
		n.pool.Every(n.ctx, "node-stats:"+cfg.NodeID, cfg.StatsInterval, n.housekeeping)
	}

	n.metrics.UpdateRole(string(n.role), uint64(n.epoch))
	logger.Info("Node created",
		zap.String("pair_id", cfg.PairID),
		zap.String("role", string(cfg.Role)),
		zap.Uint64("epoch", uint64(cfg.Epoch)))
	return n, nil
}

// resumeEpoch moves the starting epoch up to the persisted one. A node
// configured active that is not the persisted active lost a failover while
// it was down and comes back passive.
func resumeEpoch(cfg *Config, epochs metadata.EpochStore, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	persisted, err := epochs.Load(ctx, cfg.PairID)
	if err != nil {
		return cerrors.Unavailable("failed to load pair epoch", err)
	}
	if persisted.Epoch > cfg.Epoch {
		cfg.Epoch = persisted.Epoch
	}
	if cfg.Role == model.RoleActive && persisted.ActiveNode != "" && persisted.ActiveNode != cfg.NodeID {
		logger.Warn("Pair has a newer active, starting passive",
			zap.String("active_node", persisted.ActiveNode),
			zap.Uint64("epoch", uint64(persisted.Epoch)))
		cfg.Role = model.RolePassive
	}
	return nil
}

func (n *Node) newLog(epoch model.Epoch) *replication.Log {
	return replication.NewLog(epoch, replication.LogConfig{
		Segment: n.segment,
		Metrics: n.metrics,
		Logger:  n.logger,
	})
}

// ID returns the node id
func (n *Node) ID() string {
	return n.cfg.NodeID
}

// Role returns the current role and epoch
func (n *Node) Role() (model.NodeRole, model.Epoch) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role, n.epoch
}

func (n *Node) cacheConfig(name string) CacheConfig {
	for _, cc := range n.cfg.Caches {
		if cc.Name == name {
			return cc
		}
	}
	cc := n.cfg.DefaultCache
	cc.Name = name
	return cc
}

// cache returns the named cache, creating it on first use
func (n *Node) cache(name string) *store.HeapStore[string, []byte] {
	if name == "" {
		name = DefaultCacheName
	}

	n.cachesMu.RLock()
	c, ok := n.caches[name]
	n.cachesMu.RUnlock()
	if ok {
		return c
	}

	n.cachesMu.Lock()
	defer n.cachesMu.Unlock()
	if c, ok := n.caches[name]; ok {
		return c
	}

	cc := n.cacheConfig(name)
	expiry := store.NoExpiration[string, []byte]()
	switch {
	case cc.TTL > 0:
		expiry = store.TimeToLive[string, []byte](cc.TTL)
	case cc.TTI > 0:
		expiry = store.TimeToIdle[string, []byte](cc.TTI)
	}

	c = store.NewHeapStore(store.Config[string, []byte]{
		Name:           name,
		Pool:           cc.Pool,
		EvictionSample: cc.EvictionSample,
		Sizer:          n.sizer,
		ValueCopier:    copier.BytesCopier{},
		Expiry:         expiry,
		TimeSource:     n.clock,
		OnEvict: func(ev store.RemovalEvent[string, []byte]) {
			n.metrics.RecordCacheRemoval(name, string(ev.Reason))
		},
		Logger: n.logger.With(zap.String("cache", name)),
	})
	if n.pool != nil && n.cfg.SweepInterval > 0 {
		c.StartSweeper(n.ctx, n.pool, n.cfg.SweepInterval)
	}
	n.caches[name] = c

	n.logger.Info("Cache created",
		zap.String("cache", name),
		zap.Int64("max_bytes", cc.Pool.MaxBytes),
		zap.Int("max_entries", cc.Pool.MaxEntries))
	return c
}

// lookup returns the named cache without creating it
func (n *Node) lookup(name string) (*store.HeapStore[string, []byte], bool) {
	if name == "" {
		name = DefaultCacheName
	}
	n.cachesMu.RLock()
	defer n.cachesMu.RUnlock()
	c, ok := n.caches[name]
	return c, ok
}

func (n *Node) cacheNames() []string {
	n.cachesMu.RLock()
	names := make([]string, 0, len(n.caches))
	for name := range n.caches {
		names = append(names, name)
	}
	n.cachesMu.RUnlock()
	sort.Strings(names)
	return names
}

// SetResourcePool changes the budget of a cache
func (n *Node) SetResourcePool(name string, pool store.ResourcePool) {
	n.cache(name).SetResourcePool(pool)
	n.logger.Info("Cache resource pool updated",
		zap.String("cache", name),
		zap.Int64("max_bytes", pool.MaxBytes),
		zap.Int("max_entries", pool.MaxEntries))
}

// CacheStats returns the statistics of every cache
func (n *Node) CacheStats() []store.Stats {
	names := n.cacheNames()
	stats := make([]store.Stats, 0, len(names))
	for _, name := range names {
		if c, ok := n.lookup(name); ok {
			stats = append(stats, c.Stats())
		}
	}
	return stats
}

type sweeper interface {
	Sweep(ctx context.Context) int
}

type maintainer interface {
	Maintain() error
}

func (n *Node) housekeeping(ctx context.Context) error {
	for _, s := range n.CacheStats() {
		n.metrics.UpdateCacheSize(s.Name, s.Bytes, s.MaxBytes, s.Entries)
	}
	if sw, ok := n.dedup.(sweeper); ok {
		if removed := sw.Sweep(ctx); removed > 0 {
			n.logger.Debug("Swept expired dedup tokens", zap.Int("removed", removed))
		}
	}
	if mt, ok := n.dedup.(maintainer); ok {
		if err := mt.Maintain(); err != nil {
			n.logger.Warn("Dedup store maintenance failed", zap.Error(err))
		}
	}
	return nil
}

// Status reports the role and replication progress of the node
func (n *Node) Status(_ context.Context) (*model.NodeStatus, error) {
	n.mu.RLock()
	st := &model.NodeStatus{
		NodeID: n.cfg.NodeID,
		Role:   n.role,
		Epoch:  n.epoch,
	}
	log, applier := n.log, n.applier
	n.mu.RUnlock()

	if log != nil {
		st.LastSequence = log.LastSequence()
		st.AckedSequence = log.AckedSequence()
	}
	if applier != nil {
		epoch, applied := applier.Watermark()
		st.Epoch = epoch
		st.AppliedSeq = applied
		st.PendingRecords = applier.Pending()
	}

	n.cachesMu.RLock()
	st.Caches = len(n.caches)
	n.cachesMu.RUnlock()
	return st, nil
}

// Recover replays the persisted segments into the caches. It is meant to
// run once at startup, before the node serves traffic.
func (n *Node) Recover(ctx context.Context) (int, error) {
	if n.segment == nil {
		return 0, nil
	}
	return n.segment.Recover(func(rec *model.ReplicationRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return n.applyRecord(rec)
	})
}

// Close terminates the node and releases its resources
func (n *Node) Close() error {
	n.Terminate()
	n.cancel()

	var err error
	if n.segment != nil {
		err = multierr.Append(err, n.segment.Close())
	}
	err = multierr.Append(err, n.dedup.Close())
	return err
}
