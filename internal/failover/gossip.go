package failover

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/paircache/internal/metrics"
	"github.com/devrev/paircache/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string        `yaml:"bind_addr" mapstructure:"bind_addr"`
	BindPort       int           `yaml:"bind_port" mapstructure:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes" mapstructure:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval" mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
}

// nodeMeta is gossiped as the memberlist node metadata
type nodeMeta struct {
	Role  model.NodeRole `json:"role"`
	Epoch model.Epoch    `json:"epoch"`
}

// GossipMembership tracks the pair through memberlist. A member that
// advertises the active role is taken as active; when it leaves or is
// declared dead a termination event is published.
type GossipMembership struct {
	nodeID     string
	memberlist *memberlist.Memberlist
	members    atomic.Int64
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu     sync.RWMutex
	meta   nodeMeta
	active string
	// epoch of the active as last advertised, to ignore stale updates
	activeEpoch model.Epoch

	subs subscribers
}

// NewGossipMembership joins the gossip cluster as nodeID
func NewGossipMembership(cfg GossipConfig, nodeID string, role model.NodeRole, epoch model.Epoch, m *metrics.Metrics, logger *zap.Logger) (*GossipMembership, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &GossipMembership{
		nodeID:  nodeID,
		metrics: m,
		logger:  logger,
		meta:    nodeMeta{Role: role, Epoch: epoch},
		subs:    subscribers{logger: logger},
	}
	if role == model.RoleActive {
		g.active, g.activeEpoch = nodeID, epoch
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
		mlConfig.AdvertiseAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEvents{g: g}
	if stdLog, err := zap.NewStdLogAt(logger.Named("memberlist"), zap.DebugLevel); err == nil {
		mlConfig.Logger = stdLog
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return g, nil
}

// Addr returns the gossip address of the local member
func (g *GossipMembership) Addr() string {
	n := g.memberlist.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

// Members returns the number of live members, the local one included
func (g *GossipMembership) Members() int {
	return int(g.members.Load())
}

func (g *GossipMembership) CurrentActive() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// SetActive records nodeID as active. When it is the local node the new
// role is advertised to the other members.
func (g *GossipMembership) SetActive(nodeID string) {
	g.mu.Lock()
	g.active = nodeID
	local := nodeID == g.nodeID
	if local {
		g.meta.Role = model.RoleActive
	}
	g.mu.Unlock()

	if local {
		g.advertise()
	}
}

// Advertise publishes the role and epoch of the local node
func (g *GossipMembership) Advertise(role model.NodeRole, epoch model.Epoch) {
	g.mu.Lock()
	g.meta = nodeMeta{Role: role, Epoch: epoch}
	if role == model.RoleActive {
		g.active, g.activeEpoch = g.nodeID, epoch
	}
	g.mu.Unlock()
	g.advertise()
}

func (g *GossipMembership) advertise() {
	if err := g.memberlist.UpdateNode(5 * time.Second); err != nil {
		g.logger.Warn("Failed to advertise node metadata", zap.Error(err))
	}
}

func (g *GossipMembership) SubscribeToTermination() <-chan TerminationEvent {
	return g.subs.subscribe()
}

// Shutdown leaves the cluster and stops gossiping
func (g *GossipMembership) Shutdown() error {
	if err := g.memberlist.Leave(5 * time.Second); err != nil {
		g.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	err := g.memberlist.Shutdown()
	g.subs.close()
	return err
}

// NodeMeta implements memberlist.Delegate
func (g *GossipMembership) NodeMeta(limit int) []byte {
	g.mu.RLock()
	data, _ := json.Marshal(g.meta)
	g.mu.RUnlock()
	if len(data) > limit {
		g.logger.Warn("Node metadata exceeds gossip limit", zap.Int("size", len(data)), zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (g *GossipMembership) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (g *GossipMembership) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (g *GossipMembership) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (g *GossipMembership) MergeRemoteState(buf []byte, join bool) {}

func (g *GossipMembership) observe(node *memberlist.Node) {
	if node.Name == g.nodeID || len(node.Meta) == 0 {
		return
	}
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		g.logger.Warn("Failed to decode node metadata",
			zap.String("node_id", node.Name),
			zap.Error(err))
		return
	}
	if meta.Role != model.RoleActive {
		return
	}

	g.mu.Lock()
	changed := false
	if g.active != node.Name && meta.Epoch >= g.activeEpoch {
		g.active, g.activeEpoch = node.Name, meta.Epoch
		changed = true
	}
	g.mu.Unlock()
	if changed {
		g.logger.Info("Active node observed",
			zap.String("node_id", node.Name),
			zap.Uint64("epoch", uint64(meta.Epoch)))
	}
}

func (g *GossipMembership) leave(node *memberlist.Node) {
	g.mu.Lock()
	wasActive := g.active == node.Name
	if wasActive {
		g.active = ""
	}
	g.mu.Unlock()

	if wasActive {
		g.logger.Warn("Active node left the cluster", zap.String("node_id", node.Name))
		g.subs.publish(TerminationEvent{NodeID: node.Name, At: time.Now()})
	}
}

// gossipEvents handles memberlist events
type gossipEvents struct {
	g *GossipMembership
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	e.g.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	e.g.observe(node)
	e.g.updateMembers(1)
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.g.logger.Info("Node left", zap.String("node_id", node.Name))
	e.g.leave(node)
	e.g.updateMembers(-1)
}

func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	e.g.logger.Debug("Node updated", zap.String("node_id", node.Name))
	e.g.observe(node)
}

func (g *GossipMembership) updateMembers(delta int64) {
	g.metrics.UpdateGossipMembers(int(g.members.Add(delta)))
}
