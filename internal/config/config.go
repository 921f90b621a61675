package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/devrev/paircache/internal/dedup"
	"github.com/devrev/paircache/internal/failover"
	"github.com/devrev/paircache/internal/metadata"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/replication"
	"github.com/devrev/paircache/internal/resilience"
	"github.com/devrev/paircache/internal/server"
	"github.com/devrev/paircache/internal/sizeof"
	"github.com/devrev/paircache/internal/store"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a paircache node
type Config struct {
	Node        NodeConfig                 `yaml:"node" mapstructure:"node"`
	Server      ServerConfig               `yaml:"server" mapstructure:"server"`
	Peers       []PeerConfig               `yaml:"peers" mapstructure:"peers"`
	Caches      []CacheConfig              `yaml:"caches" mapstructure:"caches"`
	Replication ReplicationConfig          `yaml:"replication" mapstructure:"replication"`
	Dedup       dedup.Config               `yaml:"dedup" mapstructure:"dedup"`
	Metadata    MetadataConfig             `yaml:"metadata" mapstructure:"metadata"`
	Gossip      GossipConfig               `yaml:"gossip" mapstructure:"gossip"`
	Failover    failover.CoordinatorConfig `yaml:"failover" mapstructure:"failover"`
	Retry       resilience.RetryPolicy     `yaml:"retry" mapstructure:"retry"`
	Sizing      SizingConfig               `yaml:"sizing" mapstructure:"sizing"`
	WorkerPool  WorkerPoolConfig           `yaml:"worker_pool" mapstructure:"worker_pool"`
	Metrics     MetricsConfig              `yaml:"metrics" mapstructure:"metrics"`
	Logging     LoggingConfig              `yaml:"logging" mapstructure:"logging"`
}

// NodeConfig identifies the node within its pair
type NodeConfig struct {
	NodeID        string         `yaml:"node_id" mapstructure:"node_id"`
	PairID        string         `yaml:"pair_id" mapstructure:"pair_id"`
	Role          model.NodeRole `yaml:"role" mapstructure:"role"`
	SweepInterval time.Duration  `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	StatsInterval time.Duration  `yaml:"stats_interval" mapstructure:"stats_interval"`
}

// ServerConfig holds gRPC server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	CallTimeout     time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	SlowCall        time.Duration `yaml:"slow_call" mapstructure:"slow_call"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// Address returns host:port
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// PeerConfig is another node of the pair
type PeerConfig struct {
	NodeID  string `yaml:"node_id" mapstructure:"node_id"`
	Address string `yaml:"address" mapstructure:"address"`
}

// CacheConfig configures one named cache
type CacheConfig struct {
	Name           string        `yaml:"name" mapstructure:"name"`
	MaxBytes       int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	MaxEntries     int           `yaml:"max_entries" mapstructure:"max_entries"`
	EvictionSample int           `yaml:"eviction_sample" mapstructure:"eviction_sample"`
	TTL            time.Duration `yaml:"ttl" mapstructure:"ttl"`
	TTI            time.Duration `yaml:"tti" mapstructure:"tti"`
}

// Pool returns the resource pool of the cache
func (c CacheConfig) Pool() store.ResourcePool {
	return store.ResourcePool{MaxBytes: c.MaxBytes, MaxEntries: c.MaxEntries}
}

// ReplicationConfig holds log shipping and strong write settings
type ReplicationConfig struct {
	WriteTimeout  time.Duration             `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxPending    int                       `yaml:"max_pending" mapstructure:"max_pending"`
	SnapshotBatch int                       `yaml:"snapshot_batch" mapstructure:"snapshot_batch"`
	Shipper       replication.ShipperConfig `yaml:"shipper" mapstructure:"shipper"`
	Segment       SegmentConfig             `yaml:"segment" mapstructure:"segment"`
}

// SegmentConfig enables the durable record segments
type SegmentConfig struct {
	Enabled                   bool `yaml:"enabled" mapstructure:"enabled"`
	replication.SegmentConfig `yaml:",inline" mapstructure:",squash"`
}

// MetadataConfig selects where pair epochs are persisted
type MetadataConfig struct {
	Backend  string                  `yaml:"backend" mapstructure:"backend"` // memory or postgres
	Postgres metadata.PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled               bool `yaml:"enabled" mapstructure:"enabled"`
	failover.GossipConfig `yaml:",inline" mapstructure:",squash"`
}

// SizingConfig bounds the size estimate of one value
type SizingConfig struct {
	MaxDepth   int   `yaml:"max_depth" mapstructure:"max_depth"`
	MaxObjects int64 `yaml:"max_objects" mapstructure:"max_objects"`
}

// WorkerPoolConfig sizes the pool running sweeps and housekeeping
type WorkerPoolConfig struct {
	MaxWorkers int `yaml:"max_workers" mapstructure:"max_workers"`
	QueueSize  int `yaml:"queue_size" mapstructure:"queue_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.PairID == "" {
		cfg.Node.PairID = "default"
	}
	if cfg.Node.Role == "" {
		cfg.Node.Role = model.RoleActive
	}
	if cfg.Node.SweepInterval == 0 {
		cfg.Node.SweepInterval = 30 * time.Second
	}
	if cfg.Node.StatsInterval == 0 {
		cfg.Node.StatsInterval = 10 * time.Second
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50061
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.CallTimeout == 0 {
		cfg.Server.CallTimeout = 10 * time.Second
	}
	if cfg.Server.SlowCall == 0 {
		cfg.Server.SlowCall = time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	for i := range cfg.Caches {
		if cfg.Caches[i].EvictionSample == 0 {
			cfg.Caches[i].EvictionSample = 8
		}
	}

	if cfg.Replication.WriteTimeout == 0 {
		cfg.Replication.WriteTimeout = 5 * time.Second
	}
	if cfg.Replication.MaxPending == 0 {
		cfg.Replication.MaxPending = 100000
	}
	if cfg.Replication.SnapshotBatch == 0 {
		cfg.Replication.SnapshotBatch = 1000
	}
	def := replication.DefaultShipperConfig()
	if cfg.Replication.Shipper.BatchSize == 0 {
		cfg.Replication.Shipper.BatchSize = def.BatchSize
	}
	if cfg.Replication.Shipper.ShipTimeout == 0 {
		cfg.Replication.Shipper.ShipTimeout = def.ShipTimeout
	}
	if cfg.Replication.Shipper.RetryBackoff == 0 {
		cfg.Replication.Shipper.RetryBackoff = def.RetryBackoff
	}
	if cfg.Replication.Shipper.MaxBackoff == 0 {
		cfg.Replication.Shipper.MaxBackoff = def.MaxBackoff
	}
	if cfg.Replication.Shipper.IdleResendTick == 0 {
		cfg.Replication.Shipper.IdleResendTick = def.IdleResendTick
	}
	if cfg.Replication.Segment.Dir == "" {
		cfg.Replication.Segment.Dir = "/var/lib/paircache/segments"
	}
	if cfg.Replication.Segment.SegmentSize == 0 {
		cfg.Replication.Segment.SegmentSize = 64 << 20 // 64MB
	}
	if cfg.Replication.Segment.MaxSegments == 0 {
		cfg.Replication.Segment.MaxSegments = 8
	}

	if cfg.Dedup.Backend == "" {
		cfg.Dedup.Backend = "memory"
	}
	if cfg.Dedup.TTL == 0 {
		cfg.Dedup.TTL = dedup.DefaultTTL
	}
	if cfg.Dedup.Redis.Port == 0 {
		cfg.Dedup.Redis.Port = 6379
	}

	if cfg.Metadata.Backend == "" {
		cfg.Metadata.Backend = "memory"
	}
	if cfg.Metadata.Postgres.Port == 0 {
		cfg.Metadata.Postgres.Port = 5432
	}
	if cfg.Metadata.Postgres.MaxConns == 0 {
		cfg.Metadata.Postgres.MaxConns = 4
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}

	if cfg.Failover.PromoteTimeout == 0 {
		cfg.Failover.PromoteTimeout = 10 * time.Second
	}
	if cfg.Failover.MaxAttempts == 0 {
		cfg.Failover.MaxAttempts = 5
	}
	if cfg.Failover.RetryBackoff == 0 {
		cfg.Failover.RetryBackoff = 200 * time.Millisecond
	}

	retry := resilience.DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = retry.MaxAttempts
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = retry.InitialBackoff
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = retry.MaxBackoff
	}

	if cfg.Sizing.MaxDepth == 0 {
		cfg.Sizing.MaxDepth = 1000
	}
	if cfg.Sizing.MaxObjects == 0 {
		cfg.Sizing.MaxObjects = 100000
	}

	if cfg.WorkerPool.MaxWorkers == 0 {
		cfg.WorkerPool.MaxWorkers = 4
	}
	if cfg.WorkerPool.QueueSize == 0 {
		cfg.WorkerPool.QueueSize = 256
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return fmt.Errorf("node.node_id is required")
	}
	if c.Node.Role != model.RoleActive && c.Node.Role != model.RolePassive {
		return fmt.Errorf("node.role must be active or passive, got %q", c.Node.Role)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	peers := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.NodeID == "" || p.Address == "" {
			return fmt.Errorf("peers[%d] needs node_id and address", i)
		}
		if p.NodeID == c.Node.NodeID {
			return fmt.Errorf("peers[%d] repeats the local node id %q", i, p.NodeID)
		}
		if peers[p.NodeID] {
			return fmt.Errorf("duplicate peer %q", p.NodeID)
		}
		peers[p.NodeID] = true
	}

	names := make(map[string]bool, len(c.Caches))
	for i, cc := range c.Caches {
		if cc.Name == "" {
			return fmt.Errorf("caches[%d].name is required", i)
		}
		if names[cc.Name] {
			return fmt.Errorf("duplicate cache %q", cc.Name)
		}
		names[cc.Name] = true
		if cc.MaxBytes < 0 || cc.MaxEntries < 0 {
			return fmt.Errorf("cache %q has a negative resource pool", cc.Name)
		}
		if cc.TTL > 0 && cc.TTI > 0 {
			return fmt.Errorf("cache %q sets both ttl and tti", cc.Name)
		}
	}

	if c.Replication.WriteTimeout <= 0 {
		return fmt.Errorf("replication.write_timeout must be positive")
	}
	switch c.Dedup.Backend {
	case "memory", "redis", "badger":
	default:
		return fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend)
	}
	switch c.Metadata.Backend {
	case "memory":
	case "postgres":
		if c.Metadata.Postgres.Host == "" || c.Metadata.Postgres.Database == "" {
			return fmt.Errorf("metadata.postgres needs host and database")
		}
	default:
		return fmt.Errorf("unknown metadata backend %q", c.Metadata.Backend)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}

// ServerCaches converts the cache section into node cache configs
func (c *Config) ServerCaches() []server.CacheConfig {
	caches := make([]server.CacheConfig, 0, len(c.Caches))
	for _, cc := range c.Caches {
		caches = append(caches, server.CacheConfig{
			Name:           cc.Name,
			Pool:           cc.Pool(),
			EvictionSample: cc.EvictionSample,
			TTL:            cc.TTL,
			TTI:            cc.TTI,
		})
	}
	return caches
}

// NodeServerConfig builds the configuration of the server node
func (c *Config) NodeServerConfig() server.Config {
	cfg := server.Config{
		NodeID:        c.Node.NodeID,
		PairID:        c.Node.PairID,
		Role:          c.Node.Role,
		Caches:        c.ServerCaches(),
		WriteTimeout:  c.Replication.WriteTimeout,
		SweepInterval: c.Node.SweepInterval,
		StatsInterval: c.Node.StatsInterval,
		MaxPending:    c.Replication.MaxPending,
		SnapshotBatch: c.Replication.SnapshotBatch,
		Sizing: sizeof.Config{
			MaxDepth:   c.Sizing.MaxDepth,
			MaxObjects: c.Sizing.MaxObjects,
		},
		Shipper: c.Replication.Shipper,
	}
	if c.Replication.Segment.Enabled {
		seg := c.Replication.Segment.SegmentConfig
		cfg.Segment = &seg
	}
	return cfg
}

// PoolChanges returns the caches of next whose resource pool differs from prev
func PoolChanges(prev, next *Config) []CacheConfig {
	old := make(map[string]store.ResourcePool, len(prev.Caches))
	for _, cc := range prev.Caches {
		old[cc.Name] = cc.Pool()
	}
	var changed []CacheConfig
	for _, cc := range next.Caches {
		if pool, ok := old[cc.Name]; !ok || pool != cc.Pool() {
			changed = append(changed, cc)
		}
	}
	return changed
}

// Dump renders the configuration as YAML
func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
