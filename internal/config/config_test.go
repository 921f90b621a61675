package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `
node:
  node_id: node-a
  pair_id: pair-1
  role: passive
server:
  port: 7000
peers:
  - node_id: node-b
    address: 10.0.0.2:7000
caches:
  - name: users
    max_bytes: 1048576
    max_entries: 100
    ttl: 1m
replication:
  write_timeout: 2s
  shipper:
    batch_size: 64
  segment:
    enabled: true
    dir: /tmp/segments
    max_segments: 3
dedup:
  backend: badger
  badger:
    dir: /tmp/dedup
gossip:
  enabled: true
  bind_port: 8000
  seed_nodes: ["10.0.0.2:8000"]
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "paircache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "default", cfg.Node.PairID)
	assert.Equal(t, model.RoleActive, cfg.Node.Role)
	assert.Equal(t, 50061, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Replication.WriteTimeout)
	assert.Equal(t, "memory", cfg.Dedup.Backend)
	assert.Equal(t, "memory", cfg.Metadata.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30, cfg.Retry.MaxAttempts)

	// a node id is the only thing defaults cannot supply
	assert.Error(t, cfg.Validate())
	cfg.Node.NodeID = "n"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.NodeID)
	assert.Equal(t, "pair-1", cfg.Node.PairID)
	assert.Equal(t, model.RolePassive, cfg.Node.Role)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, []PeerConfig{{NodeID: "node-b", Address: "10.0.0.2:7000"}}, cfg.Peers)

	require.Len(t, cfg.Caches, 1)
	assert.Equal(t, store.ResourcePool{MaxBytes: 1 << 20, MaxEntries: 100}, cfg.Caches[0].Pool())
	assert.Equal(t, time.Minute, cfg.Caches[0].TTL)
	assert.Equal(t, 8, cfg.Caches[0].EvictionSample)

	assert.Equal(t, 2*time.Second, cfg.Replication.WriteTimeout)
	assert.Equal(t, 64, cfg.Replication.Shipper.BatchSize)
	assert.True(t, cfg.Replication.Segment.Enabled)
	assert.Equal(t, "/tmp/segments", cfg.Replication.Segment.Dir)
	assert.Equal(t, 3, cfg.Replication.Segment.MaxSegments)
	assert.Equal(t, "badger", cfg.Dedup.Backend)
	assert.Equal(t, "/tmp/dedup", cfg.Dedup.Badger.Dir)
	assert.True(t, cfg.Gossip.Enabled)
	assert.Equal(t, 8000, cfg.Gossip.BindPort)
	assert.Equal(t, []string{"10.0.0.2:8000"}, cfg.Gossip.SeedNodes)

	sc := cfg.NodeServerConfig()
	assert.Equal(t, "node-a", sc.NodeID)
	assert.Equal(t, model.RolePassive, sc.Role)
	require.NotNil(t, sc.Segment)
	assert.Equal(t, "/tmp/segments", sc.Segment.Dir)
	require.Len(t, sc.Caches, 1)
	assert.Equal(t, "users", sc.Caches[0].Name)
	assert.Equal(t, time.Minute, sc.Caches[0].TTL)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	t.Setenv("PAIRCACHE_NODE_ID", "node-z")
	t.Setenv("PAIRCACHE_ROLE", "active")
	t.Setenv("SERVER_PORT", "7100")
	t.Setenv("REDIS_HOST", "redis.local")
	t.Setenv("GOSSIP_SEED_NODES", "a:1,b:2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-z", cfg.Node.NodeID)
	assert.Equal(t, model.RoleActive, cfg.Node.Role)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, "redis.local", cfg.Dedup.Redis.Host)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Gossip.SeedNodes)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("PAIRCACHE_NODE_ID", "env-node")
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), zaptest.NewLogger(t)).Load()
	require.NoError(t, err)
	assert.Equal(t, "env-node", cfg.Node.NodeID)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(writeConfig(t, dir, "node: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, dir, "node:\n  node_id: a\n  role: leader\n"))
	assert.ErrorContains(t, err, "node.role")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Node.NodeID = "a"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server port"},
		{"peer without address", func(c *Config) { c.Peers = []PeerConfig{{NodeID: "b"}} }, "peers[0]"},
		{"peer is self", func(c *Config) { c.Peers = []PeerConfig{{NodeID: "a", Address: "x:1"}} }, "local node id"},
		{"duplicate peer", func(c *Config) {
			c.Peers = []PeerConfig{{NodeID: "b", Address: "x:1"}, {NodeID: "b", Address: "x:2"}}
		}, "duplicate peer"},
		{"unnamed cache", func(c *Config) { c.Caches = []CacheConfig{{}} }, "name is required"},
		{"duplicate cache", func(c *Config) { c.Caches = []CacheConfig{{Name: "x"}, {Name: "x"}} }, "duplicate cache"},
		{"negative pool", func(c *Config) { c.Caches = []CacheConfig{{Name: "x", MaxBytes: -1}} }, "negative"},
		{"ttl and tti", func(c *Config) { c.Caches = []CacheConfig{{Name: "x", TTL: time.Second, TTI: time.Second}} }, "both ttl and tti"},
		{"dedup backend", func(c *Config) { c.Dedup.Backend = "etcd" }, "dedup backend"},
		{"postgres without host", func(c *Config) { c.Metadata.Backend = "postgres" }, "metadata.postgres"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestPoolChanges(t *testing.T) {
	prev := &Config{Caches: []CacheConfig{
		{Name: "a", MaxBytes: 100},
		{Name: "b", MaxEntries: 10},
	}}
	next := &Config{Caches: []CacheConfig{
		{Name: "a", MaxBytes: 100, TTL: time.Second},
		{Name: "b", MaxEntries: 20},
		{Name: "c", MaxBytes: 5},
	}}

	changed := PoolChanges(prev, next)
	require.Len(t, changed, 2)
	assert.Equal(t, "b", changed[0].Name)
	assert.Equal(t, "c", changed[1].Name)
}

func TestDump(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	data, err := Dump(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "node_id: node-a")

	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, cfg.Caches, back.Caches)
	assert.Equal(t, cfg.Replication.Segment, back.Replication.Segment)
	assert.Equal(t, cfg.Gossip, back.Gossip)
}

func TestLoader_WatchReportsPoolChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)
	loader := NewLoader(path, zaptest.NewLogger(t))
	_, err := loader.Load()
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		changes []CacheConfig
	)
	loader.Watch(func(prev, next *Config) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, PoolChanges(prev, next)...)
	})

	writeConfig(t, dir, strings.Replace(sampleConfig, "max_entries: 100", "max_entries: 50", 1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "users", changes[0].Name)
	assert.Equal(t, 50, changes[0].MaxEntries)
}
