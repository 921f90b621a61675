// Package config loads the node configuration from a YAML file and the
// environment, and watches the file for resource pool changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/devrev/paircache/internal/model"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Loader reads the configuration of one file and can watch it
type Loader struct {
	path   string
	v      *viper.Viper
	logger *zap.Logger

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader for path. An empty path uses defaults and the
// environment only.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return &Loader{path: path, v: v, logger: logger}
}

// Load loads configuration from file and environment variables
func Load(path string) (*Config, error) {
	return NewLoader(path, nil).Load()
}

// Load reads the file, applies environment overrides and validates the result
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
			}
			l.logger.Warn("Config file not found, using defaults and environment",
				zap.String("path", l.path))
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables (these take precedence)
	applyEnvironmentOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Watch calls onChange with the previous and the new configuration every
// time the file changes and still validates. Invalid edits are logged and
// ignored.
func (l *Loader) Watch(onChange func(prev, next *Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := l.decode()
		if err != nil {
			l.logger.Error("Ignoring invalid config change",
				zap.String("path", e.Name),
				zap.Error(err))
			return
		}

		l.mu.Lock()
		prev := l.current
		l.current = next
		l.mu.Unlock()

		l.logger.Info("Config reloaded",
			zap.String("path", e.Name),
			zap.String("op", e.Op.String()))
		if prev != nil {
			onChange(prev, next)
		}
	})
	l.v.WatchConfig()
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("PAIRCACHE_NODE_ID"); nodeID != "" {
		cfg.Node.NodeID = nodeID
	}
	if pairID := os.Getenv("PAIRCACHE_PAIR_ID"); pairID != "" {
		cfg.Node.PairID = pairID
	}
	if role := os.Getenv("PAIRCACHE_ROLE"); role != "" {
		cfg.Node.Role = model.NodeRole(role)
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	// Dedup store (Redis)
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Dedup.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Dedup.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Dedup.Redis.Password = redisPassword
	}

	// Epoch store (PostgreSQL)
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Metadata.Postgres.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Metadata.Postgres.Port = p
		}
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Metadata.Postgres.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Metadata.Postgres.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Metadata.Postgres.Password = dbPassword
	}

	if seeds := os.Getenv("GOSSIP_SEED_NODES"); seeds != "" {
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
