package dedup

import (
	"fmt"

	"github.com/devrev/paircache/internal/timesource"
	"go.uber.org/zap"
)

// Open creates the Store selected by cfg.Backend
func Open(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.TTL, cfg.Shards, timesource.System), nil
	case "redis":
		return NewRedisStore(cfg.Redis, cfg.TTL, logger)
	case "badger":
		return NewBadgerStore(cfg.Badger, cfg.TTL, logger)
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}
