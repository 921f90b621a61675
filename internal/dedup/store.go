// Package dedup remembers the outcome of applied client tokens so a retried
// operation is answered from the recorded outcome instead of being applied
// twice.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/paircache/internal/model"
)

// DefaultTTL bounds how long a token is remembered. It must outlast the
// client's retry window.
const DefaultTTL = 10 * time.Minute

// Store is a token to outcome map with bounded retention
type Store interface {
	// Get returns the recorded outcome of token, if any
	Get(ctx context.Context, token string) (*model.DedupEntry, bool, error)
	// Put records the outcome of token
	Put(ctx context.Context, token string, entry *model.DedupEntry) error
	Close() error
}

// Config selects and configures a Store backend
type Config struct {
	Backend string        `yaml:"backend" mapstructure:"backend"` // memory, redis or badger
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Shards  int           `yaml:"shards" mapstructure:"shards"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Badger  BadgerConfig  `yaml:"badger" mapstructure:"badger"`
}

func encodeEntry(entry *model.DedupEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dedup entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*model.DedupEntry, error) {
	var entry model.DedupEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dedup entry: %w", err)
	}
	return &entry, nil
}
