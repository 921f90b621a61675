package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/paircache/internal/model"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig holds embedded Badger settings. An empty Dir keeps the
// database in memory.
type BadgerConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// BadgerStore keeps tokens in an embedded Badger database with native TTL
type BadgerStore struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

// NewBadgerStore opens the database
func NewBadgerStore(cfg BadgerConfig, ttl time.Duration, logger *zap.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerStore{db: db, ttl: ttl, logger: logger}, nil
}

// Get returns the recorded outcome of token
func (s *BadgerStore) Get(_ context.Context, token string) (*model.DedupEntry, bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(token))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read dedup token: %w", err)
	}
	if data == nil {
		return nil, false, nil
	}

	entry, err := decodeEntry(data)
	if err != nil {
		s.logger.Warn("Discarding undecodable dedup entry", zap.String("token", token), zap.Error(err))
		return nil, false, nil
	}
	return entry, true, nil
}

// Put records the outcome of token
func (s *BadgerStore) Put(_ context.Context, token string, entry *model.DedupEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(token), data).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("failed to write dedup token: %w", err)
	}
	return nil
}

// Maintain runs value log garbage collection. An in-memory database has no
// value log to collect.
func (s *BadgerStore) Maintain() error {
	if s.db.Opts().InMemory {
		return nil
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
