package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/timesource"
)

type memoryItem struct {
	entry     model.DedupEntry
	expiresAt time.Time
}

type memoryShard struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

// MemoryStore keeps tokens in process, sharded by token hash
type MemoryStore struct {
	ttl    time.Duration
	clock  timesource.TimeSource
	shards []*memoryShard
}

// NewMemoryStore creates an in-memory token store
func NewMemoryStore(ttl time.Duration, shards int, clock timesource.TimeSource) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if shards <= 0 {
		shards = 16
	}
	if clock == nil {
		clock = timesource.System
	}

	s := &MemoryStore{ttl: ttl, clock: clock, shards: make([]*memoryShard, shards)}
	for i := range s.shards {
		s.shards[i] = &memoryShard{items: make(map[string]memoryItem)}
	}
	return s
}

func (s *MemoryStore) shard(token string) *memoryShard {
	return s.shards[xxhash.Sum64String(token)%uint64(len(s.shards))]
}

// Get returns the recorded outcome of token
func (s *MemoryStore) Get(_ context.Context, token string) (*model.DedupEntry, bool, error) {
	sh := s.shard(token)
	sh.mu.RLock()
	item, ok := sh.items[token]
	sh.mu.RUnlock()

	if !ok || !s.clock.Now().Before(item.expiresAt) {
		return nil, false, nil
	}
	entry := item.entry
	return &entry, true, nil
}

// Put records the outcome of token
func (s *MemoryStore) Put(_ context.Context, token string, entry *model.DedupEntry) error {
	sh := s.shard(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.items[token] = memoryItem{entry: *entry, expiresAt: s.clock.Now().Add(s.ttl)}
	return nil
}

// Sweep removes expired tokens and returns how many were removed
func (s *MemoryStore) Sweep(ctx context.Context) int {
	now := s.clock.Now()
	removed := 0
	for _, sh := range s.shards {
		if ctx.Err() != nil {
			return removed
		}
		sh.mu.Lock()
		for token, item := range sh.items {
			if !now.Before(item.expiresAt) {
				delete(sh.items, token)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of remembered tokens, expired ones included
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
