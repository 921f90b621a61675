// Package metadata persists the epoch of each node pair so a promotion is
// observed exactly once even across coordinator restarts.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/paircache/internal/model"
)

// ErrEpochConflict is returned when another promotion advanced the epoch first
var ErrEpochConflict = errors.New("epoch was advanced concurrently")

// EpochRecord is the persisted epoch of a pair
type EpochRecord struct {
	PairID     string      `json:"pair_id"`
	Epoch      model.Epoch `json:"epoch"`
	ActiveNode string      `json:"active_node"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// EpochStore persists pair epochs
type EpochStore interface {
	// Load returns the persisted record. An unknown pair has epoch 0.
	Load(ctx context.Context, pairID string) (*EpochRecord, error)
	// Advance moves the persisted epoch from expected to next and records
	// the new active. It fails with ErrEpochConflict if the epoch moved.
	Advance(ctx context.Context, pairID string, expected, next model.Epoch, activeNode string) (*EpochRecord, error)
	Close() error
}

// MemoryStore is an in-process EpochStore
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]EpochRecord
}

// NewMemoryStore creates an empty in-memory epoch store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]EpochRecord)}
}

// Load returns the record of pairID
func (s *MemoryStore) Load(_ context.Context, pairID string) (*EpochRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[pairID]
	if !ok {
		return &EpochRecord{PairID: pairID}, nil
	}
	return &rec, nil
}

// Advance moves the epoch of pairID from expected to next
func (s *MemoryStore) Advance(_ context.Context, pairID string, expected, next model.Epoch, activeNode string) (*EpochRecord, error) {
	if next <= expected {
		return nil, fmt.Errorf("epoch must increase: %d -> %d", expected, next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.records[pairID]
	if current.Epoch != expected {
		return nil, fmt.Errorf("%w: expected %d, found %d", ErrEpochConflict, expected, current.Epoch)
	}

	rec := EpochRecord{
		PairID:     pairID,
		Epoch:      next,
		ActiveNode: activeNode,
		UpdatedAt:  time.Now().UTC(),
	}
	s.records[pairID] = rec
	return &rec, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
