package store

import (
	"context"
	"time"

	"github.com/devrev/paircache/internal/util/workerpool"
	"go.uber.org/zap"
)

// sweepBatch bounds how many entries one write-locked section removes
const sweepBatch = 256

// StartSweeper schedules expiry sweeps on pool every interval until ctx ends
func (s *HeapStore[K, V]) StartSweeper(ctx context.Context, pool *workerpool.WorkerPool, interval time.Duration) {
	pool.Every(ctx, "expiry-sweep:"+s.name, interval, func(ctx context.Context) error {
		removed := s.Sweep(ctx)
		if removed > 0 {
			s.logger.Debug("Expiry sweep completed",
				zap.String("store", s.name),
				zap.Int("removed", removed))
		}
		return nil
	})
}

// Sweep removes expired entries and returns how many were removed
func (s *HeapStore[K, V]) Sweep(ctx context.Context) int {
	now := s.clock.Now().UnixNano()

	s.mu.RLock()
	var expired []K
	for k, sl := range s.entries {
		if expiredAt(sl.expiresAt.Load(), now) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for start := 0; start < len(expired); start += sweepBatch {
		if ctx.Err() != nil {
			break
		}
		end := start + sweepBatch
		if end > len(expired) {
			end = len(expired)
		}

		var events []RemovalEvent[K, V]
		s.mu.Lock()
		for _, k := range expired[start:end] {
			sl, found := s.entries[k]
			// the entry may have been rewritten since the scan
			if !found || !expiredAt(sl.expiresAt.Load(), now) {
				continue
			}
			s.removeLocked(k, sl)
			events = append(events, RemovalEvent[K, V]{Key: k, Value: sl.holder.value, Size: sl.holder.size, Reason: RemovalExpired})
		}
		s.mu.Unlock()

		s.expirations.Add(uint64(len(events)))
		removed += len(events)
		s.notify(events...)
	}
	return removed
}
