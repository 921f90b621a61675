package store

import (
	"sort"

	"go.uber.org/zap"
)

// candidate is an eviction candidate. Expired entries go first, then the
// least recently accessed, then the oldest insertion.
type candidate[K comparable] struct {
	key        K
	expired    bool
	lastAccess int64
	insertion  uint64
	size       int64
}

func (c *candidate[K]) before(o *candidate[K]) bool {
	if c.expired != o.expired {
		return c.expired
	}
	if c.lastAccess != o.lastAccess {
		return c.lastAccess < o.lastAccess
	}
	return c.insertion < o.insertion
}

// evictable reports whether sl may be chosen as a victim. Expiry is not
// subject to the veto.
func (s *HeapStore[K, V]) evictable(key K, sl *slot[V], now int64) (candidate[K], bool) {
	c := candidate[K]{
		key:        key,
		expired:    expiredAt(sl.expiresAt.Load(), now),
		lastAccess: sl.lastAccess.Load(),
		insertion:  sl.holder.insertion,
		size:       sl.holder.size,
	}
	if c.expired || s.veto == nil || !s.veto(key, sl.holder.value) {
		return c, true
	}
	return c, false
}

// planEviction chooses victims that free at least needBytes and needEntries
// without touching the map. It reports false when the non-vetoed entries
// cannot free enough. Must be called with s.mu held.
func (s *HeapStore[K, V]) planEviction(exclude K, hasExclude bool, now int64, needBytes int64, needEntries int) ([]K, bool) {
	if needBytes <= 0 && needEntries <= 0 {
		return nil, true
	}
	if s.sample <= 0 || s.sample >= len(s.entries) {
		return s.planExact(exclude, hasExclude, now, needBytes, needEntries)
	}
	return s.planSampled(exclude, hasExclude, now, needBytes, needEntries)
}

func (s *HeapStore[K, V]) planExact(exclude K, hasExclude bool, now int64, needBytes int64, needEntries int) ([]K, bool) {
	candidates := make([]candidate[K], 0, len(s.entries))
	for k, sl := range s.entries {
		if hasExclude && k == exclude {
			continue
		}
		if c, ok := s.evictable(k, sl, now); ok {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].before(&candidates[j])
	})

	var victims []K
	var freedBytes int64
	for i := range candidates {
		if freedBytes >= needBytes && len(victims) >= needEntries {
			break
		}
		victims = append(victims, candidates[i].key)
		freedBytes += candidates[i].size
	}
	return victims, freedBytes >= needBytes && len(victims) >= needEntries
}

// planSampled approximates LRU: each victim is the oldest of up to s.sample
// candidates reached through the randomized map iteration order
func (s *HeapStore[K, V]) planSampled(exclude K, hasExclude bool, now int64, needBytes int64, needEntries int) ([]K, bool) {
	chosen := make(map[K]struct{})
	var victims []K
	var freedBytes int64

	for freedBytes < needBytes || len(victims) < needEntries {
		var best *candidate[K]
		inspected := 0
		for k, sl := range s.entries {
			if hasExclude && k == exclude {
				continue
			}
			if _, taken := chosen[k]; taken {
				continue
			}
			c, ok := s.evictable(k, sl, now)
			if !ok {
				continue
			}
			if best == nil || c.before(best) {
				best = &c
			}
			inspected++
			if inspected >= s.sample {
				break
			}
		}
		if best == nil {
			return nil, false
		}
		chosen[best.key] = struct{}{}
		victims = append(victims, best.key)
		freedBytes += best.size
	}
	return victims, true
}

// evictableKeys returns every key the veto allows to evict
func (s *HeapStore[K, V]) evictableKeys(exclude K, hasExclude bool, now int64) []K {
	var keys []K
	for k, sl := range s.entries {
		if hasExclude && k == exclude {
			continue
		}
		if _, ok := s.evictable(k, sl, now); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// evictLocked removes victims and returns their removal events. Must be
// called with s.mu held.
func (s *HeapStore[K, V]) evictLocked(victims []K) []RemovalEvent[K, V] {
	if len(victims) == 0 {
		return nil
	}

	now := s.clock.Now().UnixNano()
	events := make([]RemovalEvent[K, V], 0, len(victims))
	var freed int64
	for _, k := range victims {
		sl, found := s.entries[k]
		if !found {
			continue
		}
		reason := RemovalEvicted
		if expiredAt(sl.expiresAt.Load(), now) {
			reason = RemovalExpired
			s.expirations.Add(1)
		} else {
			s.evictions.Add(1)
		}
		s.removeLocked(k, sl)
		freed += sl.holder.size
		events = append(events, RemovalEvent[K, V]{Key: k, Value: sl.holder.value, Size: sl.holder.size, Reason: reason})
	}

	s.logger.Debug("Evicted entries",
		zap.String("store", s.name),
		zap.Int("count", len(events)),
		zap.Int64("freed_bytes", freed),
		zap.Int64("bytes", s.bytes))
	return events
}
