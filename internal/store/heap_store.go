package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/paircache/internal/copier"
	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/sizeof"
	"github.com/devrev/paircache/internal/timesource"
	"go.uber.org/zap"
)

// Config holds heap store configuration
type Config[K comparable, V any] struct {
	Name string
	Pool ResourcePool
	// EvictionSample is the number of candidates inspected per victim.
	// Zero inspects every entry.
	EvictionSample int

	Sizer       *sizeof.Engine
	KeyCopier   copier.Copier[K]
	ValueCopier copier.Copier[V]
	Expiry      Expiry[K, V]
	Veto        EvictionVeto[K, V]
	Admission   Admission[K, V]
	TimeSource  timesource.TimeSource
	OnEvict     func(RemovalEvent[K, V])
	// FaultHook is consulted before every operation; a non-nil error fails
	// the operation as a store access fault
	FaultHook func(op string) error
	Logger    *zap.Logger
}

// slot is the map value. The holder is immutable; access metadata lives
// beside it and is updated with atomics.
type slot[V any] struct {
	holder     *ValueHolder[V]
	lastAccess atomic.Int64
	hits       atomic.Uint64
	expiresAt  atomic.Int64
}

type writeMode int

const (
	writeAlways writeMode = iota
	writeIfAbsent
	writeIfPresent
)

// HeapStore is a budgeted in-memory store
type HeapStore[K comparable, V any] struct {
	name        string
	sizer       *sizeof.Engine
	keyCopier   copier.Copier[K]
	valueCopier copier.Copier[V]
	expiry      Expiry[K, V]
	veto        EvictionVeto[K, V]
	admission   Admission[K, V]
	clock       timesource.TimeSource
	onEvict     func(RemovalEvent[K, V])
	faultHook   func(op string) error
	sample      int
	logger      *zap.Logger

	mu        sync.RWMutex
	entries   map[K]*slot[V]
	pool      ResourcePool
	bytes     int64
	insertion uint64

	hits        atomic.Uint64
	misses      atomic.Uint64
	puts        atomic.Uint64
	removals    atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// NewHeapStore creates a heap store
func NewHeapStore[K comparable, V any](cfg Config[K, V]) *HeapStore[K, V] {
	if cfg.Sizer == nil {
		cfg.Sizer = sizeof.NewEngine(sizeof.Config{})
	}
	if cfg.KeyCopier == nil {
		cfg.KeyCopier = copier.NewIdentityCopier[K]()
	}
	if cfg.ValueCopier == nil {
		cfg.ValueCopier = copier.NewIdentityCopier[V]()
	}
	if cfg.Expiry == nil {
		cfg.Expiry = NoExpiration[K, V]()
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = timesource.System
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &HeapStore[K, V]{
		name:        cfg.Name,
		sizer:       cfg.Sizer,
		keyCopier:   cfg.KeyCopier,
		valueCopier: cfg.ValueCopier,
		expiry:      cfg.Expiry,
		veto:        cfg.Veto,
		admission:   cfg.Admission,
		clock:       cfg.TimeSource,
		onEvict:     cfg.OnEvict,
		faultHook:   cfg.FaultHook,
		sample:      cfg.EvictionSample,
		logger:      cfg.Logger,
		entries:     make(map[K]*slot[V]),
		pool:        cfg.Pool,
	}
}

// Name returns the store name
func (s *HeapStore[K, V]) Name() string {
	return s.name
}

func (s *HeapStore[K, V]) checkFault(op string) error {
	if s.faultHook == nil {
		return nil
	}
	if err := s.faultHook(op); err != nil {
		return cerrors.StoreAccess(op+" failed", err)
	}
	return nil
}

// Get retrieves a live entry. Expired entries are removed and reported absent.
func (s *HeapStore[K, V]) Get(ctx context.Context, key K) (*ValueHolder[V], error) {
	if err := s.checkFault("get"); err != nil {
		return nil, err
	}

	now := s.clock.Now()

	s.mu.RLock()
	sl, found := s.entries[key]
	s.mu.RUnlock()

	if !found {
		s.misses.Add(1)
		return nil, nil
	}
	if expiredAt(sl.expiresAt.Load(), now.UnixNano()) {
		s.expireSlot(key, sl)
		s.misses.Add(1)
		return nil, nil
	}

	s.touch(key, sl, now)
	s.hits.Add(1)
	return s.snapshot(sl)
}

func (s *HeapStore[K, V]) touch(key K, sl *slot[V], now time.Time) {
	sl.lastAccess.Store(now.UnixNano())
	sl.hits.Add(1)
	if d := s.expiry.ForAccess(key, sl.holder.value); d != Unchanged {
		sl.expiresAt.Store(deadlineOrNow(now, d))
	}
}

// deadlineOrNow is deadline for a lifetime that may be zero. A zero lifetime
// expires at now so the next observation removes the entry.
func deadlineOrNow(now time.Time, d time.Duration) int64 {
	if d == 0 {
		return now.UnixNano()
	}
	return deadline(now, d)
}

// expireSlot removes sl if it is still mapped at key
func (s *HeapStore[K, V]) expireSlot(key K, sl *slot[V]) {
	s.mu.Lock()
	current, found := s.entries[key]
	if !found || current != sl {
		s.mu.Unlock()
		return
	}
	s.removeLocked(key, sl)
	s.mu.Unlock()

	s.expirations.Add(1)
	s.notify(RemovalEvent[K, V]{Key: key, Value: sl.holder.value, Size: sl.holder.size, Reason: RemovalExpired})
}

func (s *HeapStore[K, V]) snapshot(sl *slot[V]) (*ValueHolder[V], error) {
	v, err := s.valueCopier.CopyForRead(sl.holder.value)
	if err != nil {
		return nil, cerrors.StoreAccess("failed to copy value for read", err)
	}
	h := *sl.holder
	h.value = v
	h.lastAccess = time.Unix(0, sl.lastAccess.Load())
	h.hits = sl.hits.Load()
	if exp := sl.expiresAt.Load(); exp != 0 {
		h.expiresAt = time.Unix(0, exp)
	}
	return &h, nil
}

// Put inserts or replaces a value
func (s *HeapStore[K, V]) Put(ctx context.Context, key K, value V) error {
	_, err := s.write(key, value, writeAlways)
	return err
}

// PutIfAbsent inserts value unless key is live
func (s *HeapStore[K, V]) PutIfAbsent(ctx context.Context, key K, value V) (*ValueHolder[V], error) {
	existing, err := s.write(key, value, writeIfAbsent)
	if err != nil || existing == nil {
		return nil, err
	}
	return s.snapshot(existing)
}

// Replace stores value only when key is live
func (s *HeapStore[K, V]) Replace(ctx context.Context, key K, value V) (*ValueHolder[V], error) {
	previous, err := s.write(key, value, writeIfPresent)
	if err != nil || previous == nil {
		return nil, err
	}
	return s.snapshot(previous)
}

// write stores value under key according to mode. For writeIfAbsent it
// returns the live slot that prevented the write; for writeIfPresent it
// returns the replaced slot.
func (s *HeapStore[K, V]) write(key K, value V, mode writeMode) (*slot[V], error) {
	if err := s.checkFault("put"); err != nil {
		return nil, err
	}

	storedKey, err := s.keyCopier.CopyForWrite(key)
	if err != nil {
		return nil, cerrors.StoreAccess("failed to copy key for write", err)
	}
	storedValue, err := s.valueCopier.CopyForWrite(value)
	if err != nil {
		return nil, cerrors.StoreAccess("failed to copy value for write", err)
	}

	admitted := s.admission == nil || s.admission(storedKey, storedValue)

	var size int64
	if admitted {
		size, err = s.sizer.SizeOf(storedKey, storedValue)
		if err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	nowNanos := now.UnixNano()
	var events []RemovalEvent[K, V]

	s.mu.Lock()

	existing, found := s.entries[key]
	live := found && !expiredAt(existing.expiresAt.Load(), nowNanos)
	if found && !live {
		s.removeLocked(key, existing)
		events = append(events, RemovalEvent[K, V]{Key: key, Value: existing.holder.value, Size: existing.holder.size, Reason: RemovalExpired})
		s.expirations.Add(1)
		existing = nil
	}

	switch {
	case mode == writeIfAbsent && live:
		s.mu.Unlock()
		s.notify(events...)
		return existing, nil
	case mode == writeIfPresent && !live:
		s.mu.Unlock()
		s.notify(events...)
		return nil, nil
	}

	var lifetime time.Duration
	if live {
		lifetime = s.expiry.ForUpdate(key, existing.holder.value, storedValue)
	} else {
		lifetime = s.expiry.ForCreation(key, storedValue)
	}

	if !admitted || lifetime == 0 {
		// never cached, and the previous value must not stay visible
		if live {
			s.removeLocked(key, existing)
			s.removals.Add(1)
		}
		s.mu.Unlock()
		s.notify(events...)
		return existing, nil
	}

	if s.pool.MaxBytes > 0 && size > s.pool.MaxBytes {
		s.mu.Unlock()
		s.notify(events...)
		return nil, cerrors.CapacityExceeded(size, s.pool.MaxBytes)
	}

	var oldSize int64
	if live {
		oldSize = existing.holder.size
	}
	needBytes := int64(0)
	if s.pool.MaxBytes > 0 {
		needBytes = s.bytes - oldSize + size - s.pool.MaxBytes
	}
	needEntries := 0
	if s.pool.MaxEntries > 0 && !live {
		needEntries = len(s.entries) + 1 - s.pool.MaxEntries
	}

	victims, ok := s.planEviction(key, true, nowNanos, needBytes, needEntries)
	if !ok {
		required := s.bytes - oldSize + size
		capacity := s.pool.MaxBytes
		s.mu.Unlock()
		s.notify(events...)
		return nil, cerrors.CapacityExceeded(required, capacity)
	}
	events = append(events, s.evictLocked(victims)...)

	var expiresAt int64
	switch {
	case lifetime == Unchanged && live:
		expiresAt = existing.expiresAt.Load()
	case lifetime == Unchanged:
		expiresAt = 0
	default:
		expiresAt = deadline(now, lifetime)
	}

	s.insertion++
	sl := &slot[V]{holder: &ValueHolder[V]{
		value:     storedValue,
		created:   now,
		insertion: s.insertion,
		size:      size,
	}}
	sl.lastAccess.Store(nowNanos)
	sl.expiresAt.Store(expiresAt)

	if live {
		s.bytes -= oldSize
	}
	s.entries[storedKey] = sl
	s.bytes += size
	s.mu.Unlock()

	s.puts.Add(1)
	s.notify(events...)

	if mode == writeIfPresent {
		return existing, nil
	}
	return nil, nil
}

// Remove deletes key
func (s *HeapStore[K, V]) Remove(ctx context.Context, key K) error {
	if err := s.checkFault("remove"); err != nil {
		return err
	}

	s.mu.Lock()
	sl, found := s.entries[key]
	if found {
		s.removeLocked(key, sl)
	}
	s.mu.Unlock()

	if found {
		s.removals.Add(1)
	}
	return nil
}

// Clear drops every entry. Readers observe either the old or the empty map.
func (s *HeapStore[K, V]) Clear(ctx context.Context) error {
	if err := s.checkFault("clear"); err != nil {
		return err
	}

	s.mu.Lock()
	removed := len(s.entries)
	s.entries = make(map[K]*slot[V])
	s.bytes = 0
	s.mu.Unlock()

	s.removals.Add(uint64(removed))
	s.logger.Debug("Cleared store",
		zap.String("store", s.name),
		zap.Int("entries", removed))
	return nil
}

// ContainsKey reports whether key is live. It does not count as an access.
func (s *HeapStore[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	if err := s.checkFault("contains_key"); err != nil {
		return false, err
	}

	now := s.clock.Now().UnixNano()
	s.mu.RLock()
	sl, found := s.entries[key]
	s.mu.RUnlock()

	return found && !expiredAt(sl.expiresAt.Load(), now), nil
}

// Size returns the number of mapped entries, including expired entries not
// yet swept
func (s *HeapStore[K, V]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Bytes returns the estimated size of all mapped entries
func (s *HeapStore[K, V]) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// Iterate calls fn with a snapshot of every live entry until fn returns false.
// Entries written during the iteration may or may not be visited.
func (s *HeapStore[K, V]) Iterate(ctx context.Context, fn func(key K, holder *ValueHolder[V]) bool) error {
	now := s.clock.Now().UnixNano()

	type pair struct {
		key K
		sl  *slot[V]
	}

	s.mu.RLock()
	live := make([]pair, 0, len(s.entries))
	for k, sl := range s.entries {
		if !expiredAt(sl.expiresAt.Load(), now) {
			live = append(live, pair{key: k, sl: sl})
		}
	}
	s.mu.RUnlock()

	for _, p := range live {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := s.snapshot(p.sl)
		if err != nil {
			return err
		}
		if !fn(p.key, h) {
			return nil
		}
	}
	return nil
}

// SetResourcePool changes the budget. A smaller budget triggers an eviction
// pass; vetoed entries may keep the store above the new budget.
func (s *HeapStore[K, V]) SetResourcePool(pool ResourcePool) {
	var zero K
	now := s.clock.Now().UnixNano()

	s.mu.Lock()
	s.pool = pool

	needBytes := int64(0)
	if pool.MaxBytes > 0 {
		needBytes = s.bytes - pool.MaxBytes
	}
	needEntries := 0
	if pool.MaxEntries > 0 {
		needEntries = len(s.entries) - pool.MaxEntries
	}

	victims, ok := s.planEviction(zero, false, now, needBytes, needEntries)
	if !ok {
		// shrink as far as the veto allows
		victims = s.evictableKeys(zero, false, now)
	}
	events := s.evictLocked(victims)
	bytes := s.bytes
	s.mu.Unlock()

	s.notify(events...)

	if !ok {
		s.logger.Warn("Store remains over budget after reconfiguration",
			zap.String("store", s.name),
			zap.Int64("bytes", bytes),
			zap.Int64("max_bytes", pool.MaxBytes))
	}
	s.logger.Info("Resource pool updated",
		zap.String("store", s.name),
		zap.Int64("max_bytes", pool.MaxBytes),
		zap.Int("max_entries", pool.MaxEntries),
		zap.Int("evicted", len(victims)))
}

// ResourcePool returns the current budget
func (s *HeapStore[K, V]) ResourcePool() ResourcePool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Stats returns store statistics
func (s *HeapStore[K, V]) Stats() Stats {
	s.mu.RLock()
	entries := len(s.entries)
	bytes := s.bytes
	pool := s.pool
	s.mu.RUnlock()

	var usage float64
	if pool.MaxBytes > 0 {
		usage = float64(bytes) / float64(pool.MaxBytes) * 100
	}

	return Stats{
		Name:         s.name,
		Entries:      entries,
		Bytes:        bytes,
		MaxBytes:     pool.MaxBytes,
		MaxEntries:   pool.MaxEntries,
		UsagePercent: usage,
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		Puts:         s.puts.Load(),
		Removals:     s.removals.Load(),
		Evictions:    s.evictions.Load(),
		Expirations:  s.expirations.Load(),
	}
}

func (s *HeapStore[K, V]) removeLocked(key K, sl *slot[V]) {
	delete(s.entries, key)
	s.bytes -= sl.holder.size
}

func (s *HeapStore[K, V]) notify(events ...RemovalEvent[K, V]) {
	if s.onEvict == nil {
		return
	}
	for _, ev := range events {
		s.onEvict(ev)
	}
}
