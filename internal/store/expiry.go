package store

import (
	"math"
	"time"
)

const (
	// NoExpiry means the entry never expires
	NoExpiry time.Duration = math.MaxInt64
	// Unchanged keeps the current deadline. Only meaningful for access and update.
	Unchanged time.Duration = -1
)

// Expiry computes entry lifetimes. A zero duration expires the entry immediately.
type Expiry[K comparable, V any] interface {
	ForCreation(key K, value V) time.Duration
	ForAccess(key K, value V) time.Duration
	ForUpdate(key K, oldValue, newValue V) time.Duration
}

type fixedExpiry[K comparable, V any] struct {
	creation time.Duration
	access   time.Duration
	update   time.Duration
}

func (e fixedExpiry[K, V]) ForCreation(K, V) time.Duration { return e.creation }
func (e fixedExpiry[K, V]) ForAccess(K, V) time.Duration   { return e.access }
func (e fixedExpiry[K, V]) ForUpdate(K, V, V) time.Duration {
	return e.update
}

// NoExpiration keeps entries until they are removed or evicted
func NoExpiration[K comparable, V any]() Expiry[K, V] {
	return fixedExpiry[K, V]{creation: NoExpiry, access: Unchanged, update: Unchanged}
}

// TimeToLive expires entries ttl after they were last written
func TimeToLive[K comparable, V any](ttl time.Duration) Expiry[K, V] {
	return fixedExpiry[K, V]{creation: ttl, access: Unchanged, update: ttl}
}

// TimeToIdle expires entries tti after they were last read or written
func TimeToIdle[K comparable, V any](tti time.Duration) Expiry[K, V] {
	return fixedExpiry[K, V]{creation: tti, access: tti, update: tti}
}

// deadline converts a lifetime into a unix-nano deadline, 0 meaning never
func deadline(now time.Time, d time.Duration) int64 {
	if d == NoExpiry || d < 0 {
		return 0
	}
	return now.Add(d).UnixNano()
}

func expiredAt(expiresAt, now int64) bool {
	return expiresAt != 0 && now >= expiresAt
}
