// Package store implements the heap tier of the cache: a generic in-process
// map of immutable value holders kept under a byte budget.
package store

import (
	"context"
	"time"
)

// Store is the contract shared by the heap tier and the clustered store
type Store[K comparable, V any] interface {
	// Get returns a copy of the live holder for key, or nil when absent
	Get(ctx context.Context, key K) (*ValueHolder[V], error)
	Put(ctx context.Context, key K, value V) error
	// PutIfAbsent stores value unless key is live. It returns the existing
	// holder when nothing was stored.
	PutIfAbsent(ctx context.Context, key K, value V) (*ValueHolder[V], error)
	// Replace stores value only when key is live and returns the previous holder
	Replace(ctx context.Context, key K, value V) (*ValueHolder[V], error)
	Remove(ctx context.Context, key K) error
	Clear(ctx context.Context) error
	ContainsKey(ctx context.Context, key K) (bool, error)
}

// TokenIssuer is implemented by stores whose mutations are deduplicated by a
// client token. Callers that retry an operation obtain one token up front and
// attach it with WithOperationToken so every attempt carries the same token.
type TokenIssuer interface {
	NewToken() string
}

type operationTokenKey struct{}

// WithOperationToken attaches a dedup token to ctx
func WithOperationToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, operationTokenKey{}, token)
}

// OperationToken returns the dedup token attached to ctx
func OperationToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(operationTokenKey{}).(string)
	return token, ok && token != ""
}

// ValueHolder wraps a value with its metadata. A holder handed to a caller is
// a snapshot and never changes afterwards.
type ValueHolder[V any] struct {
	value      V
	created    time.Time
	lastAccess time.Time
	expiresAt  time.Time
	hits       uint64
	insertion  uint64
	size       int64
}

// NewValueHolder builds a holder for stores that do not track access metadata
func NewValueHolder[V any](value V, created time.Time) *ValueHolder[V] {
	return &ValueHolder[V]{value: value, created: created, lastAccess: created}
}

func (h *ValueHolder[V]) Value() V              { return h.value }
func (h *ValueHolder[V]) Created() time.Time    { return h.created }
func (h *ValueHolder[V]) LastAccess() time.Time { return h.lastAccess }
func (h *ValueHolder[V]) Hits() uint64          { return h.hits }
func (h *ValueHolder[V]) InsertionSeq() uint64  { return h.insertion }
func (h *ValueHolder[V]) Size() int64           { return h.size }

// ExpiresAt returns the expiry deadline; the zero time means never
func (h *ValueHolder[V]) ExpiresAt() time.Time { return h.expiresAt }

// ResourcePool is the budget of a tier. Zero values mean unbounded.
type ResourcePool struct {
	MaxBytes   int64 `yaml:"max_bytes" mapstructure:"max_bytes"`
	MaxEntries int   `yaml:"max_entries" mapstructure:"max_entries"`
}

// EvictionVeto marks entries that must not be evicted
type EvictionVeto[K comparable, V any] func(key K, value V) bool

// Admission decides whether a value may be cached at all
type Admission[K comparable, V any] func(key K, value V) bool

// RemovalReason tells why an entry left the store without being removed by a caller
type RemovalReason string

const (
	RemovalEvicted RemovalReason = "evicted"
	RemovalExpired RemovalReason = "expired"
)

// RemovalEvent is delivered to the OnEvict hook
type RemovalEvent[K comparable, V any] struct {
	Key    K
	Value  V
	Size   int64
	Reason RemovalReason
}

// Stats holds store statistics
type Stats struct {
	Name         string
	Entries      int
	Bytes        int64
	MaxBytes     int64
	MaxEntries   int
	UsagePercent float64
	Hits         uint64
	Misses       uint64
	Puts         uint64
	Removals     uint64
	Evictions    uint64
	Expirations  uint64
}
