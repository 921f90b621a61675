// Package resilience is the cache-facing API. It wraps a store, retries
// transient replication and failover faults and hands store access faults to
// a Strategy.
package resilience

import (
	"context"
	stderrors "errors"
	"fmt"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/metrics"
	"github.com/devrev/paircache/internal/store"
	"go.uber.org/zap"
)

type faultClass int

const (
	faultNone faultClass = iota
	// faultTransient is retried with the same dedup token
	faultTransient
	// faultSurfaced goes back to the caller unchanged
	faultSurfaced
	// faultAccess is handed to the strategy
	faultAccess
)

func classify(ctx context.Context, err error) faultClass {
	if err == nil {
		return faultNone
	}
	if ctx.Err() != nil && (stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)) {
		return faultSurfaced
	}
	switch cerrors.GetCode(err) {
	case cerrors.ErrCodeSizeLimitExceeded, cerrors.ErrCodeCapacityExceeded:
		return faultSurfaced
	case cerrors.ErrCodeUnavailable, cerrors.ErrCodeReplicationTimeout, cerrors.ErrCodeFailoverInProgress:
		return faultTransient
	default:
		return faultAccess
	}
}

// Config holds boundary configuration
type Config[K comparable, V any] struct {
	// Strategy defaults to a RobustStrategy over the wrapped store
	Strategy Strategy[K, V]
	Retry    RetryPolicy
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Boundary is the cache-facing API over a store
type Boundary[K comparable, V any] struct {
	store    store.Store[K, V]
	strategy Strategy[K, V]
	retry    RetryPolicy
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewBoundary wraps s
func NewBoundary[K comparable, V any](s store.Store[K, V], cfg Config[K, V]) *Boundary[K, V] {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Strategy == nil {
		cfg.Strategy = NewRobustStrategy(s, cfg.Logger)
	}

	return &Boundary[K, V]{
		store:    s,
		strategy: cfg.Strategy,
		retry:    cfg.Retry.normalized(),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// withToken gives a mutation one dedup token for all of its attempts
func (b *Boundary[K, V]) withToken(ctx context.Context) context.Context {
	if _, ok := store.OperationToken(ctx); ok {
		return ctx
	}
	issuer, ok := b.store.(store.TokenIssuer)
	if !ok {
		return ctx
	}
	return store.WithOperationToken(ctx, issuer.NewToken())
}

// run executes fn, retrying transient faults. Exhaustion becomes a
// ReplicationTimeout.
func (b *Boundary[K, V]) run(ctx context.Context, op string, mutating bool, fn func(ctx context.Context) error) error {
	if mutating {
		ctx = b.withToken(ctx)
	}

	var lastErr error
	for attempt := 1; attempt <= b.retry.MaxAttempts; attempt++ {
		err := fn(ctx)
		if classify(ctx, err) != faultTransient {
			return err
		}
		lastErr = err
		if attempt == b.retry.MaxAttempts {
			break
		}

		b.metrics.RecordRetry(op)
		b.logger.Debug("Retrying transient fault",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if err := sleep(ctx, b.retry.Backoff(attempt)); err != nil {
			return err
		}
	}

	b.logger.Warn("Retries exhausted",
		zap.String("operation", op),
		zap.Int("attempts", b.retry.MaxAttempts),
		zap.Error(lastErr))
	return cerrors.ReplicationTimeout(fmt.Sprintf("%s did not complete after %d attempts", op, b.retry.MaxAttempts), lastErr)
}

// toStrategy reports whether err must be handed to the strategy
func (b *Boundary[K, V]) toStrategy(ctx context.Context, op string, err error) bool {
	if err == nil {
		return false
	}
	// retry exhaustion arrives here as a transient code and is surfaced
	if classify(ctx, err) != faultAccess {
		return false
	}
	b.metrics.RecordStrategyFailure(op)
	return true
}

// Get returns the value for key and whether it was present
func (b *Boundary[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var holder *store.ValueHolder[V]
	err := b.run(ctx, "get", false, func(ctx context.Context) error {
		var err error
		holder, err = b.store.Get(ctx, key)
		return err
	})
	if b.toStrategy(ctx, "get", err) {
		return b.strategy.GetFailure(key, err)
	}
	var zero V
	if err != nil || holder == nil {
		return zero, false, err
	}
	return holder.Value(), true, nil
}

// ContainsKey reports whether key is present
func (b *Boundary[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	var found bool
	err := b.run(ctx, "contains_key", false, func(ctx context.Context) error {
		var err error
		found, err = b.store.ContainsKey(ctx, key)
		return err
	})
	if b.toStrategy(ctx, "contains_key", err) {
		return b.strategy.ContainsKeyFailure(key, err)
	}
	return found, err
}

// Put stores value under key
func (b *Boundary[K, V]) Put(ctx context.Context, key K, value V) error {
	err := b.run(ctx, "put", true, func(ctx context.Context) error {
		return b.store.Put(ctx, key, value)
	})
	if b.toStrategy(ctx, "put", err) {
		return b.strategy.PutFailure(key, value, err)
	}
	return err
}

// PutIfAbsent stores value unless key is present. It returns the present
// value and true when nothing was stored.
func (b *Boundary[K, V]) PutIfAbsent(ctx context.Context, key K, value V) (V, bool, error) {
	var existing *store.ValueHolder[V]
	err := b.run(ctx, "put_if_absent", true, func(ctx context.Context) error {
		var err error
		existing, err = b.store.PutIfAbsent(ctx, key, value)
		return err
	})
	if b.toStrategy(ctx, "put_if_absent", err) {
		return b.strategy.PutIfAbsentFailure(key, value, err)
	}
	var zero V
	if err != nil || existing == nil {
		return zero, false, err
	}
	return existing.Value(), true, nil
}

// Replace stores value only when key is present. It returns the replaced
// value and true when the write happened.
func (b *Boundary[K, V]) Replace(ctx context.Context, key K, value V) (V, bool, error) {
	var previous *store.ValueHolder[V]
	err := b.run(ctx, "replace", true, func(ctx context.Context) error {
		var err error
		previous, err = b.store.Replace(ctx, key, value)
		return err
	})
	if b.toStrategy(ctx, "replace", err) {
		return b.strategy.ReplaceFailure(key, value, err)
	}
	var zero V
	if err != nil || previous == nil {
		return zero, false, err
	}
	return previous.Value(), true, nil
}

// Remove deletes key
func (b *Boundary[K, V]) Remove(ctx context.Context, key K) error {
	err := b.run(ctx, "remove", true, func(ctx context.Context) error {
		return b.store.Remove(ctx, key)
	})
	if b.toStrategy(ctx, "remove", err) {
		return b.strategy.RemoveFailure(key, err)
	}
	return err
}

// Clear drops every entry
func (b *Boundary[K, V]) Clear(ctx context.Context) error {
	err := b.run(ctx, "clear", true, func(ctx context.Context) error {
		return b.store.Clear(ctx)
	})
	if b.toStrategy(ctx, "clear", err) {
		return b.strategy.ClearFailure(err)
	}
	return err
}
