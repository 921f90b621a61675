package resilience

import (
	"context"

	"github.com/devrev/paircache/internal/store"
	"go.uber.org/zap"
)

// Strategy decides what a caller sees when a store operation fails with a
// store access fault. Each callback receives the arguments of the failed
// operation and the fault.
type Strategy[K comparable, V any] interface {
	GetFailure(key K, err error) (V, bool, error)
	ContainsKeyFailure(key K, err error) (bool, error)
	PutFailure(key K, value V, err error) error
	// PutIfAbsentFailure returns the value to report as already present
	PutIfAbsentFailure(key K, value V, err error) (V, bool, error)
	// ReplaceFailure returns the value to report as replaced
	ReplaceFailure(key K, value V, err error) (V, bool, error)
	RemoveFailure(key K, err error) error
	ClearFailure(err error) error
}

// RobustStrategy degrades faults into misses and no-ops. The failing key is
// removed from the store on a best effort basis so a stale value cannot be
// served after the fault.
type RobustStrategy[K comparable, V any] struct {
	store  store.Store[K, V]
	logger *zap.Logger
}

// NewRobustStrategy creates the default strategy for s
func NewRobustStrategy[K comparable, V any](s store.Store[K, V], logger *zap.Logger) *RobustStrategy[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobustStrategy[K, V]{store: s, logger: logger}
}

func (r *RobustStrategy[K, V]) cleanup(op string, key K, err error) {
	r.logger.Warn("Store access failed, degrading to miss",
		zap.String("operation", op),
		zap.Any("key", key),
		zap.Error(err))

	if rmErr := r.store.Remove(context.Background(), key); rmErr != nil {
		r.logger.Debug("Cleanup after store fault failed",
			zap.String("operation", op),
			zap.Error(rmErr))
	}
}

func (r *RobustStrategy[K, V]) GetFailure(key K, err error) (V, bool, error) {
	r.cleanup("get", key, err)
	var zero V
	return zero, false, nil
}

func (r *RobustStrategy[K, V]) ContainsKeyFailure(key K, err error) (bool, error) {
	r.cleanup("contains_key", key, err)
	return false, nil
}

func (r *RobustStrategy[K, V]) PutFailure(key K, value V, err error) error {
	r.cleanup("put", key, err)
	return nil
}

func (r *RobustStrategy[K, V]) PutIfAbsentFailure(key K, value V, err error) (V, bool, error) {
	r.cleanup("put_if_absent", key, err)
	var zero V
	return zero, false, nil
}

func (r *RobustStrategy[K, V]) ReplaceFailure(key K, value V, err error) (V, bool, error) {
	r.cleanup("replace", key, err)
	var zero V
	return zero, false, nil
}

func (r *RobustStrategy[K, V]) RemoveFailure(key K, err error) error {
	r.cleanup("remove", key, err)
	return nil
}

func (r *RobustStrategy[K, V]) ClearFailure(err error) error {
	r.logger.Warn("Store clear failed", zap.Error(err))
	return nil
}

// ThrowingStrategy hands every fault back to the caller
type ThrowingStrategy[K comparable, V any] struct{}

func (ThrowingStrategy[K, V]) GetFailure(key K, err error) (V, bool, error) {
	var zero V
	return zero, false, err
}

func (ThrowingStrategy[K, V]) ContainsKeyFailure(key K, err error) (bool, error) {
	return false, err
}

func (ThrowingStrategy[K, V]) PutFailure(key K, value V, err error) error { return err }

func (ThrowingStrategy[K, V]) PutIfAbsentFailure(key K, value V, err error) (V, bool, error) {
	var zero V
	return zero, false, err
}

func (ThrowingStrategy[K, V]) ReplaceFailure(key K, value V, err error) (V, bool, error) {
	var zero V
	return zero, false, err
}

func (ThrowingStrategy[K, V]) RemoveFailure(key K, err error) error { return err }

func (ThrowingStrategy[K, V]) ClearFailure(err error) error { return err }
