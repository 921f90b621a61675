// Package resiliencetest provides a testify mock of resilience.Strategy.
package resiliencetest

import (
	"github.com/stretchr/testify/mock"
)

// MockStrategy is a mock implementation of resilience.Strategy. Tests that
// expect no store access faults set no expectations, so any failure callback
// fails the test.
type MockStrategy[K comparable, V any] struct {
	mock.Mock
}

func (m *MockStrategy[K, V]) GetFailure(key K, err error) (V, bool, error) {
	args := m.Called(key, err)
	return valueArg[V](args, 0), args.Bool(1), args.Error(2)
}

func (m *MockStrategy[K, V]) ContainsKeyFailure(key K, err error) (bool, error) {
	args := m.Called(key, err)
	return args.Bool(0), args.Error(1)
}

func (m *MockStrategy[K, V]) PutFailure(key K, value V, err error) error {
	args := m.Called(key, value, err)
	return args.Error(0)
}

func (m *MockStrategy[K, V]) PutIfAbsentFailure(key K, value V, err error) (V, bool, error) {
	args := m.Called(key, value, err)
	return valueArg[V](args, 0), args.Bool(1), args.Error(2)
}

func (m *MockStrategy[K, V]) ReplaceFailure(key K, value V, err error) (V, bool, error) {
	args := m.Called(key, value, err)
	return valueArg[V](args, 0), args.Bool(1), args.Error(2)
}

func (m *MockStrategy[K, V]) RemoveFailure(key K, err error) error {
	args := m.Called(key, err)
	return args.Error(0)
}

func (m *MockStrategy[K, V]) ClearFailure(err error) error {
	args := m.Called(err)
	return args.Error(0)
}

func valueArg[V any](args mock.Arguments, i int) V {
	if v, ok := args.Get(i).(V); ok {
		return v
	}
	var zero V
	return zero
}
