// Package copier provides the copy semantics applied by the heap store when
// values cross the store boundary.
package copier

import (
	"bytes"
	"fmt"
)

// Copier copies values on their way into and out of a store
type Copier[T any] interface {
	// CopyForWrite returns the instance the store keeps for v
	CopyForWrite(v T) (T, error)
	// CopyForRead returns the instance handed to a reader of stored v
	CopyForRead(v T) (T, error)
}

// IdentityCopier stores and returns values by reference
type IdentityCopier[T any] struct{}

// NewIdentityCopier creates a by-reference copier
func NewIdentityCopier[T any]() IdentityCopier[T] {
	return IdentityCopier[T]{}
}

func (IdentityCopier[T]) CopyForWrite(v T) (T, error) { return v, nil }
func (IdentityCopier[T]) CopyForRead(v T) (T, error)  { return v, nil }

// SerializingCopier copies values by round-tripping them through a
// Serializer, so neither the writer nor a reader shares memory with the
// stored instance.
type SerializingCopier[T any] struct {
	serializer Serializer[T]
}

// NewSerializingCopier creates a by-value copier backed by s
func NewSerializingCopier[T any](s Serializer[T]) *SerializingCopier[T] {
	return &SerializingCopier[T]{serializer: s}
}

func (c *SerializingCopier[T]) CopyForWrite(v T) (T, error) {
	return c.roundTrip(v)
}

func (c *SerializingCopier[T]) CopyForRead(v T) (T, error) {
	return c.roundTrip(v)
}

func (c *SerializingCopier[T]) roundTrip(v T) (T, error) {
	var zero T
	data, err := c.serializer.Serialize(v)
	if err != nil {
		return zero, fmt.Errorf("failed to serialize value: %w", err)
	}
	out, err := c.serializer.Deserialize(data)
	if err != nil {
		return zero, fmt.Errorf("failed to deserialize value: %w", err)
	}
	return out, nil
}

// BytesCopier copies byte slices without a serialization pass
type BytesCopier struct{}

func (BytesCopier) CopyForWrite(v []byte) ([]byte, error) { return bytes.Clone(v), nil }
func (BytesCopier) CopyForRead(v []byte) ([]byte, error)  { return bytes.Clone(v), nil }
