package copier

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// Serializer converts values to and from bytes
type Serializer[T any] interface {
	Serialize(v T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// JSONSerializer encodes values as JSON
type JSONSerializer[T any] struct{}

// NewJSONSerializer creates a JSON serializer for T
func NewJSONSerializer[T any]() JSONSerializer[T] {
	return JSONSerializer[T]{}
}

func (JSONSerializer[T]) Serialize(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer[T]) Deserialize(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// SnappySerializer compresses the output of an inner serializer with snappy
type SnappySerializer[T any] struct {
	inner Serializer[T]
}

// NewSnappySerializer wraps inner with snappy block compression
func NewSnappySerializer[T any](inner Serializer[T]) *SnappySerializer[T] {
	return &SnappySerializer[T]{inner: inner}
}

func (s *SnappySerializer[T]) Serialize(v T) ([]byte, error) {
	data, err := s.inner.Serialize(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

func (s *SnappySerializer[T]) Deserialize(data []byte) (T, error) {
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("snappy decode: %w", err)
	}
	return s.inner.Deserialize(decoded)
}

// StringSerializer stores strings as their raw bytes
type StringSerializer struct{}

func (StringSerializer) Serialize(v string) ([]byte, error)      { return []byte(v), nil }
func (StringSerializer) Deserialize(data []byte) (string, error) { return string(data), nil }
