// Package codec defines payload serializers bound to message types in
// the registry. A serializer only sees payload bytes; framing, ids and
// encryption belong to the pipeline.
package codec

import (
	"encoding/json"
	"fmt"
)

// Serializer converts one message type to and from payload bytes.
type Serializer[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// Funcs adapts a pair of functions to Serializer.
type Funcs[T any] struct {
	EncodeFunc func(T) ([]byte, error)
	DecodeFunc func([]byte) (T, error)
}

func (f Funcs[T]) Encode(v T) ([]byte, error) { return f.EncodeFunc(v) }

func (f Funcs[T]) Decode(b []byte) (T, error) { return f.DecodeFunc(b) }

// Empty serializes a type that carries no payload. Any payload bytes on
// decode are rejected.
func Empty[T any]() Serializer[T] {
	return emptySerializer[T]{}
}

type emptySerializer[T any] struct{}

func (emptySerializer[T]) Encode(T) ([]byte, error) { return nil, nil }

func (emptySerializer[T]) Decode(b []byte) (T, error) {
	var zero T
	if len(b) != 0 {
		return zero, fmt.Errorf("codec: empty message carries %d payload bytes", len(b))
	}
	return zero, nil
}

// Text serializes a string-backed type as its raw bytes.
func Text[T ~string]() Serializer[T] {
	return textSerializer[T]{}
}

type textSerializer[T ~string] struct{}

func (textSerializer[T]) Encode(v T) ([]byte, error) { return []byte(v), nil }

func (textSerializer[T]) Decode(b []byte) (T, error) { return T(b), nil }

// JSON serializes T with encoding/json.
func JSON[T any]() Serializer[T] {
	return jsonSerializer[T]{}
}

type jsonSerializer[T any] struct{}

func (jsonSerializer[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonSerializer[T]) Decode(b []byte) (T, error) {
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}
