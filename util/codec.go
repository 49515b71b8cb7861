package util

import (
	"encoding/json"
)

// Codec serializes values for the storage layers.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (*T, error)
}

type JsonCodec[T any] struct{}

var _ Codec[any] = new(JsonCodec[any])

func NewJsonCodec[T any]() *JsonCodec[T] {
	return &JsonCodec[T]{}
}

func (c *JsonCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (c *JsonCodec[T]) Decode(data []byte) (*T, error) {
	var res T
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Clone deep copies a value through the codec. Stores use it so callers never
// share mutable state with stored records.
func Clone[T any](c Codec[T], value T) (*T, error) {
	data, err := c.Encode(value)
	if err != nil {
		return nil, err
	}
	return c.Decode(data)
}
