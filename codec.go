package queryx

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes cached values. The cache itself only sees bytes.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// MessagePackCodec implements Codec using MessagePack serialization
type MessagePackCodec struct{}

// NewMessagePackCodec creates a new MessagePack codec
func NewMessagePackCodec() *MessagePackCodec {
	return &MessagePackCodec{}
}

// Encode serializes a value to MessagePack bytes
func (c *MessagePackCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: cannot encode nil value", ErrSerialization)
	}

	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: msgpack marshal: %s", ErrSerialization, err.Error())
	}

	return data, nil
}

// Decode deserializes MessagePack bytes into v
func (c *MessagePackCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: cannot decode empty data", ErrSerialization)
	}
	if v == nil {
		return fmt.Errorf("%w: cannot decode into nil value", ErrSerialization)
	}

	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: msgpack unmarshal: %s", ErrSerialization, err.Error())
	}

	return nil
}

// Name returns the codec name
func (c *MessagePackCodec) Name() string {
	return "msgpack"
}

// JSONCodec implements Codec using encoding/json, useful when cached values
// need to be human-readable.
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Encode serializes a value to JSON bytes
func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: cannot encode nil value", ErrSerialization)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: json marshal: %s", ErrSerialization, err.Error())
	}

	return data, nil
}

// Decode deserializes JSON bytes into v
func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: cannot decode empty data", ErrSerialization)
	}
	if v == nil {
		return fmt.Errorf("%w: cannot decode into nil value", ErrSerialization)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: json unmarshal: %s", ErrSerialization, err.Error())
	}

	return nil
}

// Name returns the codec name
func (c *JSONCodec) Name() string {
	return "json"
}
