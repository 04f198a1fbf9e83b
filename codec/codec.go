// Package codec binds a value type to a wire encoding. A backend receives its
// Codec once at construction and never inspects values at runtime.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrUnknownCodec = errors.New("codec: unknown codec")

// Codec encodes and decodes values of type T.
type Codec[T any] interface {
	Name() string
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSON encodes values with encoding/json.
type JSON[T any] struct{}

func (JSON[T]) Name() string { return "json" }

func (JSON[T]) Marshal(v T) ([]byte, error) { return json.Marshal(v) }

func (JSON[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Msgpack encodes values with MessagePack.
type Msgpack[T any] struct{}

func (Msgpack[T]) Name() string { return "msgpack" }

func (Msgpack[T]) Marshal(v T) ([]byte, error) { return msgpack.Marshal(v) }

func (Msgpack[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := msgpack.Unmarshal(data, &v)
	return v, err
}

// Raw passes byte slices through unchanged, copying on both sides.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Marshal(v []byte) ([]byte, error) { return slices.Clone(v), nil }

func (Raw) Unmarshal(data []byte) ([]byte, error) { return slices.Clone(data), nil }

type compressed[T any] struct {
	inner Codec[T]
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// Zstd wraps inner so that encoded values are zstd-compressed.
func Zstd[T any](inner Codec[T]) (Codec[T], error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("codec: zstd reader: %w", err)
	}
	return &compressed[T]{inner: inner, enc: enc, dec: dec}, nil
}

func (c *compressed[T]) Name() string { return c.inner.Name() + "+zstd" }

func (c *compressed[T]) Marshal(v T) ([]byte, error) {
	data, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *compressed[T]) Unmarshal(data []byte) (T, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("codec: zstd: %w", err)
	}
	return c.inner.Unmarshal(raw)
}

// ByName resolves "json", "msgpack" and their "+zstd" variants.
func ByName[T any](name string) (Codec[T], error) {
	base, zst := strings.CutSuffix(strings.ToLower(strings.TrimSpace(name)), "+zstd")
	var c Codec[T]
	switch base {
	case "", "json":
		c = JSON[T]{}
	case "msgpack":
		c = Msgpack[T]{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	if zst {
		return Zstd(c)
	}
	return c, nil
}
