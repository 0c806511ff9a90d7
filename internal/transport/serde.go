package transport

import (
	"github.com/fxamacker/cbor/v2"
)

type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

type Serializer[T any] func(T) ([]byte, error)

type Deserializer[T any] func([]byte) (T, error)

var cborEnc, _ = cbor.CoreDetEncOptions().EncMode()

// CBORSerializer encodes with deterministic core CBOR.
func CBORSerializer[T any]() Serializer[T] {
	return func(t T) ([]byte, error) {
		return cborEnc.Marshal(t)
	}
}

func CBORDeserializer[T any]() Deserializer[T] {
	return func(b []byte) (T, error) {
		var decoded T
		if err := cbor.Unmarshal(b, &decoded); err != nil {
			return *new(T), err
		}
		return decoded, nil
	}
}

func CBOR[T any]() Serde[T] {
	return Serde[T]{
		Serializer:   CBORSerializer[T](),
		Deserializer: CBORDeserializer[T](),
	}
}
