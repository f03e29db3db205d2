package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is any JSON-representable value: nil, string, number, boolean, an
// ordered sequence of values, or a string-keyed mapping. Functions, channels
// and cyclic structures are invalid.
type Value = interface{}

// EncodeValue validates a value and returns its canonical JSON encoding.
// encoding/json already rejects everything the contract forbids (functions,
// channels, cycles, non-string map keys), so the marshal doubles as the
// validity check.
func EncodeValue(v Value) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: value is not JSON-representable: %v", ErrValidationFailed, err)
	}
	return data, nil
}

// DecodeValue reconstructs a value from its canonical JSON encoding. The
// result shares no memory with the stored bytes' producer, which is what
// gives every read copy-on-read semantics.
func DecodeValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v Value
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode stored value: %w", err)
	}
	return v, nil
}

// CopyValue returns a deep copy of v via the canonical encoding.
func CopyValue(v Value) (Value, error) {
	data, err := EncodeValue(v)
	if err != nil {
		return nil, err
	}
	return DecodeValue(data)
}

// ValueSize estimates the stored size of a value in bytes.
func ValueSize(v Value) (int64, error) {
	data, err := EncodeValue(v)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// ValuesEqual compares two values by canonical encoding. Used by tests and
// by import collision detection; not a general-purpose equality.
func ValuesEqual(a, b Value) bool {
	da, err := json.Marshal(a)
	if err != nil {
		return false
	}
	db, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}
