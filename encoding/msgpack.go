// Package encoding provides centralized serialization for tapline.
// Persisted documents and sink payloads go through this package so that every
// component agrees on the byte format.
//
// Thread Safety: all codecs are safe for concurrent use.
//
// Type Preservation: when decoding into interface{}, msgpack strings decode as
// Go strings (not []byte) so row images keep their text columns as text.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
// Struct fields are written by name, which keeps documents self-describing.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// Loose decoding turns bin into string and widens small numbers to their
	// 64-bit forms when the target is interface{}.
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
