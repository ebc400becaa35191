package encoding

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Codec turns typed documents into bytes and back
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// Codec names accepted by ByName
const (
	CodecMsgpack = "msgpack"
	CodecJSON    = "json"
)

// Msgpack is the default codec for persisted documents
var Msgpack Codec = msgpackCodec{}

// JSON is useful when documents must be inspected with generic tooling
var JSON Codec = jsonCodec{}

type msgpackCodec struct{}

func (msgpackCodec) Name() string                               { return CodecMsgpack }
func (msgpackCodec) Marshal(v interface{}) ([]byte, error)      { return Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v interface{}) error { return Unmarshal(data, v) }

type jsonCodec struct{}

func (jsonCodec) Name() string                               { return CodecJSON }
func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// ByName resolves a codec from configuration. Empty selects msgpack.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecMsgpack:
		return Msgpack, nil
	case CodecJSON:
		return JSON, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}
