// Package mutation defines the change records that flow through the pipeline.
//
// A Mutation describes one change to one data entity. Sources emit mutations
// in batches: a Batch is the ordered set of mutations produced atomically for
// one logical unit of change (for example a database transaction).
package mutation

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire byte codes for mutation types
const (
	insertCode  byte = 0x1
	updateCode  byte = 0x2
	deleteCode  byte = 0x3
	invalidCode byte = 0x4
)

// Type is the kind of change a mutation represents
type Type uint8

const (
	Invalid Type = iota
	Insert
	Update
	Delete
)

// TypeFromCode decodes a wire byte. Unknown codes degrade to Invalid.
func TypeFromCode(code byte) Type {
	switch code {
	case insertCode:
		return Insert
	case updateCode:
		return Update
	case deleteCode:
		return Delete
	default:
		return Invalid
	}
}

// Code returns the wire byte for the type
func (t Type) Code() byte {
	switch t {
	case Insert:
		return insertCode
	case Update:
		return updateCode
	case Delete:
		return deleteCode
	default:
		return invalidCode
	}
}

func (t Type) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "INVALID"
	}
}

// ParseType parses the name produced by String. Unknown names yield Invalid.
func ParseType(name string) Type {
	switch name {
	case "INSERT", "insert":
		return Insert
	case "UPDATE", "update":
		return Update
	case "DELETE", "delete":
		return Delete
	default:
		return Invalid
	}
}

// MarshalText encodes the type by name for JSON documents
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts either a type name or its numeric wire code
func (t *Type) UnmarshalText(text []byte) error {
	if code, err := strconv.ParseUint(string(text), 10, 8); err == nil {
		*t = TypeFromCode(byte(code))
		return nil
	}
	*t = ParseType(string(text))
	return nil
}

// UnmarshalJSON accepts a type name or a numeric wire code. Numbers outside
// the known codes become Invalid.
func (t *Type) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return t.UnmarshalText([]byte(name))
	}
	var code uint64
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("invalid mutation type %s: %w", data, err)
	}
	if code > 0xff {
		*t = Invalid
		return nil
	}
	*t = TypeFromCode(byte(code))
	return nil
}

// EncodeMsgpack writes the single wire byte
func (t Type) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeUint8(t.Code())
}

// DecodeMsgpack reads the wire byte; unknown values become Invalid
func (t *Type) DecodeMsgpack(dec *msgpack.Decoder) error {
	code, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	*t = TypeFromCode(code)
	return nil
}

// Metadata identifies a mutation within the source stream
type Metadata struct {
	ID        int64 `msgpack:"id" json:"id"`        // Monotonic, source-defined
	Timestamp int64 `msgpack:"ts" json:"timestamp"` // Source commit time (unix ms)
	// Position locates the change in the source's log, zero when the source has none
	Position LogPosition `msgpack:"pos,omitempty" json:"position,omitzero"`
}

// LogPosition is a file and offset within a source change log, such as a binlog
type LogPosition struct {
	File   string `msgpack:"file" json:"file"`
	Offset int64  `msgpack:"offset" json:"offset"`
}

func (p LogPosition) IsZero() bool {
	return p.File == "" && p.Offset == 0
}

func (m Metadata) String() string {
	return fmt.Sprintf("Metadata{id=%d, ts=%d}", m.ID, m.Timestamp)
}

// Mutation is an immutable change record. Entity is the source-specific
// payload, typically a Row or RowChange.
type Mutation struct {
	Metadata Metadata `msgpack:"meta" json:"metadata"`
	Type     Type     `msgpack:"type" json:"type"`
	Entity   any      `msgpack:"entity" json:"entity"`
}

// New creates a mutation
func New(meta Metadata, typ Type, entity any) Mutation {
	return Mutation{Metadata: meta, Type: typ, Entity: entity}
}

// Keyed is implemented by entities that can provide a stable partition key
type Keyed interface {
	Key() string
}

// Key returns the partition key for the mutation. Entities implementing Keyed
// decide their own key; anything else is keyed by mutation id.
func (m Mutation) Key() string {
	if k, ok := m.Entity.(Keyed); ok {
		return k.Key()
	}
	return strconv.FormatInt(m.Metadata.ID, 10)
}

func (m Mutation) String() string {
	return fmt.Sprintf("Mutation{%s, type=%s}", m.Metadata, m.Type)
}

// Batch is an ordered group of mutations produced atomically by the source
type Batch []Mutation

// First returns the first mutation of the batch
func (b Batch) First() (Mutation, bool) {
	if len(b) == 0 {
		return Mutation{}, false
	}
	return b[0], true
}

// Last returns the last mutation of the batch
func (b Batch) Last() (Mutation, bool) {
	if len(b) == 0 {
		return Mutation{}, false
	}
	return b[len(b)-1], true
}

// Flatten concatenates batches preserving batch order and the order of
// mutations within each batch
func Flatten(batches []Batch) []Mutation {
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	out := make([]Mutation, 0, total)
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}
