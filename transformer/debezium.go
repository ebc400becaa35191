package transformer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/tapline/mutation"
	"github.com/rs/zerolog/log"
)

const (
	FormatDebezium = "debezium"

	defaultConnector       = "tapline"
	defaultSchemaCacheSize = 1024
)

func init() {
	Register(FormatDebezium, func() (Transformer, error) {
		return NewDebezium(defaultConnector, defaultSchemaCacheSize)
	})
}

// Debezium renders row mutations as Debezium JSON envelopes with an embedded
// schema. Column types are inferred from the Go values of the row image, and
// built schemas are cached per table and column signature.
type Debezium struct {
	connector string
	schemas   *lru.Cache[string, *envelopeSchema]
}

func NewDebezium(connector string, cacheSize int) (*Debezium, error) {
	schemas, err := lru.New[string, *envelopeSchema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}
	return &Debezium{connector: connector, schemas: schemas}, nil
}

type envelopeSchema struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Fields []schemaField `json:"fields"`
}

type schemaField struct {
	Field    string        `json:"field"`
	Type     string        `json:"type"`
	Optional bool          `json:"optional,omitempty"`
	Name     string        `json:"name,omitempty"`
	Fields   []schemaField `json:"fields,omitempty"`
}

type message struct {
	Schema  *envelopeSchema `json:"schema"`
	Payload payload         `json:"payload"`
}

type payload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source source         `json:"source"`
}

type source struct {
	Connector string `json:"connector"`
	Db        string `json:"db"`
	Table     string `json:"table"`
	ID        int64  `json:"id"`
	TsMs      int64  `json:"ts_ms"`
}

// Transform encodes a row mutation. Mutations without a row entity are rejected.
func (d *Debezium) Transform(m mutation.Mutation) ([]byte, error) {
	var before, after *mutation.Row
	switch e := m.Entity.(type) {
	case mutation.Row:
		if m.Type == mutation.Delete {
			before = &e
		} else {
			after = &e
		}
	case mutation.RowChange:
		before, after = &e.Before, &e.After
	default:
		return nil, fmt.Errorf("debezium format requires a row entity, got %T", m.Entity)
	}

	shape := after
	if shape == nil {
		shape = before
	}

	msg := message{
		Schema: d.schemaFor(*shape),
		Payload: payload{
			Before: columnsOf(before),
			After:  columnsOf(after),
			Op:     operation(m.Type),
			TsMs:   time.Now().UnixMilli(),
			Source: source{
				Connector: d.connector,
				Db:        shape.Database,
				Table:     shape.Table,
				ID:        m.Metadata.ID,
				TsMs:      m.Metadata.Timestamp,
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone is a null value so compacted topics drop the key
func (d *Debezium) Tombstone(string) []byte {
	return nil
}

func columnsOf(r *mutation.Row) map[string]any {
	if r == nil {
		return nil
	}
	return r.Columns
}

func operation(t mutation.Type) string {
	switch t {
	case mutation.Insert:
		return "c"
	case mutation.Update:
		return "u"
	case mutation.Delete:
		return "d"
	default:
		log.Warn().Stringer("type", t).Msg("Unknown mutation type, defaulting to update")
		return "u"
	}
}

func (d *Debezium) schemaFor(row mutation.Row) *envelopeSchema {
	names := make([]string, 0, len(row.Columns))
	for name := range row.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	columns := make([]schemaField, len(names))
	var sig strings.Builder
	sig.WriteString(row.Database)
	sig.WriteByte('.')
	sig.WriteString(row.Table)
	for i, name := range names {
		typ, optional := columnType(row.Columns[name])
		columns[i] = schemaField{Field: name, Type: typ, Optional: optional}
		fmt.Fprintf(&sig, "|%s:%s", name, typ)
	}

	key := sig.String()
	if cached, ok := d.schemas.Get(key); ok {
		return cached
	}

	schema := buildEnvelope(row.Database, row.Table, columns)
	d.schemas.Add(key, schema)
	return schema
}

func buildEnvelope(database, table string, columns []schemaField) *envelopeSchema {
	valueName := database + "." + table + ".Value"
	return &envelopeSchema{
		Type: "struct",
		Name: database + "." + table + ".Envelope",
		Fields: []schemaField{
			{Field: "before", Type: "struct", Optional: true, Name: valueName, Fields: columns},
			{Field: "after", Type: "struct", Optional: true, Name: valueName, Fields: columns},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.tapline.Source",
				Fields: []schemaField{
					{Field: "connector", Type: "string"},
					{Field: "db", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "id", Type: "int64"},
					{Field: "ts_ms", Type: "int64"},
				},
			},
		},
	}
}

// columnType maps a decoded column value to a Debezium primitive type.
// Nil values are reported as optional strings.
func columnType(v any) (string, bool) {
	switch v.(type) {
	case nil:
		return "string", true
	case bool:
		return "boolean", false
	case int8, uint8:
		return "int8", false
	case int16, uint16:
		return "int16", false
	case int32, uint32:
		return "int32", false
	case int, int64, uint, uint64:
		return "int64", false
	case float32:
		return "float", false
	case float64:
		return "double", false
	case []byte:
		return "bytes", false
	default:
		return "string", false
	}
}
