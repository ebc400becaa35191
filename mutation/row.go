package mutation

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Row is a table row image captured by a database source
type Row struct {
	Database   string         `msgpack:"db" json:"database"`
	Table      string         `msgpack:"tbl" json:"table"`
	Columns    map[string]any `msgpack:"cols" json:"columns"`
	PrimaryKey []string       `msgpack:"pk,omitempty" json:"primary_key,omitempty"`
}

// Key hashes the qualified table name and primary key values so that all
// changes to the same row share a partition. Rows without a primary key are
// keyed by their full column set.
func (r Row) Key() string {
	h := xxhash.New()
	_, _ = h.WriteString(r.Database)
	_, _ = h.WriteString(".")
	_, _ = h.WriteString(r.Table)

	cols := r.PrimaryKey
	if len(cols) == 0 {
		cols = sortedKeys(r.Columns)
	}
	for _, c := range cols {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(c)
		_, _ = h.WriteString("=")
		_, _ = fmt.Fprint(h, r.Columns[c])
	}

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return hex.EncodeToString(sum[:])
}

// RowChange is the entity of an UPDATE mutation
type RowChange struct {
	Before Row `msgpack:"before" json:"before"`
	After  Row `msgpack:"after" json:"after"`
}

// Key uses the post-image so the partition follows the current row identity
func (c RowChange) Key() string {
	return c.After.Key()
}

// UpdatedColumns lists the columns that changed between the two images
func (c RowChange) UpdatedColumns() []string {
	return UpdatedColumns(c.Before.Columns, c.After.Columns)
}

// NewInsert builds an INSERT mutation for row
func NewInsert(meta Metadata, row Row) Mutation {
	return New(meta, Insert, row)
}

// NewUpdate builds an UPDATE mutation carrying both row images
func NewUpdate(meta Metadata, before, after Row) Mutation {
	return New(meta, Update, RowChange{Before: before, After: after})
}

// NewDelete builds a DELETE mutation for row
func NewDelete(meta Metadata, row Row) Mutation {
	return New(meta, Delete, row)
}

// UpdatedColumns returns, sorted, the columns present in only one of the two
// images plus the columns present in both whose values differ.
func UpdatedColumns(previous, current map[string]any) []string {
	changed := make([]string, 0)
	for col, prev := range previous {
		cur, ok := current[col]
		if !ok || !reflect.DeepEqual(prev, cur) {
			changed = append(changed, col)
		}
	}
	for col := range current {
		if _, ok := previous[col]; !ok {
			changed = append(changed, col)
		}
	}
	sort.Strings(changed)
	return changed
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
