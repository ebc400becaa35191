// Package sink provides Kafka and NATS JetStream destinations.
package sink

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/tapline/destination"
	"github.com/maxpert/tapline/encoding"
	"github.com/maxpert/tapline/mutation"
	"github.com/maxpert/tapline/transformer"
)

// record is one mutation rendered for publishing
type record struct {
	key   string
	value []byte
	m     mutation.Mutation
}

// base holds what every sink shares: listeners, filtering, encoding and the
// last acknowledged mutation
type base struct {
	*destination.Listenable

	name        string
	filter      destination.Filter
	transformer transformer.Transformer
	compress    bool
	started     atomic.Bool

	mu      sync.Mutex
	last    mutation.Mutation
	hasLast bool
}

func newBase(name string, filter destination.Filter, tr transformer.Transformer, compress bool) *base {
	return &base{
		Listenable:  destination.NewListenable(),
		name:        name,
		filter:      filter,
		transformer: tr,
		compress:    compress,
	}
}

// render filters and encodes mutations. Filtered mutations are skipped.
func (b *base) render(mutations []mutation.Mutation) ([]record, error) {
	records := make([]record, 0, len(mutations))
	for _, m := range mutations {
		if b.filter != nil && !b.filter.Accept(m) {
			continue
		}

		value, err := b.transformer.Transform(m)
		if err != nil {
			return nil, &destination.DeliveryError{Op: "transform", Destination: b.name, Err: err}
		}
		if b.compress && value != nil {
			value, err = encoding.Compress(value)
			if err != nil {
				return nil, &destination.DeliveryError{Op: "compress", Destination: b.name, Err: err}
			}
		}

		records = append(records, record{key: m.Key(), value: value, m: m})
	}
	return records, nil
}

// acknowledge records m as published unless a newer mutation already was
func (b *base) acknowledge(m mutation.Mutation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasLast && m.Metadata.ID < b.last.Metadata.ID {
		return
	}
	b.last = m
	b.hasLast = true
}

func (b *base) LastPublished() (mutation.Mutation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Clear forgets the last published mutation
func (b *base) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = mutation.Mutation{}
	b.hasLast = false
}

func (b *base) IsStarted() bool {
	return b.started.Load()
}
