// Package transformer encodes mutations into sink payloads.
package transformer

import (
	"fmt"
	"sync"

	"github.com/maxpert/tapline/mutation"
)

// Transformer converts a mutation into the bytes published to a sink
type Transformer interface {
	Transform(m mutation.Mutation) ([]byte, error)
	// Tombstone returns the payload marking a deleted key, nil for log compaction
	Tombstone(key string) []byte
}

// Factory creates a Transformer
type Factory func() (Transformer, error)

var (
	factories = make(map[string]Factory)
	mu        sync.RWMutex
)

// Register makes a transformer available under format
func Register(format string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[format] = factory
}

// New creates the transformer registered for format. An empty format selects msgpack.
func New(format string) (Transformer, error) {
	if format == "" {
		format = FormatMsgpack
	}

	mu.RLock()
	factory, ok := factories[format]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory()
}
