package sink

import (
	"fmt"
	"sync"

	"github.com/maxpert/tapline/cfg"
	"github.com/maxpert/tapline/destination"
	"github.com/maxpert/tapline/transformer"
	"github.com/rs/zerolog/log"
)

// Factory builds a sink from its configuration
type Factory func(cfg.SinkConfiguration, destination.Filter, transformer.Transformer) (destination.Destination, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a sink factory for a type
func Register(sinkType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sinkType] = factory
}

// New builds the sink described by config together with its filter and transformer
func New(config cfg.SinkConfiguration) (destination.Destination, error) {
	factoryMu.RLock()
	factory, ok := factories[config.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	tr, err := transformer.New(config.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := destination.NewGlobFilter(config.FilterTables, config.FilterDatabases)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter: %w", err)
	}

	snk, err := factory(config, filter, tr)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Created sink")
	return snk, nil
}
