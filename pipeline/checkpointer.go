// Package pipeline ties the delivery buffer to the replication state store.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tapline/mutation"
	"github.com/maxpert/tapline/state"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCheckpointInterval = time.Second
	finalCheckpointTimeout    = 5 * time.Second
)

// EpochSource supplies the leader epoch of this node. Leader election lives
// outside this package.
type EpochSource interface {
	Epoch() int64
}

// EpochFunc adapts a function to EpochSource
type EpochFunc func() int64

func (f EpochFunc) Epoch() int64 { return f() }

// StaticEpoch is a fixed epoch for deployments without election
type StaticEpoch int64

func (e StaticEpoch) Epoch() int64 { return int64(e) }

// PositionSource reports the newest mutation delivered to the sink
type PositionSource interface {
	LastPublished() (mutation.Mutation, bool)
}

// StateStore persists source state
type StateStore interface {
	Save(ctx context.Context, s state.SourceState) error
}

// CheckpointMetrics records checkpoint outcomes
type CheckpointMetrics interface {
	Checkpoint(epoch int64, err error)
}

// CheckpointerConfig configures a Checkpointer
type CheckpointerConfig struct {
	Name     string
	Source   PositionSource
	Store    StateStore
	Epoch    EpochSource
	Interval time.Duration
	// OnError receives every failed save. Errors are never retried within a tick.
	OnError func(error)
	Metrics CheckpointMetrics
}

// Checkpointer periodically saves the position of the last published mutation
type Checkpointer struct {
	config CheckpointerConfig

	mu      sync.Mutex // serialises checkpoints
	lastID  int64
	hasLast bool

	running     atomic.Bool
	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func NewCheckpointer(config CheckpointerConfig) (*Checkpointer, error) {
	if config.Source == nil {
		return nil, errors.New("checkpointer requires a position source")
	}
	if config.Store == nil {
		return nil, errors.New("checkpointer requires a state store")
	}
	if config.Epoch == nil {
		return nil, errors.New("checkpointer requires an epoch source")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultCheckpointInterval
	}
	if config.Name == "" {
		config.Name = "checkpointer"
	}
	return &Checkpointer{config: config}, nil
}

// Start begins periodic checkpoints
func (c *Checkpointer) Start() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		return
	}
	c.running.Store(true)
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	log.Info().
		Str("checkpointer", c.config.Name).
		Dur("interval", c.config.Interval).
		Msg("Starting checkpointer")

	go c.loop()
}

// Stop halts the loop and writes a final checkpoint
func (c *Checkpointer) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Load() {
		return nil
	}

	close(c.stopCh)
	<-c.doneCh
	c.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), finalCheckpointTimeout)
	defer cancel()
	err := c.Checkpoint(ctx)

	log.Info().Str("checkpointer", c.config.Name).Msg("Checkpointer stopped")
	return err
}

func (c *Checkpointer) loop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			_ = c.Checkpoint(ctx)
		}
	}
}

// Checkpoint saves the current position when it moved since the last
// successful checkpoint
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.config.Source.LastPublished()
	if !ok {
		return nil
	}
	if c.hasLast && m.Metadata.ID <= c.lastID {
		return nil
	}

	s := state.SourceState{
		LeaderEpoch:    c.config.Epoch.Epoch(),
		Timestamp:      m.Metadata.Timestamp,
		LastMutationID: m.Metadata.ID,
	}
	if pos := m.Metadata.Position; !pos.IsZero() {
		s.Position = state.Position{File: pos.File, Offset: pos.Offset}
	}

	err := c.config.Store.Save(ctx, s)
	if c.config.Metrics != nil {
		c.config.Metrics.Checkpoint(s.LeaderEpoch, err)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("checkpointer", c.config.Name).
			Int64("mutation_id", s.LastMutationID).
			Int64("epoch", s.LeaderEpoch).
			Msg("Checkpoint failed")
		if c.config.OnError != nil {
			c.config.OnError(err)
		}
		return err
	}

	c.lastID = s.LastMutationID
	c.hasLast = true
	log.Debug().
		Str("checkpointer", c.config.Name).
		Int64("mutation_id", s.LastMutationID).
		Int64("epoch", s.LeaderEpoch).
		Msg("Checkpoint saved")
	return nil
}

// LastCheckpoint returns the mutation id of the last successful checkpoint
func (c *Checkpointer) LastCheckpoint() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID, c.hasLast
}
