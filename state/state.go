// Package state persists the replication position of a source, fenced by the
// leader epoch of the writer. A save from an older epoch never overwrites
// state written by a newer one.
package state

import (
	"fmt"
	"time"
)

// Document is any persisted state that carries a leader epoch
type Document interface {
	Epoch() int64
}

// Position is a source log coordinate, e.g. a binlog file and offset
type Position struct {
	File   string `msgpack:"file" json:"file"`
	Offset int64  `msgpack:"offset" json:"offset"`
}

// SourceState is the replication state stored for one source
type SourceState struct {
	LeaderEpoch    int64    `msgpack:"leader_epoch" json:"leader_epoch"`
	Timestamp      int64    `msgpack:"timestamp" json:"timestamp"` // unix ms
	LastMutationID int64    `msgpack:"last_mutation_id" json:"last_mutation_id"`
	Position       Position `msgpack:"position" json:"position"`
}

func (s SourceState) Epoch() int64 {
	return s.LeaderEpoch
}

func (s SourceState) String() string {
	return fmt.Sprintf("SourceState{epoch=%d, mutation=%d, position=%s:%d, ts=%s}",
		s.LeaderEpoch, s.LastMutationID, s.Position.File, s.Position.Offset,
		time.UnixMilli(s.Timestamp).UTC().Format(time.RFC3339Nano))
}

// Merge keeps current when incoming was written under an older epoch.
// Equal epochs favour incoming.
func Merge[S Document](current, incoming S) S {
	if incoming.Epoch() < current.Epoch() {
		return current
	}
	return incoming
}

// StateError reports a failed read or save
type StateError struct {
	Op   string
	Path string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// Metrics receives state store signals
type Metrics interface {
	StateRead()
	StateReadFailure(err error)
	StateSaveFailure(err error)
}

// NoopMetrics discards every signal
type NoopMetrics struct{}

func (NoopMetrics) StateRead()             {}
func (NoopMetrics) StateReadFailure(error) {}
func (NoopMetrics) StateSaveFailure(error) {}
