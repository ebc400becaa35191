package mutation

import (
	"sync"
	"time"
)

// Sequence layout: (ms since 2020-01-01 << 22) | (node << 16) | counter
const (
	sequenceEpochMS     = 1577836800000
	sequenceCounterBits = 16
	sequenceNodeBits    = 6
	sequenceCounterMax  = 1<<sequenceCounterBits - 1
	sequenceNodeMask    = 1<<sequenceNodeBits - 1
	sequenceShift       = sequenceCounterBits + sequenceNodeBits
)

// Sequence issues strictly increasing, roughly time-ordered mutation ids for
// producers that have no source-native id. Safe for concurrent use.
type Sequence struct {
	mu      sync.Mutex
	node    int64
	lastMS  int64
	counter int64
	now     func() time.Time
}

func NewSequence(nodeID uint64) *Sequence {
	return &Sequence{node: int64(nodeID & sequenceNodeMask), now: time.Now}
}

// Next returns the next id and the millisecond timestamp it was issued at
func (s *Sequence) Next() (id int64, tsMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().UnixMilli()
	if ms < s.lastMS {
		// clock went backwards, stay on the last millisecond
		ms = s.lastMS
	}
	if ms > s.lastMS {
		s.lastMS = ms
		s.counter = 0
	}

	// counter exhausted for this millisecond, borrow the next one
	if s.counter >= sequenceCounterMax {
		s.lastMS++
		s.counter = 0
	}
	s.counter++

	return (s.lastMS-sequenceEpochMS)<<sequenceShift | s.node<<sequenceCounterBits | s.counter, s.lastMS
}

// Stamp fills in missing ids and timestamps of a batch in place
func (s *Sequence) Stamp(b Batch) {
	for i := range b {
		if b[i].Metadata.ID != 0 {
			continue
		}
		id, ts := s.Next()
		b[i].Metadata.ID = id
		if b[i].Metadata.Timestamp == 0 {
			b[i].Metadata.Timestamp = ts
		}
	}
}
