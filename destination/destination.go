// Package destination delivers batches of mutations to a sink.
//
// Buffered decouples a change source from a possibly slow sink with a bounded
// queue. Producers block when the queue is full, and a single consumer
// goroutine coalesces everything queued into one sink call.
package destination

import (
	"context"
	"time"

	"github.com/maxpert/tapline/mutation"
)

// Destination is the capability every sink provides
type Destination interface {
	Open(ctx context.Context) error
	Close() error
	// Send delivers mutations in order
	Send(ctx context.Context, mutations []mutation.Mutation) error
	// Clear resets sink-local state
	Clear()
	// LastPublished returns the newest mutation acknowledged by the sink
	LastPublished() (mutation.Mutation, bool)
	// AddListener registers an error callback and returns its remover
	AddListener(fn func(error)) func()
	IsStarted() bool
}

// Metrics receives delivery signals from a Buffered destination
type Metrics interface {
	BufferFull(meta mutation.Metadata)
	BufferSize(size int, meta mutation.Metadata)
	SendTime(d time.Duration)
	SendFailed(err error)
	Published(count int)
	Clear()
}
