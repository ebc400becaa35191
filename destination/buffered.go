package destination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tapline/mutation"
	"github.com/rs/zerolog/log"
)

// DefaultGracePeriod bounds how long Close waits for an in-flight sink send
const DefaultGracePeriod = 2 * time.Second

const (
	stateStopped int32 = iota
	stateRunning
	stateTerminated
)

// BufferedOptions configures a Buffered destination
type BufferedOptions struct {
	Name string
	// Capacity is the maximum number of queued batches
	Capacity    int
	GracePeriod time.Duration
	Metrics     Metrics
}

// Buffered is a bounded queue of batches in front of a sink. Send blocks while
// the queue is full. A single consumer drains everything queued, flattens it
// preserving order and hands it to the sink in one call.
type Buffered struct {
	*Listenable

	name        string
	sink        Destination
	queue       chan mutation.Batch
	metrics     Metrics
	gracePeriod time.Duration

	// mu is held shared by senders and exclusively by Close while it discards
	// the queue, so no batch is enqueued after the discard.
	mu        sync.RWMutex
	state     atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	removeSinkListener func()
}

// NewBuffered wraps sink with a queue and starts the consumer
func NewBuffered(sink Destination, opts BufferedOptions) (*Buffered, error) {
	if sink == nil {
		return nil, errors.New("buffered destination requires a sink")
	}
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", opts.Capacity)
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	if opts.Name == "" {
		opts.Name = "buffered"
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffered{
		Listenable:  NewListenable(),
		name:        opts.Name,
		sink:        sink,
		queue:       make(chan mutation.Batch, opts.Capacity),
		metrics:     opts.Metrics,
		gracePeriod: opts.GracePeriod,
		closed:      make(chan struct{}),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	b.removeSinkListener = sink.AddListener(b.NotifyError)

	b.state.Store(stateRunning)
	go b.consume(ctx)

	log.Debug().
		Str("destination", b.name).
		Int("capacity", opts.Capacity).
		Msg("Buffered destination started")
	return b, nil
}

// Name identifies the destination in logs and metrics
func (b *Buffered) Name() string {
	return b.name
}

// Open opens the underlying sink
func (b *Buffered) Open(ctx context.Context) error {
	if b.IsTerminated() {
		return &DeliveryError{Op: "open", Destination: b.name, Err: ErrClosed}
	}
	if err := b.sink.Open(ctx); err != nil {
		return &DeliveryError{Op: "open", Destination: b.name, Err: err}
	}
	return nil
}

// Send enqueues batch, blocking while the queue is full. An empty batch is
// ignored. The only way to abandon a blocked send is to cancel ctx.
func (b *Buffered) Send(ctx context.Context, batch mutation.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	meta := batch[0].Metadata

	if err := b.enqueue(ctx, batch, meta); err != nil {
		b.metrics.SendFailed(err)
		return &DeliveryError{Op: "send", Destination: b.name, Err: err}
	}

	b.metrics.BufferSize(len(b.queue), meta)
	b.metrics.SendTime(time.Since(start))
	return nil
}

func (b *Buffered) enqueue(ctx context.Context, batch mutation.Batch, meta mutation.Metadata) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	if b.RemainingCapacity() == 0 {
		b.metrics.BufferFull(meta)
	}

	select {
	case b.queue <- batch:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffered) consume(ctx context.Context) {
	defer close(b.done)

	for {
		var first mutation.Batch
		select {
		case <-ctx.Done():
			return
		case first = <-b.queue:
		}
		// both cases may be ready once Close has cancelled, the rest is discarded
		if ctx.Err() != nil {
			return
		}

		batches := b.drain(first)
		mutations := mutation.Flatten(batches)

		err := b.sink.Send(ctx, mutations)
		if err == nil {
			b.metrics.Published(len(mutations))
			continue
		}
		if ctx.Err() != nil {
			log.Debug().
				Str("destination", b.name).
				Int("mutations", len(mutations)).
				Msg("Consumer interrupted during sink send")
			return
		}

		log.Error().
			Err(err).
			Str("destination", b.name).
			Int("batches", len(batches)).
			Int("mutations", len(mutations)).
			Msg("Failed to send mutations to sink")
		b.metrics.SendFailed(err)
		b.NotifyError(&DeliveryError{Op: "consume", Destination: b.name, Err: err})
	}
}

// drain collects first plus whatever is queued right now, without blocking
func (b *Buffered) drain(first mutation.Batch) []mutation.Batch {
	pending := len(b.queue)
	batches := make([]mutation.Batch, 0, pending+1)
	batches = append(batches, first)
	for i := 0; i < pending; i++ {
		select {
		case next := <-b.queue:
			batches = append(batches, next)
		default:
			return batches
		}
	}
	return batches
}

// Close stops the consumer, waiting at most the grace period for an in-flight
// send, then closes the sink and discards queued batches. Calling Close again
// is a no-op.
func (b *Buffered) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.state.Store(stateStopped)
		close(b.closed)
		b.cancel()

		timer := time.NewTimer(b.gracePeriod)
		select {
		case <-b.done:
			timer.Stop()
		case <-timer.C:
			log.Warn().
				Str("destination", b.name).
				Dur("grace_period", b.gracePeriod).
				Msg("Consumer did not stop within grace period, abandoning it")
		}
		b.state.Store(stateTerminated)

		b.removeSinkListener()
		if cerr := b.sink.Close(); cerr != nil {
			err = &DeliveryError{Op: "close", Destination: b.name, Err: cerr}
		}

		b.mu.Lock()
		discarded := b.discard()
		b.mu.Unlock()

		log.Info().
			Str("destination", b.name).
			Int("discarded_batches", discarded).
			Msg("Buffered destination closed")
	})
	return err
}

func (b *Buffered) discard() int {
	n := 0
	for {
		select {
		case <-b.queue:
			n++
		default:
			return n
		}
	}
}

// Clear resets sink-local state and delivery metrics. Queued batches are kept.
func (b *Buffered) Clear() {
	b.sink.Clear()
	b.metrics.Clear()
}

// RemainingCapacity is advisory, it may be stale by the time it is used
func (b *Buffered) RemainingCapacity() int {
	return cap(b.queue) - len(b.queue)
}

func (b *Buffered) LastPublished() (mutation.Mutation, bool) {
	return b.sink.LastPublished()
}

// IsStarted reports whether the consumer is running. The sink's own state is
// not consulted, it may still be unopened.
func (b *Buffered) IsStarted() bool {
	return b.IsRunning()
}

func (b *Buffered) IsRunning() bool {
	return b.state.Load() == stateRunning
}

func (b *Buffered) IsTerminated() bool {
	return b.state.Load() == stateTerminated
}
