package telemetry

import (
	"time"

	"github.com/maxpert/tapline/mutation"
)

// Histogram bucket definitions for different latency profiles
var (
	// SendBuckets for time spent enqueueing a batch (mostly backpressure)
	SendBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

	// LagBuckets for age of a mutation when it reaches the buffer
	LagBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
)

// Delivery buffer metrics, labeled by destination name
var (
	DestinationBufferFullTotal    CounterVec   = noopCounterVec{}
	DestinationBufferSize         GaugeVec     = noopGaugeVec{}
	DestinationBufferRemaining    GaugeVec     = noopGaugeVec{}
	DestinationSendSeconds        HistogramVec = noopHistogramVec{}
	DestinationSendFailuresTotal  CounterVec   = noopCounterVec{}
	DestinationMutationLagSeconds HistogramVec = noopHistogramVec{}
	DestinationPublishedTotal     CounterVec   = noopCounterVec{}
)

// Replication state metrics, labeled by source name
var (
	StateReadTotal         CounterVec = noopCounterVec{}
	StateReadFailuresTotal CounterVec = noopCounterVec{}
	StateSaveFailuresTotal CounterVec = noopCounterVec{}
	StateLeaderEpoch       GaugeVec   = noopGaugeVec{}
	CheckpointTotal        CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	DestinationBufferFullTotal = NewCounterVec(
		"destination_buffer_full_total",
		"Sends attempted while the delivery buffer had no remaining capacity",
		[]string{"destination"},
	)
	DestinationBufferSize = NewGaugeVec(
		"destination_buffer_size",
		"Batches queued in the delivery buffer after the last send",
		[]string{"destination"},
	)
	DestinationBufferRemaining = NewGaugeVec(
		"destination_buffer_remaining",
		"Remaining delivery buffer capacity, sampled periodically",
		[]string{"destination"},
	)
	DestinationSendSeconds = NewHistogramVec(
		"destination_send_seconds",
		"Time spent in send including backpressure",
		[]string{"destination"},
		SendBuckets,
	)
	DestinationSendFailuresTotal = NewCounterVec(
		"destination_send_failures_total",
		"Failed sends by destination",
		[]string{"destination"},
	)
	DestinationMutationLagSeconds = NewHistogramVec(
		"destination_mutation_lag_seconds",
		"Age of the first mutation of a batch when it was buffered",
		[]string{"destination"},
		LagBuckets,
	)
	DestinationPublishedTotal = NewCounterVec(
		"destination_published_mutations_total",
		"Mutations forwarded to the sink",
		[]string{"destination"},
	)

	StateReadTotal = NewCounterVec(
		"state_read_total",
		"Replication state read attempts",
		[]string{"source"},
	)
	StateReadFailuresTotal = NewCounterVec(
		"state_read_failures_total",
		"Replication state reads that failed",
		[]string{"source"},
	)
	StateSaveFailuresTotal = NewCounterVec(
		"state_save_failures_total",
		"Replication state saves that failed",
		[]string{"source"},
	)
	StateLeaderEpoch = NewGaugeVec(
		"state_leader_epoch",
		"Leader epoch of the last checkpoint written by this node",
		[]string{"source"},
	)
	CheckpointTotal = NewCounterVec(
		"checkpoint_total",
		"Checkpoint attempts by result",
		[]string{"source", "result"},
	)
}

// DestinationMetrics records delivery buffer signals for one destination.
// Vectors are resolved on every call so instances created before
// InitMetrics still report once metrics are enabled.
type DestinationMetrics struct {
	name string
	now  func() time.Time
}

// NewDestinationMetrics creates metrics for the named destination
func NewDestinationMetrics(name string) *DestinationMetrics {
	return &DestinationMetrics{name: name, now: time.Now}
}

func (m *DestinationMetrics) BufferFull(meta mutation.Metadata) {
	DestinationBufferFullTotal.With(m.name).Inc()
	m.observeLag(meta)
}

func (m *DestinationMetrics) BufferSize(size int, meta mutation.Metadata) {
	DestinationBufferSize.With(m.name).Set(float64(size))
	m.observeLag(meta)
}

func (m *DestinationMetrics) SendTime(d time.Duration) {
	DestinationSendSeconds.With(m.name).Observe(d.Seconds())
}

func (m *DestinationMetrics) SendFailed(err error) {
	DestinationSendFailuresTotal.With(m.name).Inc()
}

func (m *DestinationMetrics) Published(count int) {
	DestinationPublishedTotal.With(m.name).Add(float64(count))
}

// Clear drops every series recorded for this destination
func (m *DestinationMetrics) Clear() {
	DestinationBufferFullTotal.Reset(m.name)
	DestinationBufferSize.Reset(m.name)
	DestinationBufferRemaining.Reset(m.name)
	DestinationSendSeconds.Reset(m.name)
	DestinationSendFailuresTotal.Reset(m.name)
	DestinationMutationLagSeconds.Reset(m.name)
	DestinationPublishedTotal.Reset(m.name)
}

func (m *DestinationMetrics) observeLag(meta mutation.Metadata) {
	if meta.Timestamp <= 0 {
		return
	}
	lag := m.now().Sub(time.UnixMilli(meta.Timestamp))
	if lag < 0 {
		lag = 0
	}
	DestinationMutationLagSeconds.With(m.name).Observe(lag.Seconds())
}

// StateMetrics records replication state store signals for one source
type StateMetrics struct {
	source string
}

// NewStateMetrics creates metrics for the named source
func NewStateMetrics(source string) *StateMetrics {
	return &StateMetrics{source: source}
}

func (m *StateMetrics) StateRead() {
	StateReadTotal.With(m.source).Inc()
}

func (m *StateMetrics) StateReadFailure(err error) {
	StateReadFailuresTotal.With(m.source).Inc()
}

func (m *StateMetrics) StateSaveFailure(err error) {
	StateSaveFailuresTotal.With(m.source).Inc()
}

// Checkpoint records a checkpoint attempt and the epoch it was written with
func (m *StateMetrics) Checkpoint(epoch int64, err error) {
	if err != nil {
		CheckpointTotal.With(m.source, "failed").Inc()
		return
	}
	CheckpointTotal.With(m.source, "success").Inc()
	StateLeaderEpoch.With(m.source).Set(float64(epoch))
}
