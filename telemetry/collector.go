package telemetry

import (
	"sync"
	"time"
)

// CapacityReporter is implemented by buffers whose occupancy is sampled
type CapacityReporter interface {
	Name() string
	RemainingCapacity() int
}

// MetricsCollector periodically samples buffer capacity into gauges
type MetricsCollector struct {
	buffers  []CapacityReporter
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(interval time.Duration, buffers ...CapacityReporter) *MetricsCollector {
	return &MetricsCollector{
		buffers:  buffers,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector. Safe to call more than once.
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	for _, b := range mc.buffers {
		DestinationBufferRemaining.With(b.Name()).Set(float64(b.RemainingCapacity()))
	}
}
