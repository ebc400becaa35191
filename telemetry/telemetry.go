package telemetry

import (
	"net/http"
	"strconv"

	"github.com/maxpert/tapline/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "tapline"

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
}

// Vec types for labeled metrics. Reset drops the series for the given labels.
type CounterVec interface {
	With(labels ...string) Counter
	Reset(labels ...string)
}

type GaugeVec interface {
	With(labels ...string) Gauge
	Reset(labels ...string)
}

type HistogramVec interface {
	With(labels ...string) Histogram
	Reset(labels ...string)
}

// NoopStat satisfies every metric interface and records nothing
type NoopStat struct{}

func (NoopStat) Observe(float64) {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Inc()            {}
func (NoopStat) Dec()            {}
func (NoopStat) Add(float64)     {}
func (NoopStat) Sub(float64)     {}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopGaugeVec) With(...string) Gauge         { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }
func (noopCounterVec) Reset(...string)            {}
func (noopGaugeVec) Reset(...string)              {}
func (noopHistogramVec) Reset(...string)          {}

type promCounterVec struct{ vec *prometheus.CounterVec }
type promGaugeVec struct{ vec *prometheus.GaugeVec }
type promHistogramVec struct{ vec *prometheus.HistogramVec }

func (p promCounterVec) With(lv ...string) Counter     { return p.vec.WithLabelValues(lv...) }
func (p promGaugeVec) With(lv ...string) Gauge         { return p.vec.WithLabelValues(lv...) }
func (p promHistogramVec) With(lv ...string) Histogram { return p.vec.WithLabelValues(lv...) }
func (p promCounterVec) Reset(lv ...string)            { p.vec.DeleteLabelValues(lv...) }
func (p promGaugeVec) Reset(lv ...string)              { p.vec.DeleteLabelValues(lv...) }
func (p promHistogramVec) Reset(lv ...string)          { p.vec.DeleteLabelValues(lv...) }

func constLabels() prometheus.Labels {
	return prometheus.Labels{"node_id": strconv.FormatUint(cfg.Config.NodeID, 10)}
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	ret := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels(),
	})
	registry.MustRegister(ret)
	return ret
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	ret := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels(),
	})
	registry.MustRegister(ret)
	return ret
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	ret := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels(),
	}, labels)
	registry.MustRegister(ret)
	return promCounterVec{vec: ret}
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	ret := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels(),
	}, labels)
	registry.MustRegister(ret)
	return promGaugeVec{vec: ret}
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	ret := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: name, Help: help, Buckets: buckets, ConstLabels: constLabels(),
	}, labels)
	registry.MustRegister(ret)
	return promHistogramVec{vec: ret}
}

// InitializeTelemetry creates the Prometheus registry when enabled.
// Metrics created before this call stay no-ops.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Msg("Prometheus metrics enabled - served by the admin endpoint at /metrics")
}

// GetMetricsHandler returns the HTTP handler for Prometheus metrics
// Returns nil if Prometheus is not enabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
