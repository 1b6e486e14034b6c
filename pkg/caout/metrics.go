package caout

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "caout"

// Metrics collects playback and device state counters. A nil *Metrics is valid and
// records nothing; every method is safe to call from the render callback.
type Metrics struct {
	registry *prometheus.Registry

	formatSwitches *prometheus.CounterVec
	hogContention  prometheus.Counter
	underrunBytes  prometheus.Counter
	bufferFill     prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		formatSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "format_switches_total",
			Help:      "Stream physical format changes by outcome.",
		}, []string{"result"}),
		hogContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hog_contention_total",
			Help:      "Digital opens refused because another process held the device.",
		}),
		underrunBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "underrun_bytes_total",
			Help:      "Bytes of silence rendered because the ring buffer ran dry.",
		}),
		bufferFill: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buffer_fill_ratio",
			Help:      "Fraction of the ring buffer holding queued audio.",
		}),
	}

	m.registry.MustRegister(m.formatSwitches, m.hogContention, m.underrunBytes, m.bufferFill)

	return m
}

// Registry exposes the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collected metrics in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeSwitch(result string) {
	if m == nil {
		return
	}

	m.formatSwitches.WithLabelValues(result).Inc()
}

func (m *Metrics) observeContention() {
	if m == nil {
		return
	}

	m.hogContention.Inc()
}

func (m *Metrics) observeUnderrun(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}

	m.underrunBytes.Add(float64(bytes))
}

func (m *Metrics) observeFill(queued, capacity int) {
	if m == nil || capacity <= 0 {
		return
	}

	m.bufferFill.Set(float64(queued) / float64(capacity))
}
