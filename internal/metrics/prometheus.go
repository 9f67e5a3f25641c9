// Package metrics provides Prometheus metrics exposition for the loadd server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the loadd Prometheus instruments on a private registry.
// Thread-safe for concurrent access.
type Collector struct {
	registry *prometheus.Registry

	exchanges *prometheus.CounterVec
	errors    *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	sentinels *prometheus.CounterVec
	latency   prometheus.Histogram
	inFlight  prometheus.Gauge
	lastLoad  prometheus.Gauge
	lastUsers prometheus.Gauge
	startedAt prometheus.Gauge
}

// NewCollector creates a Collector with all instruments registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadd",
			Name:      "exchanges_total",
			Help:      "Datagrams answered or dropped, by result.",
		}, []string{"result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadd",
			Name:      "errors_total",
			Help:      "Server errors by kind.",
		}, []string{"kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadd",
			Name:      "datagram_bytes_total",
			Help:      "Datagram payload bytes by direction.",
		}, []string{"direction"}),
		sentinels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadd",
			Name:      "metric_unavailable_total",
			Help:      "Host metric reads replaced by a sentinel value.",
		}, []string{"metric"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loadd",
			Name:      "exchange_duration_seconds",
			Help:      "Time from receive to reply.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadd",
			Name:      "exchanges_in_flight",
			Help:      "Datagrams currently being handled.",
		}),
		lastLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadd",
			Name:      "host_load1",
			Help:      "Last one-minute load average reported to a client.",
		}),
		lastUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadd",
			Name:      "host_users",
			Help:      "Last logged-in user count reported to a client.",
		}),
		startedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loadd",
			Name:      "start_time_seconds",
			Help:      "Unix time the server bound its endpoint.",
		}),
	}

	c.registry.MustRegister(
		c.exchanges, c.errors, c.bytes, c.sentinels,
		c.latency, c.inFlight, c.lastLoad, c.lastUsers, c.startedAt,
	)
	c.lastLoad.Set(-1)
	c.lastUsers.Set(-1)
	return c
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// MarkStarted records the server start time.
func (c *Collector) MarkStarted(t time.Time) {
	c.startedAt.Set(float64(t.Unix()))
}

// ObserveExchange records one datagram outcome ("replied", "dropped", "failed").
func (c *Collector) ObserveExchange(result string, received, sent int, d time.Duration) {
	c.exchanges.WithLabelValues(result).Inc()
	if received > 0 {
		c.bytes.WithLabelValues("rx").Add(float64(received))
	}
	if sent > 0 {
		c.bytes.WithLabelValues("tx").Add(float64(sent))
	}
	c.latency.Observe(d.Seconds())
}

// ObserveError counts an error of the given kind.
func (c *Collector) ObserveError(kind string) {
	c.errors.WithLabelValues(kind).Inc()
}

// ObserveSentinel counts a sentinel substitution for metric.
func (c *Collector) ObserveSentinel(metric string) {
	c.sentinels.WithLabelValues(metric).Inc()
}

// ObserveRecord sets the gauges to the values just reported.
func (c *Collector) ObserveRecord(load float64, users int32) {
	c.lastLoad.Set(load)
	c.lastUsers.Set(float64(users))
}

// Begin marks a datagram as in flight and returns the matching release func.
func (c *Collector) Begin() func() {
	c.inFlight.Inc()
	return c.inFlight.Dec
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
