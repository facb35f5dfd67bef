// Package metrics exposes forwarding and resource activity in the
// Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "port_plumber"

// Collector counts connections and resource transitions per route. It
// satisfies both plumber.ConnectionObserver and resource.Observer.
type Collector struct {
	registry *prometheus.Registry

	connsOpened  *prometheus.CounterVec
	connsActive  *prometheus.GaugeVec
	starts       *prometheus.CounterVec
	stops        *prometheus.CounterVec
	running      *prometheus.GaugeVec
	healthchecks *prometheus.CounterVec
}

// New registers the collector on a private registry, along with the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted per route.",
		}, []string{"route"}),
		connsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently relayed per route.",
		}, []string{"route"}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_starts_total",
			Help:      "Resource processes spawned per route.",
		}, []string{"route"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_stops_total",
			Help:      "Resource processes stopped per route.",
		}, []string{"route"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_running",
			Help:      "1 while the resource of a route is running.",
		}, []string{"route"}),
		healthchecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "healthchecks_total",
			Help:      "Healthcheck outcomes per route.",
		}, []string{"route", "result"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connsOpened, c.connsActive,
		c.starts, c.stops, c.running,
		c.healthchecks,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectionOpened(route string) {
	c.connsOpened.WithLabelValues(route).Inc()
	c.connsActive.WithLabelValues(route).Inc()
}

func (c *Collector) ConnectionClosed(route string) {
	c.connsActive.WithLabelValues(route).Dec()
}

func (c *Collector) ResourceStarted(route string) {
	c.starts.WithLabelValues(route).Inc()
	c.running.WithLabelValues(route).Set(1)
}

func (c *Collector) ResourceStopped(route string) {
	c.stops.WithLabelValues(route).Inc()
	c.running.WithLabelValues(route).Set(0)
}

func (c *Collector) HealthcheckPassed(route string) {
	c.healthchecks.WithLabelValues(route, "passed").Inc()
}

func (c *Collector) HealthcheckFailed(route string, _ error) {
	c.healthchecks.WithLabelValues(route, "failed").Inc()
}
