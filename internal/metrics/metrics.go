// Package metrics holds the Prometheus instruments of the service. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so independent instances never collide on
// registration.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	OutlineSaves prometheus.Counter
	NodeWrites   *prometheus.CounterVec
	Versions     *prometheus.CounterVec
	AssetPuts    *prometheus.CounterVec
	DiffCache    *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		OutlineSaves: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outline_saves_total",
				Help:      "Total number of committed outline saves",
			},
		),
		NodeWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_writes_total",
				Help:      "Node rows written by outline saves, by operation",
			},
			[]string{"operation"},
		),
		Versions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "versions_total",
				Help:      "Version record attempts by cause and outcome",
			},
			[]string{"cause", "outcome"},
		),
		AssetPuts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "asset_puts_total",
				Help:      "Content store puts by outcome",
			},
			[]string{"outcome"},
		),
		DiffCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diff_cache_lookups_total",
				Help:      "Version diff cache lookups by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.OutlineSaves,
		c.NodeWrites,
		c.Versions,
		c.AssetPuts,
		c.DiffCache,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) OutlineSaved(inserted, updated, deleted int) {
	if c == nil {
		return
	}
	c.OutlineSaves.Inc()
	c.NodeWrites.WithLabelValues("insert").Add(float64(inserted))
	c.NodeWrites.WithLabelValues("update").Add(float64(updated))
	c.NodeWrites.WithLabelValues("delete").Add(float64(deleted))
}

func (c *Collector) VersionRecorded(cause string, skipped bool) {
	if c == nil {
		return
	}
	outcome := "written"
	if skipped {
		outcome = "skipped"
	}
	c.Versions.WithLabelValues(cause, outcome).Inc()
}

// Asset put outcomes.
const (
	AssetCreated  = "created"
	AssetDeduped  = "dedup"
	AssetHealed   = "healed"
	AssetConflict = "conflict"
)

func (c *Collector) AssetPut(outcome string) {
	if c == nil {
		return
	}
	c.AssetPuts.WithLabelValues(outcome).Inc()
}

func (c *Collector) DiffCacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.DiffCache.WithLabelValues(result).Inc()
}
