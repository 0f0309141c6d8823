// Package metrics exposes the engine's Prometheus collectors. Every engine
// owns its own registry so two engines in one process never share counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for one engine.
type Collector struct {
	registry *prometheus.Registry

	// Fetch cache metrics
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	NetworkCalls  *prometheus.CounterVec
	DedupJoins    prometheus.Counter
	PrefetchDrops prometheus.Counter

	// Navigation metrics
	Navigations        *prometheus.CounterVec
	NavigationDuration prometheus.Histogram

	// Resource metrics
	Stylesheets *prometheus.CounterVec
}

// NewCollector creates a collector with metric names under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Fragment lookups served from the cache",
	})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Fragment lookups that missed the cache",
	})
	networkCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_requests_total",
		Help:      "Fragment requests issued to the network",
	}, []string{"status"})
	dedupJoins := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_dedup_joins_total",
		Help:      "Fetches that joined an already pending request",
	})
	prefetchDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prefetch_throttled_total",
		Help:      "Prefetches dropped by the rate limiter",
	})
	navigations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "navigations_total",
		Help:      "Navigations by final state",
	}, []string{"outcome"})
	navigationDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "navigation_duration_seconds",
		Help:      "Time from navigation request to settle or failure",
		Buckets:   prometheus.DefBuckets,
	})
	stylesheets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stylesheets_total",
		Help:      "Stylesheet synchronization outcomes",
	}, []string{"result"})

	registry.MustRegister(
		cacheHits,
		cacheMisses,
		networkCalls,
		dedupJoins,
		prefetchDrops,
		navigations,
		navigationDuration,
		stylesheets,
	)

	return &Collector{
		registry:           registry,
		CacheHits:          cacheHits,
		CacheMisses:        cacheMisses,
		NetworkCalls:       networkCalls,
		DedupJoins:         dedupJoins,
		PrefetchDrops:      prefetchDrops,
		Navigations:        navigations,
		NavigationDuration: navigationDuration,
		Stylesheets:        stylesheets,
	}
}

// Registry returns the collector's private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// The Record helpers below accept a nil receiver so components can run
// without metrics.

// RecordCacheLookup counts a cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.CacheHits.Inc()
	} else {
		c.CacheMisses.Inc()
	}
}

// RecordNetworkCall counts one fragment request by status ("200", "error", ...).
func (c *Collector) RecordNetworkCall(status string) {
	if c == nil {
		return
	}
	c.NetworkCalls.WithLabelValues(status).Inc()
}

// RecordDedupJoin counts a caller that shared a pending request.
func (c *Collector) RecordDedupJoin() {
	if c == nil {
		return
	}
	c.DedupJoins.Inc()
}

// RecordPrefetchDrop counts a throttled prefetch.
func (c *Collector) RecordPrefetchDrop() {
	if c == nil {
		return
	}
	c.PrefetchDrops.Inc()
}

// RecordNavigation counts a finished navigation and observes its duration.
func (c *Collector) RecordNavigation(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Navigations.WithLabelValues(outcome).Inc()
	c.NavigationDuration.Observe(d.Seconds())
}

// RecordStylesheet counts one stylesheet outcome ("loaded", "reused", "timeout", "error").
func (c *Collector) RecordStylesheet(result string) {
	if c == nil {
		return
	}
	c.Stylesheets.WithLabelValues(result).Inc()
}
