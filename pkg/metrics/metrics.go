// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides utilities for collecting and exposing broker metrics.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Circuit breaker gauge values. Half-open reports 0.5 so dashboards can
// distinguish a probing breaker from a fully open one.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 0.5
)

// Registry holds the broker's metric instruments on a dedicated prometheus
// registry so that multiple broker instances in one process do not collide.
type Registry struct {
	reg *prometheus.Registry

	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec

	poolActive    prometheus.Gauge
	poolQueue     prometheus.Gauge
	poolQueueWait prometheus.Histogram

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// New creates a Registry with every standard broker metric pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Number of cache hits.",
		}, []string{"cache_type"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Number of cache misses.",
		}, []string{"cache_type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Number of HTTP requests handled by the proxy.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "endpoint"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per upstream (closed=0, open=1, half-open=0.5).",
		}, []string{"server"}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_active_connections",
			Help: "Number of live upstream client transports.",
		}),
		poolQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_queue_depth",
			Help: "Number of requests waiting on the upstream pool.",
		}),
		poolQueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_queue_wait_seconds",
			Help:    "Time spent waiting for an upstream client.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 15, 30},
		}),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	reg.MustRegister(
		r.cacheHits, r.cacheMisses,
		r.httpRequests, r.httpDuration,
		r.breakerState,
		r.poolActive, r.poolQueue, r.poolQueueWait,
	)
	return r
}

// IncrCacheHit increments the hit counter for the given cache type.
func (r *Registry) IncrCacheHit(cacheType string) {
	r.cacheHits.WithLabelValues(cacheType).Inc()
}

// IncrCacheMiss increments the miss counter for the given cache type.
func (r *Registry) IncrCacheMiss(cacheType string) {
	r.cacheMisses.WithLabelValues(cacheType).Inc()
}

// ObserveHTTPRequest records one handled request and its latency.
func (r *Registry) ObserveHTTPRequest(method, status, endpoint string, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(method, status).Inc()
	r.httpDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

// SetBreakerState records a circuit breaker state transition for a server.
func (r *Registry) SetBreakerState(server string, state float64) {
	r.breakerState.WithLabelValues(server).Set(state)
}

// SetPoolActiveConnections records the current number of live upstream transports.
func (r *Registry) SetPoolActiveConnections(n int) {
	r.poolActive.Set(float64(n))
}

// SetPoolQueueDepth records the number of requests waiting on the pool.
func (r *Registry) SetPoolQueueDepth(n int) {
	r.poolQueue.Set(float64(n))
}

// ObservePoolQueueWait records the time a request waited for an upstream client.
func (r *Registry) ObservePoolQueueWait(elapsed time.Duration) {
	r.poolQueueWait.Observe(elapsed.Seconds())
}

// RegisterCounter registers a custom counter vector under the given name.
// Registering the same name twice returns the existing instrument.
func (r *Registry) RegisterCounter(name, help string, labels ...string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// IncrCounter increments a custom counter previously registered with
// RegisterCounter. Unknown names are ignored.
func (r *Registry) IncrCounter(name string, labelValues ...string) {
	r.mu.Lock()
	c, ok := r.counters[name]
	r.mu.Unlock()
	if ok {
		c.WithLabelValues(labelValues...).Inc()
	}
}

// RegisterGauge registers a custom gauge vector under the given name.
func (r *Registry) RegisterGauge(name, help string, labels ...string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

// SetGauge sets a custom gauge previously registered with RegisterGauge.
func (r *Registry) SetGauge(name string, value float64, labelValues ...string) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	r.mu.Unlock()
	if ok {
		g.WithLabelValues(labelValues...).Set(value)
	}
}

// RegisterHistogram registers a custom histogram vector under the given name.
func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.reg.MustRegister(h)
	r.histograms[name] = h
	return h
}

// ObserveHistogram records a sample on a custom histogram.
func (r *Registry) ObserveHistogram(name string, value float64, labelValues ...string) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	r.mu.Unlock()
	if ok {
		h.WithLabelValues(labelValues...).Observe(value)
	}
}

// Handler returns an http.Handler serving this registry in text exposition
// format, suitable for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Export renders every registered metric in the standard text exposition
// format.
func (r *Registry) Export() (string, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return "", fmt.Errorf("gathering metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encoding metric family %q: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
