package observability

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the storage layer.
type Metrics struct {
	registry *prometheus.Registry

	// Storage metrics
	StorageOperationsTotal *prometheus.CounterVec
	StorageErrorsTotal     *prometheus.CounterVec

	// Manager cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheEntries        prometheus.Gauge

	// Backend state
	FallbackActive *prometheus.GaugeVec

	// Repository metrics
	TransitionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registry. A nil
// registry creates a private one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepcast_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepcast_storage_errors_total",
				Help: "Total number of storage errors by type",
			},
			[]string{"operation", "backend", "error_type"},
		),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepcast_cache_hits_total",
			Help: "Manager cache hits",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepcast_cache_misses_total",
			Help: "Manager cache misses",
		}),
		CacheEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepcast_cache_evictions_total",
			Help: "Manager cache entries evicted",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepcast_cache_entries",
			Help: "Current number of manager cache entries",
		}),
		FallbackActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stepcast_storage_fallback_active",
				Help: "1 when a backend is serving from its fallback provider",
			},
			[]string{"backend"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepcast_repository_transitions_total",
				Help: "Status transitions attempted on domain records",
			},
			[]string{"entity", "transition", "status"},
		),
	}

	registry.MustRegister(
		m.StorageOperationsTotal,
		m.StorageErrorsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.CacheEntries,
		m.FallbackActive,
		m.TransitionsTotal,
	)
	return m
}

// Handler returns an HTTP handler exposing the registry, for hosts that
// serve a metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOperation records a storage operation outcome.
func (m *Metrics) RecordOperation(operation, backend string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	if err != nil {
		m.StorageErrorsTotal.WithLabelValues(operation, backend, errorType(err)).Inc()
	}
}

// RecordTransition records a domain status-transition attempt.
func (m *Metrics) RecordTransition(entity, transition string, err error) {
	status := "success"
	if err != nil {
		status = "rejected"
	}
	m.TransitionsTotal.WithLabelValues(entity, transition, status).Inc()
}

// errorType buckets errors by the sentinel message to keep label
// cardinality low.
func errorType(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "quota exceeded"):
		return "quota_exceeded"
	case strings.Contains(msg, "not initialized"):
		return "not_initialized"
	case strings.Contains(msg, "not found"):
		return "not_found"
	case strings.Contains(msg, "backend unavailable"):
		return "backend_unavailable"
	case strings.Contains(msg, "validation failed"):
		return "validation_failed"
	default:
		return "other"
	}
}
