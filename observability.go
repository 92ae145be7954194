package queryx

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer for optimizer read operations
var tracer = otel.Tracer("github.com/seasbee/go-queryx")

// ObservabilityConfig holds observability configuration
type ObservabilityConfig struct {
	EnableMetrics  bool   `yaml:"enable_metrics" json:"enable_metrics"`
	EnableTracing  bool   `yaml:"enable_tracing" json:"enable_tracing"`
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`
}

// DefaultObservabilityConfig returns a default observability configuration
func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{
		EnableMetrics:  true,
		EnableTracing:  true,
		ServiceName:    "queryx",
		ServiceVersion: "1.0.0",
		Environment:    "production",
	}
}

// ObservabilityManager mirrors registry metrics into Prometheus and wraps
// reads in OpenTelemetry spans. Each manager owns its own Prometheus registry
// so independent instances never collide on metric registration.
type ObservabilityManager struct {
	config   *ObservabilityConfig
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	fallbacksTotal    prometheus.Counter
	poolTotal         prometheus.Gauge
	poolInUse         prometheus.Gauge
	poolQueued        prometheus.Gauge
}

// NewObservability creates a new observability manager
func NewObservability(config *ObservabilityConfig) *ObservabilityManager {
	if config == nil {
		config = DefaultObservabilityConfig()
	}

	o := &ObservabilityManager{
		config: config,
	}

	if config.EnableMetrics {
		o.registry = prometheus.NewRegistry()
		factory := promauto.With(o.registry)

		o.operationsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryx_operations_total",
				Help: "Total number of optimized read operations",
			},
			[]string{"operation", "status"},
		)
		o.operationDuration = factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queryx_operation_duration_seconds",
				Help:    "Optimized read duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		)
		o.cacheHits = factory.NewCounter(
			prometheus.CounterOpts{
				Name: "queryx_cache_hits_total",
				Help: "Total number of cache hits",
			},
		)
		o.cacheMisses = factory.NewCounter(
			prometheus.CounterOpts{
				Name: "queryx_cache_misses_total",
				Help: "Total number of cache misses",
			},
		)
		o.fallbacksTotal = factory.NewCounter(
			prometheus.CounterOpts{
				Name: "queryx_fallbacks_total",
				Help: "Total number of synthesized fallback records returned",
			},
		)
		o.poolTotal = factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "queryx_pool_connections",
				Help: "Current number of pooled connections",
			},
		)
		o.poolInUse = factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "queryx_pool_in_use",
				Help: "Current number of in-use pooled connections",
			},
		)
		o.poolQueued = factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "queryx_pool_queued_waiters",
				Help: "Current number of callers queued for a connection",
			},
		)
	}

	return o
}

// Registry returns the Prometheus registry for exposition, or nil when
// metrics are disabled.
func (o *ObservabilityManager) Registry() *prometheus.Registry {
	if o == nil {
		return nil
	}
	return o.registry
}

// RecordOperation records one optimized read outcome
func (o *ObservabilityManager) RecordOperation(operation string, success bool, duration time.Duration) {
	if o == nil || !o.config.EnableMetrics {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}
	o.operationsTotal.WithLabelValues(operation, status).Inc()
	o.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit
func (o *ObservabilityManager) RecordCacheHit() {
	if o == nil || !o.config.EnableMetrics {
		return
	}
	o.cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (o *ObservabilityManager) RecordCacheMiss() {
	if o == nil || !o.config.EnableMetrics {
		return
	}
	o.cacheMisses.Inc()
}

// RecordFallback records a synthesized fallback emission
func (o *ObservabilityManager) RecordFallback() {
	if o == nil || !o.config.EnableMetrics {
		return
	}
	o.fallbacksTotal.Inc()
}

// RecordPoolStats mirrors a pool occupancy snapshot into gauges
func (o *ObservabilityManager) RecordPoolStats(stats PoolStats) {
	if o == nil || !o.config.EnableMetrics {
		return
	}
	o.poolTotal.Set(float64(stats.Total))
	o.poolInUse.Set(float64(stats.InUse))
	o.poolQueued.Set(float64(stats.Queued))
}

// TraceOperation starts a span for a read operation
func (o *ObservabilityManager) TraceOperation(ctx context.Context, operation, entity, key string) (context.Context, trace.Span) {
	if o == nil || !o.config.EnableTracing {
		return ctx, trace.SpanFromContext(ctx)
	}

	attrs := []attribute.KeyValue{
		attribute.String("queryx.operation", operation),
		attribute.String("queryx.service.name", o.config.ServiceName),
		attribute.String("queryx.service.version", o.config.ServiceVersion),
		attribute.String("queryx.environment", o.config.Environment),
	}
	if entity != "" {
		attrs = append(attrs, attribute.String("queryx.entity", entity))
	}
	if key != "" {
		attrs = append(attrs, attribute.String("queryx.key", key))
	}

	return tracer.Start(ctx, fmt.Sprintf("queryx.%s", operation),
		trace.WithAttributes(attrs...),
	)
}
