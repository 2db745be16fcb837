// Package metrics provides Prometheus metrics for the session lifecycle and
// the store service. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Collector collects and exposes session metrics.
type Collector struct {
	logger   zerolog.Logger
	registry *prometheus.Registry

	// Lifecycle metrics
	sessionsCreated  *prometheus.CounterVec
	sessionsRejected *prometheus.CounterVec
	sessionsDeleted  prometheus.Counter
	messagesAdded    *prometheus.CounterVec
	operationErrors  *prometheus.CounterVec

	// Analytics metrics
	analyticsEvents   *prometheus.CounterVec
	analyticsFailures prometheus.Counter
	trackedSessions   prometheus.Gauge

	// Cleanup metrics
	cleanupRuns      prometheus.Counter
	cleanupDuration  prometheus.Histogram
	sessionsArchived prometheus.Counter
	lastCleanupTime  prometheus.Gauge

	// Cache metrics
	cacheLookups *prometheus.CounterVec

	// HTTP metrics
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(logger zerolog.Logger, namespace string) *Collector {
	if namespace == "" {
		namespace = "sessiond"
	}

	c := &Collector{
		logger:   logger.With().Str("component", "metrics_collector").Logger(),
		registry: prometheus.NewRegistry(),
	}

	c.initLifecycleMetrics(namespace)
	c.initAnalyticsMetrics(namespace)
	c.initCleanupMetrics(namespace)
	c.initHTTPMetrics(namespace)
	c.registerMetrics()

	c.logger.Debug().Str("namespace", namespace).Msg("Metrics collector initialized")
	return c
}

func (c *Collector) initLifecycleMetrics(namespace string) {
	c.sessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		},
		[]string{"type"},
	)
	c.sessionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total number of session creations rejected",
		},
		[]string{"reason"},
	)
	c.sessionsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_deleted_total",
			Help:      "Total number of sessions deleted",
		},
	)
	c.messagesAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_added_total",
			Help:      "Total number of messages appended",
		},
		[]string{"role"},
	)
	c.operationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Total number of failed lifecycle operations",
		},
		[]string{"op", "code"},
	)
	c.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Local cache lookups by result",
		},
		[]string{"result"},
	)
}

func (c *Collector) initAnalyticsMetrics(namespace string) {
	c.analyticsEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_events_total",
			Help:      "Total number of analytics events recorded",
		},
		[]string{"kind"},
	)
	c.analyticsFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_failures_total",
			Help:      "Analytics recordings that failed and were swallowed",
		},
	)
	c.trackedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analytics_tracked_sessions",
			Help:      "Sessions with in-memory analytics",
		},
	)
}

func (c *Collector) initCleanupMetrics(namespace string) {
	c.cleanupRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Total number of cleanup sweeps",
		},
	)
	c.cleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Duration of cleanup sweeps in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
	)
	c.sessionsArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_archive_signaled_total",
			Help:      "Sessions signaled for archival by cleanup",
		},
	)
	c.lastCleanupTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cleanup_timestamp",
			Help:      "Unix time of the last cleanup sweep",
		},
	)
}

func (c *Collector) initHTTPMetrics(namespace string) {
	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Store service request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)
}

func (c *Collector) registerMetrics() {
	c.registry.MustRegister(
		c.sessionsCreated,
		c.sessionsRejected,
		c.sessionsDeleted,
		c.messagesAdded,
		c.operationErrors,
		c.cacheLookups,
		c.analyticsEvents,
		c.analyticsFailures,
		c.trackedSessions,
		c.cleanupRuns,
		c.cleanupDuration,
		c.sessionsArchived,
		c.lastCleanupTime,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// InstrumentRoute wraps h so its latency is observed under route.
func (c *Collector) InstrumentRoute(route string, h http.Handler) http.Handler {
	if c == nil {
		return h
	}
	obs := c.httpDuration.MustCurryWith(prometheus.Labels{"route": route})
	return promhttp.InstrumentHandlerDuration(obs, h)
}

func (c *Collector) SessionCreated(sessionType string) {
	if c == nil {
		return
	}
	c.sessionsCreated.WithLabelValues(sessionType).Inc()
}

func (c *Collector) SessionRejected(reason string) {
	if c == nil {
		return
	}
	c.sessionsRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) SessionDeleted() {
	if c == nil {
		return
	}
	c.sessionsDeleted.Inc()
}

func (c *Collector) MessageAdded(role string) {
	if c == nil {
		return
	}
	c.messagesAdded.WithLabelValues(role).Inc()
}

func (c *Collector) OperationFailed(op, code string) {
	if c == nil {
		return
	}
	c.operationErrors.WithLabelValues(op, code).Inc()
}

func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) AnalyticsEvent(kind string) {
	if c == nil {
		return
	}
	c.analyticsEvents.WithLabelValues(kind).Inc()
}

func (c *Collector) AnalyticsFailure() {
	if c == nil {
		return
	}
	c.analyticsFailures.Inc()
}

func (c *Collector) TrackedSessions(n int) {
	if c == nil {
		return
	}
	c.trackedSessions.Set(float64(n))
}

// CleanupCompleted records one sweep.
func (c *Collector) CleanupCompleted(at time.Time, took time.Duration, archived int) {
	if c == nil {
		return
	}
	c.cleanupRuns.Inc()
	c.cleanupDuration.Observe(took.Seconds())
	c.sessionsArchived.Add(float64(archived))
	c.lastCleanupTime.Set(float64(at.Unix()))
}
