// Package metrics exposes the Prometheus instruments of the studio server.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector - 메트릭 수집기. A nil *Collector is valid and records nothing.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	batchesStarted     prometheus.Counter
	batchItems         prometheus.Histogram
	retriesTotal       prometheus.Counter
	staleCompletions   prometheus.Counter

	activeSessions   prometheus.Gauge
	connectedClients prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers every instrument on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.generationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generation calls by angle and outcome",
		},
		[]string{"angle", "outcome"},
	)

	c.generationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Duration of a single generation call",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	c.batchesStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_started_total",
		Help:      "Number of generation batches started",
	})

	c.batchItems = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_items",
		Help:      "Number of angles requested per batch",
		Buckets:   []float64{1, 2, 4, 6, 8, 9, 12},
	})

	c.retriesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "item_retries_total",
		Help:      "Number of user-initiated item retries",
	})

	c.staleCompletions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_completions_total",
		Help:      "Completions discarded because their batch was replaced",
	})

	c.activeSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of live studio sessions",
	})

	c.connectedClients = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_clients",
		Help:      "Number of connected websocket clients",
	})

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest - HTTP 요청 기록
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordGeneration records one finished generation call.
func (c *Collector) RecordGeneration(angle, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.generationsTotal.WithLabelValues(angle, outcome).Inc()
	c.generationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (c *Collector) RecordBatchStarted(items int) {
	if c == nil {
		return
	}
	c.batchesStarted.Inc()
	c.batchItems.Observe(float64(items))
}

func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retriesTotal.Inc()
}

func (c *Collector) RecordStaleCompletion() {
	if c == nil {
		return
	}
	c.staleCompletions.Inc()
}

func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.activeSessions.Set(float64(n))
}

func (c *Collector) AddConnectedClients(delta int) {
	if c == nil {
		return
	}
	c.connectedClients.Add(float64(delta))
}
