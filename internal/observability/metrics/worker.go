package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "invoice"

// WorkerMetrics records document processing, pool occupancy, batch
// transitions, analysis outcomes and event publication for one process.
type WorkerMetrics struct {
	registry *prometheus.Registry

	processTotal     *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	processInFlight  prometheus.Gauge
	queueLag         prometheus.Histogram
	retriesTotal     prometheus.Counter
	providerRetries  *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	analysisTotal    *prometheus.CounterVec
	analysisDuration prometheus.Histogram
	eventsTotal      *prometheus.CounterVec
	poolQueueDepth   *prometheus.GaugeVec
	poolInFlight     *prometheus.GaugeVec
	poolRejected     *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	processTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "document_process_total",
			Help:        "Total document processing attempts by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	processDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "document_process_duration_seconds",
			Help:        "Document processing duration in seconds by outcome.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	processInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "document_process_in_flight",
			Help:        "Number of in-flight document processing tasks.",
			ConstLabels: constLabels,
		},
	)
	queueLag := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "queue_lag_seconds",
			Help:        "Delay between document creation and processing start.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		},
	)
	retriesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "document_retries_total",
			Help:        "Total document attempts scheduled for retry.",
			ConstLabels: constLabels,
		},
	)
	providerRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "provider",
			Name:        "retries_total",
			Help:        "In-call retries of provider operations (ocr_extract, summarize_batch).",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)
	transitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "batch",
			Name:        "transitions_total",
			Help:        "Total batch status transitions by target status.",
			ConstLabels: constLabels,
		},
		[]string{"to"},
	)
	analysisTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "analysis",
			Name:        "runs_total",
			Help:        "Total batch analyses by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	analysisDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "analysis",
			Name:        "duration_seconds",
			Help:        "Batch analysis duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
	)
	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "events",
			Name:        "total",
			Help:        "Pipeline events by topic and outcome (published, dropped, failed).",
			ConstLabels: constLabels,
		},
		[]string{"topic", "outcome"},
	)
	poolQueueDepth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "queue_depth",
			Help:        "Tasks waiting in the worker pool queue.",
			ConstLabels: constLabels,
		},
		[]string{"pool"},
	)
	poolInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "in_flight",
			Help:        "Tasks currently running in the worker pool.",
			ConstLabels: constLabels,
		},
		[]string{"pool"},
	)
	poolRejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "rejected_total",
			Help:        "Submissions rejected because the pool queue was full.",
			ConstLabels: constLabels,
		},
		[]string{"pool"},
	)

	registry.MustRegister(
		processTotal,
		processDuration,
		processInFlight,
		queueLag,
		retriesTotal,
		providerRetries,
		transitionsTotal,
		analysisTotal,
		analysisDuration,
		eventsTotal,
		poolQueueDepth,
		poolInFlight,
		poolRejected,
	)

	return &WorkerMetrics{
		registry:         registry,
		processTotal:     processTotal,
		processDuration:  processDuration,
		processInFlight:  processInFlight,
		queueLag:         queueLag,
		retriesTotal:     retriesTotal,
		providerRetries:  providerRetries,
		transitionsTotal: transitionsTotal,
		analysisTotal:    analysisTotal,
		analysisDuration: analysisDuration,
		eventsTotal:      eventsTotal,
		poolQueueDepth:   poolQueueDepth,
		poolInFlight:     poolInFlight,
		poolRejected:     poolRejected,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartDocument() {
	m.processInFlight.Inc()
}

func (m *WorkerMetrics) FinishDocument(outcome string, duration time.Duration) {
	m.processInFlight.Dec()
	if outcome == "" {
		outcome = "unknown"
	}
	m.processTotal.WithLabelValues(outcome).Inc()
	m.processDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.Observe(lag.Seconds())
}

func (m *WorkerMetrics) RecordRetry() {
	m.retriesTotal.Inc()
}

// RecordProviderRetry matches resilience.RetryHook.
func (m *WorkerMetrics) RecordProviderRetry(operation string, _ int, _ error) {
	m.providerRetries.WithLabelValues(operation).Inc()
}

func (m *WorkerMetrics) RecordBatchTransition(to string) {
	m.transitionsTotal.WithLabelValues(to).Inc()
}

func (m *WorkerMetrics) RecordAnalysis(outcome string, duration time.Duration) {
	m.analysisTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.analysisDuration.Observe(duration.Seconds())
	}
}

func (m *WorkerMetrics) RecordEvent(topic, outcome string) {
	m.eventsTotal.WithLabelValues(topic, outcome).Inc()
}

func (m *WorkerMetrics) ObservePool(name string, queueDepth, inFlight int) {
	m.poolQueueDepth.WithLabelValues(name).Set(float64(queueDepth))
	m.poolInFlight.WithLabelValues(name).Set(float64(inFlight))
}

func (m *WorkerMetrics) RecordRejected(name string) {
	m.poolRejected.WithLabelValues(name).Inc()
}
