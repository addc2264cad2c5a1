package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	responseBytes   *prometheus.HistogramVec
	uploadedFiles   prometheus.Counter
	uploadedBytes   prometheus.Counter
	rejectedTotal   *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	responseBytes := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response body size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"service", "path"},
	)
	uploadedFiles := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "upload",
			Name:        "files_total",
			Help:        "Total files accepted in batch uploads.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	uploadedBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "upload",
			Name:        "bytes_total",
			Help:        "Total bytes accepted in batch uploads.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "rejected_total",
			Help:        "Requests rejected before reaching a handler, by reason.",
			ConstLabels: prometheus.Labels{"service": service},
		},
		[]string{"reason"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		responseBytes,
		uploadedFiles,
		uploadedBytes,
		rejectedTotal,
	)

	return &HTTPServerMetrics{
		registry:        registry,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		requestInFlight: requestInFlight,
		responseBytes:   responseBytes,
		uploadedFiles:   uploadedFiles,
		uploadedBytes:   uploadedBytes,
		rejectedTotal:   rejectedTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterLiveSubscribers exposes the current number of live update
// subscribers as read from count.
func (m *HTTPServerMetrics) RegisterLiveSubscribers(service string, count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "notify",
			Name:        "live_subscribers",
			Help:        "Connected live update subscribers.",
			ConstLabels: prometheus.Labels{"service": service},
		},
		func() float64 { return float64(count()) },
	))
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()
		next.ServeHTTP(rec, r)

		path := normalizePath(r.URL.Path)
		m.requestTotal.WithLabelValues(service, r.Method, path, strconv.Itoa(rec.statusCode)).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
		m.responseBytes.WithLabelValues(service, path).Observe(float64(rec.written))
	})
}

// normalizePath replaces ids with placeholders to bound label cardinality.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/documents/"):
		return "/v1/documents/{document_id}"
	case strings.HasPrefix(path, "/v1/batches/"):
		return withID(path, "/v1/batches/", "{batch_id}")
	case strings.HasPrefix(path, "/v1/invoices/"):
		return withID(path, "/v1/invoices/", "{invoice_id}")
	default:
		return path
	}
}

func withID(path, prefix, placeholder string) string {
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + placeholder + "/" + rest[i+1:]
	}
	return prefix + placeholder
}

func (m *HTTPServerMetrics) RecordUpload(files int, bytes int64) {
	m.uploadedFiles.Add(float64(files))
	m.uploadedBytes.Add(float64(bytes))
}

func (m *HTTPServerMetrics) RecordRejected(reason string) {
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

// statusRecorder keeps the status code and body size of a response while
// still exposing Flush for the SSE handlers behind it.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
