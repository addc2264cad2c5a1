package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/v1/batches":              "/v1/batches",
		"/v1/batches/abc":          "/v1/batches/{batch_id}",
		"/v1/batches/abc/analysis": "/v1/batches/{batch_id}/analysis",
		"/v1/batches/abc/cancel":   "/v1/batches/{batch_id}/cancel",
		"/v1/documents/d-1":        "/v1/documents/{document_id}",
		"/v1/invoices/i-9/status":  "/v1/invoices/{invoice_id}/status",
		"/healthz":                 "/healthz",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPMiddlewareCountsRequests(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	handler := m.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/b1", nil))

	got := testutil.ToFloat64(m.requestTotal.WithLabelValues("api", http.MethodGet, "/v1/batches/{batch_id}", "404"))
	if got != 1 {
		t.Fatalf("expected 1 request counted, got %v", got)
	}
}

func TestHTTPMiddlewareObservesResponseSize(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	handler := m.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/batches/b1/export", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `invoice_http_response_size_bytes_sum{path="/v1/batches/{batch_id}/export",service="api"} 5`
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("response size missing %q:\n%s", want, rec.Body.String())
	}
	if got := testutil.ToFloat64(m.requestTotal.WithLabelValues("api", http.MethodGet, "/v1/batches/{batch_id}/export", "200")); got != 1 {
		t.Fatalf("write without WriteHeader must count as 200, got %v", got)
	}
}

func TestHTTPMetricsExposeLiveSubscribers(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.RegisterLiveSubscribers("api", func() int { return 3 })
	m.RecordUpload(2, 2048)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `invoice_notify_live_subscribers{service="api"} 3`) {
		t.Fatalf("live subscribers gauge missing:\n%s", body)
	}
	if !strings.Contains(body, `invoice_upload_files_total{service="api"} 2`) {
		t.Fatalf("upload counter missing:\n%s", body)
	}
}

func TestWorkerMetricsRecordPipeline(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.StartDocument()
	m.FinishDocument("processed", 2*time.Second)
	m.RecordRetry()
	m.RecordBatchTransition("COMPLETED")
	m.RecordEvent("batches", "dropped")
	m.ObservePool("documents", 4, 2)
	m.RecordRejected("documents")
	m.RecordProviderRetry("summarize_batch", 1, nil)

	if got := testutil.ToFloat64(m.processInFlight); got != 0 {
		t.Fatalf("in-flight = %v", got)
	}
	if got := testutil.ToFloat64(m.processTotal.WithLabelValues("processed")); got != 1 {
		t.Fatalf("processed = %v", got)
	}
	if got := testutil.ToFloat64(m.eventsTotal.WithLabelValues("batches", "dropped")); got != 1 {
		t.Fatalf("dropped events = %v", got)
	}
	if got := testutil.ToFloat64(m.poolQueueDepth.WithLabelValues("documents")); got != 4 {
		t.Fatalf("queue depth = %v", got)
	}
	if got := testutil.ToFloat64(m.poolRejected.WithLabelValues("documents")); got != 1 {
		t.Fatalf("rejected = %v", got)
	}
	if got := testutil.ToFloat64(m.providerRetries.WithLabelValues("summarize_batch")); got != 1 {
		t.Fatalf("provider retries = %v", got)
	}
}
