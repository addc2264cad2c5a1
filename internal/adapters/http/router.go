package httpadapter

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

type RouterConfig struct {
	MaxUploadBytes    int64
	RateLimitRPS      float64
	RateLimitBurst    int
	MaxInFlight       int
	BackpressureWait  time.Duration
	SSERetry          time.Duration
	HeartbeatInterval time.Duration
}

// Observer receives API-level measurements. metrics.HTTPServerMetrics
// implements it.
type Observer interface {
	RecordUpload(files int, bytes int64)
	RecordRejected(reason string)
}

type nopObserver struct{}

func (nopObserver) RecordUpload(int, int64) {}
func (nopObserver) RecordRejected(string)   {}

type Router struct {
	ingest    ports.BatchIngestor
	reader    ports.BatchReader
	canceller ports.BatchCanceller
	exporter  ports.BatchExporter
	invoices  ports.InvoiceReviewer
	feed      ports.LiveFeed
	users     ports.UserDirectory
	observer  Observer
	cfg       RouterConfig
}

type Dependencies struct {
	Ingest    ports.BatchIngestor
	Reader    ports.BatchReader
	Canceller ports.BatchCanceller
	Exporter  ports.BatchExporter
	Invoices  ports.InvoiceReviewer
	Feed      ports.LiveFeed
	Users     ports.UserDirectory
	Observer  Observer
}

func NewRouter(cfg RouterConfig, deps Dependencies) *Router {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 256 << 20
	}
	if cfg.BackpressureWait <= 0 {
		cfg.BackpressureWait = 50 * time.Millisecond
	}
	if cfg.SSERetry <= 0 {
		cfg.SSERetry = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Router{
		ingest:    deps.Ingest,
		reader:    deps.Reader,
		canceller: deps.Canceller,
		exporter:  deps.Exporter,
		invoices:  deps.Invoices,
		feed:      deps.Feed,
		users:     deps.Users,
		observer:  observer,
		cfg:       cfg,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/batches", rt.uploadBatch)
	mux.HandleFunc("GET /v1/batches/{id}", rt.getBatch)
	mux.HandleFunc("POST /v1/batches/{id}/cancel", rt.cancelBatch)
	mux.HandleFunc("GET /v1/batches/{id}/analysis", rt.getAnalysis)
	mux.HandleFunc("GET /v1/batches/{id}/invoices", rt.listInvoices)
	mux.HandleFunc("GET /v1/batches/{id}/export", rt.exportBatch)
	mux.HandleFunc("GET /v1/batches/{id}/events", rt.streamBatchEvents)
	mux.HandleFunc("GET /v1/events", rt.streamAllEvents)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("GET /v1/invoices/{id}", rt.getInvoice)
	mux.HandleFunc("POST /v1/invoices/{id}/status", rt.transitionInvoice)

	var handler http.Handler = mux
	handler = authMiddleware(handler, rt.users)
	handler = backpressureMiddleware(handler, rt.cfg.MaxInFlight, rt.cfg.BackpressureWait)
	if rt.cfg.RateLimitRPS > 0 {
		burst := rt.cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(rt.cfg.RateLimitRPS) + 1
		}
		handler = rateLimitMiddleware(handler, rate.NewLimiter(rate.Limit(rt.cfg.RateLimitRPS), burst))
	}
	handler = rejectionObserverMiddleware(handler, rt.observer)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
