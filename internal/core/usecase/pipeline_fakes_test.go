package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/workerpool"
)

type publishedEvent struct {
	topic string
	key   string
	event domain.Event
}

type eventRecorder struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (r *eventRecorder) Publish(topic, key string, event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, publishedEvent{topic: topic, key: key, event: event})
}

func (r *eventRecorder) count(kind domain.EventKind, status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event.Kind == kind && (status == "" || e.event.Status == status) {
			n++
		}
	}
	return n
}

type notifyRecorder struct {
	mu      sync.Mutex
	updates []domain.StatusUpdate
}

func (r *notifyRecorder) Notify(_ context.Context, update domain.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *notifyRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type storageFake struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newStorageFake() *storageFake {
	return &storageFake{objects: make(map[string][]byte)}
}

func (s *storageFake) Store(_ context.Context, data []byte, pathHint string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[pathHint] = append([]byte(nil), data...)
	return pathHint, nil
}

func (s *storageFake) Retrieve(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, domain.WrapError(domain.ErrStorage, "retrieve", fmt.Errorf("missing %s", path))
	}
	return data, nil
}

func (s *storageFake) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *storageFake) Exists(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok, nil
}

// ocrFake answers by document bytes: a payload registered in texts returns
// that text, one registered in failures always fails.
type ocrFake struct {
	mu       sync.Mutex
	texts    map[string]string
	failures map[string]error
	calls    map[string]int
}

func newOCRFake() *ocrFake {
	return &ocrFake{texts: map[string]string{}, failures: map[string]error{}, calls: map[string]int{}}
}

func (f *ocrFake) ExtractText(_ context.Context, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(data)
	f.calls[key]++
	if err, ok := f.failures[key]; ok {
		return "", err
	}
	if text, ok := f.texts[key]; ok {
		return text, nil
	}
	return "", errors.New("ocr: unknown payload")
}

func (f *ocrFake) callsFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type summarizerFake struct {
	calls   atomic.Int32
	err     error
	summary domain.Summary
	digests chan domain.BatchDigest
}

func (f *summarizerFake) Summarize(_ context.Context, digest domain.BatchDigest, _ int) (domain.Summary, error) {
	f.calls.Add(1)
	if f.digests != nil {
		f.digests <- digest
	}
	if f.err != nil {
		return domain.Summary{}, f.err
	}
	return f.summary, nil
}

type triggerRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *triggerRecorder) Trigger(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, batchID)
}

func (r *triggerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// dispatchQueue hands enqueued ids straight to the dispatcher.
type dispatchQueue struct {
	dispatcher *Dispatcher
	err        error
	enqueued   []string
}

func (q *dispatchQueue) EnqueueDocument(ctx context.Context, documentID string) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, documentID)
	if q.dispatcher == nil {
		return nil
	}
	return q.dispatcher.HandleDocument(ctx, documentID)
}

func (q *dispatchQueue) ConsumeDocuments(context.Context, func(context.Context, string) error) error {
	return nil
}

func fastPolicy(attempts int) resilience.Policy {
	return resilience.Policy{
		RetryMaxAttempts:    attempts,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     4 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	}
}

func retryAll(err error) resilience.ErrorClassification {
	if errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}

type pipeline struct {
	store      *memory.Store
	storage    *storageFake
	events     *eventRecorder
	notes      *notifyRecorder
	ocr        *ocrFake
	summarizer *summarizerFake
	pool       *workerpool.Pool
	machine    *BatchStateMachine
	processor  *ProcessDocumentUseCase
	aggregator *AnalysisAggregator
	dispatcher *Dispatcher
	queue      *dispatchQueue
	ingest     *IngestBatchUseCase
	queries    *BatchQueryUseCase
}

type pipelineOptions struct {
	trigger       ports.AnalysisTrigger
	finalizeBatch bool
}

func newPipeline(t *testing.T, opts pipelineOptions) *pipeline {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	p := &pipeline{
		store:      memory.New(),
		storage:    newStorageFake(),
		events:     &eventRecorder{},
		notes:      &notifyRecorder{},
		ocr:        newOCRFake(),
		summarizer: &summarizerFake{summary: domain.Summary{Summary: "One invoice from Acme Co.", Recommendations: []string{"Pay INV-100"}}},
		pool:       workerpool.New(workerpool.Config{Name: "test", Workers: 4, QueueSize: 32}),
	}
	done := make(chan struct{})
	go func() {
		p.pool.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	p.machine = NewBatchStateMachine(p.store, p.events, p.notes, nil)
	ocrGuard := resilience.NewGuard(resilience.NewExecutor(fastPolicy(1)), retryAll)
	p.processor = NewProcessDocumentUseCase(
		p.store,
		p.storage,
		p.ocr,
		ocrGuard,
		NewVendorResolver(p.store),
		p.machine,
		p.pool,
		ProcessConfig{RetryCeiling: 3, Retry: fastPolicy(1)},
	)
	summarizeGuard := resilience.NewGuard(resilience.NewExecutor(fastPolicy(3)), retryAll)
	p.aggregator = NewAnalysisAggregator(
		p.store,
		p.summarizer,
		summarizeGuard,
		p.machine,
		p.events,
		AnalysisConfig{MaxContentLength: 12000, FinalizeBatch: opts.finalizeBatch},
	)
	trigger := opts.trigger
	if trigger == nil {
		trigger = p.aggregator
	}
	p.machine.SetAnalysisTrigger(trigger)
	p.dispatcher = NewDispatcher(p.store, p.pool, p.processor, trigger, p.machine, DispatcherConfig{RequeueDelay: time.Millisecond})
	p.queue = &dispatchQueue{dispatcher: p.dispatcher}
	p.ingest = NewIngestBatchUseCase(p.store, p.storage, p.queue, p.machine, UploadLimits{})
	p.queries = NewBatchQueryUseCase(p.store, p.machine)
	return p
}

// settle waits until no document work and no analysis is outstanding.
func (p *pipeline) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := p.pool.Drain(ctx); err != nil {
			t.Fatalf("pool did not drain: %v", err)
		}
		p.aggregator.Wait()
	}
}

func pdfFile(payload string) ports.UploadFile {
	return ports.UploadFile{FileName: payload + ".pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 " + payload)}
}

func pdfKey(payload string) string {
	return "%PDF-1.4 " + payload
}
