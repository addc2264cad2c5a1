package usecase

import (
	"context"
	"testing"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

func TestRecoverCountsInterruptedAttempt(t *testing.T) {
	p := newPipeline(t, pipelineOptions{finalizeBatch: true})
	p.ocr.texts[pdfKey("acme")] = acmeInvoiceText
	p.queue.dispatcher = nil

	batch, err := p.ingest.UploadBatch(context.Background(), "crash", []ports.UploadFile{pdfFile("acme")})
	if err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}
	docID := p.queue.enqueued[0]
	if _, err := p.store.ClaimDocument(context.Background(), docID); err != nil {
		t.Fatalf("ClaimDocument() error = %v", err)
	}

	n, err := p.dispatcher.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the interrupted document to be resubmitted, got %d", n)
	}
	p.settle(t)

	doc, _ := p.store.GetDocument(context.Background(), docID)
	if doc.Status != domain.DocumentProcessed || doc.RetryCount != 1 {
		t.Fatalf("unexpected document %s retry_count=%d", doc.Status, doc.RetryCount)
	}
	got, _ := p.store.GetBatch(context.Background(), batch.ID)
	if got.Status != domain.BatchCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
}

func TestRecoverFailsInterruptedAnalysis(t *testing.T) {
	trigger := &triggerRecorder{}
	p := newPipeline(t, pipelineOptions{trigger: trigger})
	p.ocr.texts[pdfKey("acme")] = acmeInvoiceText

	batch, err := p.ingest.UploadBatch(context.Background(), "mid-analysis", []ports.UploadFile{pdfFile("acme")})
	if err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}
	p.settle(t)
	if _, err := p.machine.Transition(context.Background(), batch.ID, domain.BatchExtractionCompleted, domain.BatchAnalysisInProgress, ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	if _, err := p.dispatcher.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	got, _ := p.store.GetBatch(context.Background(), batch.ID)
	if got.Status != domain.BatchAnalysisFailed {
		t.Fatalf("expected ANALYSIS_FAILED, got %s", got.Status)
	}
}

func TestRecoverRetriggersPendingAnalysis(t *testing.T) {
	trigger := &triggerRecorder{}
	p := newPipeline(t, pipelineOptions{trigger: trigger})
	p.ocr.texts[pdfKey("acme")] = acmeInvoiceText

	if _, err := p.ingest.UploadBatch(context.Background(), "waiting", []ports.UploadFile{pdfFile("acme")}); err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}
	p.settle(t)
	before := trigger.count()

	if _, err := p.dispatcher.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if trigger.count() != before+1 {
		t.Fatalf("expected recovery to trigger analysis again")
	}
}
