package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

const acmeInvoiceText = "Acme Co\n123 Market Street\nInvoice Number: INV-100\nTotal: 250.00\n"

func TestPipelineEndToEndSinglePDF(t *testing.T) {
	p := newPipeline(t, pipelineOptions{finalizeBatch: true})
	p.ocr.texts[pdfKey("acme")] = acmeInvoiceText

	batch, err := p.ingest.UploadBatch(context.Background(), "march", []ports.UploadFile{pdfFile("acme")})
	if err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}
	p.settle(t)

	got, err := p.store.GetBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if got.Status != domain.BatchCompleted {
		t.Fatalf("expected COMPLETED, got %s (reason %q)", got.Status, got.FailureReason)
	}
	if got.ProcessedCount != 1 || got.FailedCount != 0 {
		t.Fatalf("unexpected counts processed=%d failed=%d", got.ProcessedCount, got.FailedCount)
	}

	invoices, _ := p.store.ListInvoicesByBatch(context.Background(), batch.ID)
	if len(invoices) != 1 {
		t.Fatalf("expected one invoice, got %d", len(invoices))
	}
	if invoices[0].InvoiceNumber != "INV-100" || !invoices[0].Amount.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("unexpected invoice %+v", invoices[0])
	}

	vendors := p.store.Vendors()
	if len(vendors) != 1 || vendors[0].Name != "Acme Co" || vendors[0].InvoiceCount != 1 {
		t.Fatalf("unexpected vendors %+v", vendors)
	}
	if invoices[0].VendorID != vendors[0].ID {
		t.Fatalf("invoice not linked to vendor")
	}

	analysis, err := p.store.GetAnalysisByBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("GetAnalysisByBatch() error = %v", err)
	}
	if analysis.Summary == "" {
		t.Fatalf("expected non-empty summary")
	}

	if n := p.events.count(domain.EventDocumentProcessed, ""); n != 1 {
		t.Fatalf("expected 1 document-processed event, got %d", n)
	}
	if n := p.events.count(domain.EventBatchStatusChanged, string(domain.BatchCompleted)); n != 1 {
		t.Fatalf("expected 1 batch COMPLETED event, got %d", n)
	}
	if p.summarizer.calls.Load() != 1 {
		t.Fatalf("expected one summarize call, got %d", p.summarizer.calls.Load())
	}
	if p.notes.len() == 0 {
		t.Fatalf("expected live updates")
	}
}

func TestPipelineAnalysisCompletedWithoutFinalize(t *testing.T) {
	p := newPipeline(t, pipelineOptions{finalizeBatch: false})
	p.ocr.texts[pdfKey("acme")] = acmeInvoiceText

	batch, err := p.ingest.UploadBatch(context.Background(), "", []ports.UploadFile{pdfFile("acme")})
	if err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}
	p.settle(t)

	got, _ := p.store.GetBatch(context.Background(), batch.ID)
	if got.Status != domain.BatchAnalysisCompleted {
		t.Fatalf("expected ANALYSIS_COMPLETED, got %s", got.Status)
	}
	if got.Name == "" {
		t.Fatalf("expected generated batch name")
	}
}

func TestPipelinePartialFailureReachesOCRCompleted(t *testing.T) {
	trigger := &triggerRecorder{}
	p := newPipeline(t, pipelineOptions{trigger: trigger})
	p.ocr.texts[pdfKey("one")] = acmeInvoiceText
	p.ocr.texts[pdfKey("two")] = "Globex\nInvoice #: G-7\nAmount Due: 99.50\n"
	p.ocr.failures[pdfKey("bad")] = errors.New("ocr backend unavailable")

	batch, err := p.ingest.UploadBatch(context.Background(), "mixed", []ports.UploadFile{
		pdfFile("one"), pdfFile("two"), pdfFile("bad"),
	})
	if err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}
	p.settle(t)

	got, _ := p.store.GetBatch(context.Background(), batch.ID)
	if got.ProcessedCount != 2 || got.FailedCount != 1 {
		t.Fatalf("unexpected counts processed=%d failed=%d", got.ProcessedCount, got.FailedCount)
	}
	if p.events.count(domain.EventBatchStatusChanged, string(domain.BatchOCRCompleted)) != 1 {
		t.Fatalf("expected the batch to pass OCR_COMPLETED once")
	}
	if p.events.count(domain.EventBatchStatusChanged, string(domain.BatchFailed)) != 0 {
		t.Fatalf("partial failure must not fail the batch")
	}
	if got.Status != domain.BatchExtractionCompleted {
		t.Fatalf("expected EXTRACTION_COMPLETED with analysis held back, got %s", got.Status)
	}
	if trigger.count() != 1 {
		t.Fatalf("expected one analysis trigger, got %d", trigger.count())
	}

	var failed *domain.Document
	for i := range got.Documents {
		if got.Documents[i].Status == domain.DocumentFailed {
			failed = &got.Documents[i]
		}
	}
	if failed == nil {
		t.Fatalf("expected a FAILED document")
	}
	if failed.RetryCount != 3 || failed.ErrorMessage == "" {
		t.Fatalf("unexpected failed document %+v", failed)
	}
	if calls := p.ocr.callsFor(pdfKey("bad")); calls != 3 {
		t.Fatalf("expected 3 OCR attempts, got %d", calls)
	}
	if n := p.events.count(domain.EventDocumentRetrying, ""); n != 2 {
		t.Fatalf("expected 2 retry events, got %d", n)
	}

	// A redelivered message for the exhausted document must not run again.
	if err := p.dispatcher.HandleDocument(context.Background(), failed.ID); err != nil {
		t.Fatalf("HandleDocument() error = %v", err)
	}
	p.settle(t)
	if calls := p.ocr.callsFor(pdfKey("bad")); calls != 3 {
		t.Fatalf("failed document was re-processed, OCR calls = %d", calls)
	}
}

func TestPipelineAllDocumentsFailedFailsBatch(t *testing.T) {
	p := newPipeline(t, pipelineOptions{})
	p.ocr.failures[pdfKey("a")] = errors.New("unreadable")
	p.ocr.failures[pdfKey("b")] = errors.New("unreadable")

	batch, err := p.ingest.UploadBatch(context.Background(), "bad", []ports.UploadFile{pdfFile("a"), pdfFile("b")})
	if err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}
	p.settle(t)

	got, _ := p.store.GetBatch(context.Background(), batch.ID)
	if got.Status != domain.BatchFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.FailedCount != 2 {
		t.Fatalf("expected failed count 2, got %d", got.FailedCount)
	}
	if p.summarizer.calls.Load() != 0 {
		t.Fatalf("analysis must not run for a failed batch")
	}
	for _, doc := range got.Documents {
		if !doc.Status.IsTerminal() {
			t.Fatalf("terminal batch with non-terminal document %+v", doc)
		}
	}
}

func TestPipelineSummarizerFailureEndsInAnalysisFailed(t *testing.T) {
	p := newPipeline(t, pipelineOptions{finalizeBatch: true})
	p.ocr.texts[pdfKey("acme")] = acmeInvoiceText
	p.summarizer.err = errors.New("llm timeout")

	batch, err := p.ingest.UploadBatch(context.Background(), "march", []ports.UploadFile{pdfFile("acme")})
	if err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}
	p.settle(t)

	got, _ := p.store.GetBatch(context.Background(), batch.ID)
	if got.Status != domain.BatchAnalysisFailed {
		t.Fatalf("expected ANALYSIS_FAILED, got %s", got.Status)
	}
	if got.FailureReason == "" {
		t.Fatalf("expected recorded failure reason")
	}
	if calls := p.summarizer.calls.Load(); calls != 3 {
		t.Fatalf("expected 3 summarize attempts, got %d", calls)
	}
	if _, err := p.store.GetAnalysisByBatch(context.Background(), batch.ID); !errors.Is(err, domain.ErrAnalysisNotFound) {
		t.Fatalf("expected no analysis, got %v", err)
	}
	if p.events.count(domain.EventAnalysisFailed, "") != 1 {
		t.Fatalf("expected one analysis.failed event")
	}
}

func TestLastTwoCompletionsRaceToOneAnalysis(t *testing.T) {
	const n = 5
	for round := 0; round < 20; round++ {
		p := newPipeline(t, pipelineOptions{finalizeBatch: true})
		p.queue.dispatcher = nil
		files := make([]ports.UploadFile, n)
		for i := range files {
			payload := fmt.Sprintf("doc-%d", i)
			p.ocr.texts[pdfKey(payload)] = fmt.Sprintf("Acme Co\nInvoice Number: INV-%d\nTotal: 10.00\n", i)
			files[i] = pdfFile(payload)
		}

		batch, err := p.ingest.UploadBatch(context.Background(), "race", files)
		if err != nil {
			t.Fatalf("UploadBatch() error = %v", err)
		}
		ids := p.queue.enqueued
		if len(ids) != n {
			t.Fatalf("expected %d enqueued documents, got %d", n, len(ids))
		}
		for _, id := range ids[:n-2] {
			if _, err := p.processor.ProcessByID(context.Background(), id); err != nil {
				t.Fatalf("ProcessByID() error = %v", err)
			}
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, id := range ids[n-2:] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				if _, err := p.processor.ProcessByID(context.Background(), id); err != nil {
					t.Errorf("ProcessByID(%s) error = %v", id, err)
				}
			}(id)
		}
		close(start)
		wg.Wait()
		p.settle(t)

		if c := p.events.count(domain.EventBatchStatusChanged, string(domain.BatchOCRCompleted)); c != 1 {
			t.Fatalf("round %d: expected one OCR_COMPLETED event, got %d", round, c)
		}
		if c := p.summarizer.calls.Load(); c != 1 {
			t.Fatalf("round %d: expected one summarize call, got %d", round, c)
		}
		got, _ := p.store.GetBatch(context.Background(), batch.ID)
		if got.Status != domain.BatchCompleted || got.ProcessedCount != n {
			t.Fatalf("round %d: unexpected batch %s processed=%d", round, got.Status, got.ProcessedCount)
		}
	}
}

func TestCancelledBatchSkipsPendingDocuments(t *testing.T) {
	p := newPipeline(t, pipelineOptions{})
	p.ocr.texts[pdfKey("acme")] = acmeInvoiceText
	p.queue.dispatcher = nil

	batch, err := p.ingest.UploadBatch(context.Background(), "later", []ports.UploadFile{pdfFile("acme")})
	if err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}
	if _, err := p.queries.CancelBatch(context.Background(), batch.ID, ""); err != nil {
		t.Fatalf("CancelBatch() error = %v", err)
	}

	for _, id := range p.queue.enqueued {
		if _, err := p.processor.ProcessByID(context.Background(), id); err != nil {
			t.Fatalf("ProcessByID() error = %v", err)
		}
	}

	got, _ := p.store.GetBatch(context.Background(), batch.ID)
	if got.Status != domain.BatchCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.Documents[0].Status != domain.DocumentCancelled {
		t.Fatalf("expected document CANCELLED, got %s", got.Documents[0].Status)
	}
	if p.ocr.callsFor(pdfKey("acme")) != 0 {
		t.Fatalf("cancelled document must not reach OCR")
	}
	if _, err := p.queries.CancelBatch(context.Background(), batch.ID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected second cancel to be rejected, got %v", err)
	}
}

func TestRecoverResubmitsPendingDocuments(t *testing.T) {
	p := newPipeline(t, pipelineOptions{finalizeBatch: true})
	p.ocr.texts[pdfKey("acme")] = acmeInvoiceText
	p.queue.dispatcher = nil

	batch, err := p.ingest.UploadBatch(context.Background(), "restart", []ports.UploadFile{pdfFile("acme")})
	if err != nil {
		t.Fatalf("UploadBatch() error = %v", err)
	}

	n, err := p.dispatcher.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 resubmitted document, got %d", n)
	}
	p.settle(t)

	got, _ := p.store.GetBatch(context.Background(), batch.ID)
	if got.Status != domain.BatchCompleted {
		t.Fatalf("expected COMPLETED after recovery, got %s", got.Status)
	}
}
