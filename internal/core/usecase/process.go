package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// RetryPolicy sizes per-document retries. Delay(n) is the wait before
// retry n (0-based); resilience.Policy satisfies it.
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

type ProcessConfig struct {
	RetryCeiling int
	Retry        RetryPolicy
	Observer     PipelineObserver
}

type ProcessDocumentUseCase struct {
	docs     ports.DocumentRepository
	batches  ports.BatchRepository
	storage  ports.ObjectStorage
	ocr      ports.OCRProvider
	guard    ports.CallGuard
	resolver *VendorResolver
	machine  *BatchStateMachine
	pool     ports.TaskPool

	ceiling  int
	retry    RetryPolicy
	observer PipelineObserver
	now      func() time.Time
}

func NewProcessDocumentUseCase(
	store ports.Store,
	storage ports.ObjectStorage,
	ocr ports.OCRProvider,
	guard ports.CallGuard,
	resolver *VendorResolver,
	machine *BatchStateMachine,
	pool ports.TaskPool,
	cfg ProcessConfig,
) *ProcessDocumentUseCase {
	ceiling := cfg.RetryCeiling
	if ceiling <= 0 {
		ceiling = 3
	}
	return &ProcessDocumentUseCase{
		docs:     store,
		batches:  store,
		storage:  storage,
		ocr:      ocr,
		guard:    guard,
		resolver: resolver,
		machine:  machine,
		pool:     pool,
		ceiling:  ceiling,
		retry:    cfg.Retry,
		observer: observerOrNop(cfg.Observer),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run is the pool task for one document attempt.
func (uc *ProcessDocumentUseCase) Run(ctx context.Context, documentID string) {
	start := time.Now()
	uc.observer.StartDocument()

	data, err := uc.ProcessByID(ctx, documentID)
	outcome := "processed"
	var perr *domain.ProcessingError
	switch {
	case errors.As(err, &perr) && perr.Retry:
		outcome = "retrying"
	case err != nil:
		outcome = "failed"
	case data == nil:
		outcome = "skipped"
	}
	uc.observer.FinishDocument(outcome, time.Since(start))

	if err != nil {
		slog.Warn("document_attempt_failed", "document_id", documentID, "outcome", outcome, "error", err)
		return
	}
	slog.Debug("document_attempt_finished", "document_id", documentID, "outcome", outcome)
}

// ProcessByID runs one attempt on a CREATED or RETRY_PENDING document.
// Documents in any other state are skipped and (nil, nil) is returned, so
// redelivered queue messages are harmless. A failed attempt returns a
// *domain.ProcessingError describing the retry decision.
func (uc *ProcessDocumentUseCase) ProcessByID(ctx context.Context, documentID string) (*domain.ExtractedData, error) {
	doc, err := uc.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	if !doc.Status.Claimable() {
		slog.Debug("document_skipped", "document_id", doc.ID, "status", doc.Status)
		return nil, nil
	}

	cancelled, err := uc.batchClosed(ctx, doc.BatchID)
	if err != nil {
		return nil, err
	}
	if cancelled {
		uc.cancel(ctx, doc)
		return nil, nil
	}

	claimed, err := uc.docs.ClaimDocument(ctx, doc.ID)
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidTransition) {
			slog.Debug("document_already_claimed", "document_id", doc.ID)
			return nil, nil
		}
		return nil, fmt.Errorf("claim document: %w", err)
	}
	uc.observer.ObserveQueueLag(uc.now().Sub(claimed.CreatedAt))
	uc.machine.NotifyDocument(ctx, "", claimed, "")
	if _, _, err := uc.machine.Recompute(ctx, claimed.BatchID); err != nil {
		slog.Error("batch_recompute_failed", "batch_id", claimed.BatchID, "error", err)
	}

	extracted, err := uc.extract(ctx, claimed)
	if err != nil {
		return nil, uc.fail(ctx, claimed, err)
	}

	slog.Info("document_processed",
		"document_id", extracted.DocumentID,
		"batch_id", claimed.BatchID,
		"invoice_number", extracted.Invoice.InvoiceNumber,
		"missing_fields", strings.Join(extracted.Missing, ","),
	)
	return extracted, nil
}

func (uc *ProcessDocumentUseCase) extract(ctx context.Context, doc *domain.Document) (*domain.ExtractedData, error) {
	data, err := uc.storage.Retrieve(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("retrieve document bytes: %w", err)
	}

	var text string
	err = uc.guard.Execute(ctx, "ocr_extract", func(callCtx context.Context) error {
		out, err := uc.ocr.ExtractText(callCtx, data, doc.ContentType)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		if !domain.IsKind(err, domain.ErrInvalidInput) {
			err = domain.WrapError(domain.ErrProvider, "extract text", err)
		}
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.WrapError(domain.ErrProvider, "extract text", errors.New("empty extracted text"))
	}

	fields := ExtractInvoiceFields(text)
	invoice := fields.Invoice(doc.ID, uc.now())

	var vendor *domain.Vendor
	if fields.VendorName != "" {
		vendor, err = uc.resolver.Resolve(ctx, fields.VendorName)
		if err != nil {
			return nil, fmt.Errorf("resolve vendor: %w", err)
		}
		invoice.VendorID = vendor.ID
		invoice.VendorName = vendor.Name
	}
	if err := invoice.Validate(); err != nil {
		return nil, err
	}

	completed, err := uc.docs.CompleteDocument(ctx, doc.ID, text, invoice)
	if err != nil {
		return nil, fmt.Errorf("complete document: %w", err)
	}

	uc.machine.NotifyDocument(ctx, domain.EventDocumentProcessed, completed, "")
	if _, _, err := uc.machine.Recompute(ctx, completed.BatchID); err != nil {
		slog.Error("batch_recompute_failed", "batch_id", completed.BatchID, "error", err)
	}

	return &domain.ExtractedData{
		DocumentID: doc.ID,
		Text:       text,
		Invoice:    invoice,
		Vendor:     vendor,
		Missing:    fields.Missing,
	}, nil
}

// fail records a failed attempt and decides between retry and FAILED.
// Invalid input is never retried; a batch that closed meanwhile cancels
// the document instead of scheduling another attempt.
func (uc *ProcessDocumentUseCase) fail(ctx context.Context, doc *domain.Document, cause error) error {
	final := domain.IsKind(cause, domain.ErrInvalidInput)

	if closed, err := uc.batchClosed(ctx, doc.BatchID); err == nil && closed {
		uc.cancel(ctx, doc)
		return &domain.ProcessingError{DocumentID: doc.ID, Attempt: doc.RetryCount + 1, Err: cause}
	}

	updated, err := uc.docs.RecordFailure(ctx, doc.ID, cause.Error(), uc.ceiling, final)
	if err != nil {
		return fmt.Errorf("%w; record failure: %v", cause, err)
	}

	perr := &domain.ProcessingError{DocumentID: doc.ID, Attempt: updated.RetryCount, Err: cause}
	if updated.Status == domain.DocumentRetryPending {
		perr.Retry = true
		perr.RetryAfter = uc.retryDelay(updated.RetryCount - 1)
		uc.observer.RecordRetry()
		uc.machine.NotifyDocument(ctx, domain.EventDocumentRetrying, updated, cause.Error())

		documentID := doc.ID
		uc.pool.SubmitAfter(perr.RetryAfter, func(taskCtx context.Context) {
			uc.Run(taskCtx, documentID)
		})
		return perr
	}

	slog.Error("document_failed",
		"document_id", doc.ID,
		"batch_id", doc.BatchID,
		"retry_count", updated.RetryCount,
		"error", cause,
	)
	uc.machine.NotifyDocument(ctx, domain.EventDocumentFailed, updated, cause.Error())
	if _, _, err := uc.machine.Recompute(ctx, doc.BatchID); err != nil {
		slog.Error("batch_recompute_failed", "batch_id", doc.BatchID, "error", err)
	}
	return perr
}

func (uc *ProcessDocumentUseCase) cancel(ctx context.Context, doc *domain.Document) {
	cancelled, err := uc.docs.CancelDocument(ctx, doc.ID, "batch closed")
	if err != nil {
		if !domain.IsKind(err, domain.ErrInvalidTransition) {
			slog.Error("document_cancel_failed", "document_id", doc.ID, "error", err)
		}
		return
	}
	slog.Info("document_cancelled", "document_id", doc.ID, "batch_id", doc.BatchID)
	uc.machine.NotifyDocument(ctx, "", cancelled, "batch closed")
}

func (uc *ProcessDocumentUseCase) batchClosed(ctx context.Context, batchID string) (bool, error) {
	batch, err := uc.batches.GetBatch(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("fetch batch: %w", err)
	}
	return batch.Status.IsTerminal(), nil
}

func (uc *ProcessDocumentUseCase) retryDelay(attempt int) time.Duration {
	if uc.retry == nil {
		return 0
	}
	return uc.retry.Delay(attempt)
}
