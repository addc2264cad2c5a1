package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// BatchQueryUseCase serves reads and operator cancellation.
type BatchQueryUseCase struct {
	store   ports.Store
	machine *BatchStateMachine
}

func NewBatchQueryUseCase(store ports.Store, machine *BatchStateMachine) *BatchQueryUseCase {
	return &BatchQueryUseCase{store: store, machine: machine}
}

func (uc *BatchQueryUseCase) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	return uc.store.GetBatch(ctx, id)
}

func (uc *BatchQueryUseCase) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	return uc.store.GetDocument(ctx, id)
}

func (uc *BatchQueryUseCase) GetAnalysisByBatch(ctx context.Context, batchID string) (*domain.Analysis, error) {
	if _, err := uc.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return uc.store.GetAnalysisByBatch(ctx, batchID)
}

func (uc *BatchQueryUseCase) ListInvoicesByBatch(ctx context.Context, batchID string) ([]domain.Invoice, error) {
	if _, err := uc.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	invoices, err := uc.store.ListInvoicesByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if invoices == nil {
		invoices = []domain.Invoice{}
	}
	return invoices, nil
}

// CancelBatch moves a non-terminal batch to CANCELLED and cancels documents
// that have not started. Documents already being processed finish their
// current attempt; workers see the closed batch before any retry.
func (uc *BatchQueryUseCase) CancelBatch(ctx context.Context, batchID, reason string) (*domain.Batch, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by operator"
	}
	batch, err := uc.machine.Transition(ctx, batchID, "", domain.BatchCancelled, reason)
	if err != nil {
		return nil, fmt.Errorf("cancel batch: %w", err)
	}

	docs, err := uc.store.ListDocuments(ctx, batchID)
	if err != nil {
		return batch, fmt.Errorf("list documents: %w", err)
	}
	for _, doc := range docs {
		if !doc.Status.Claimable() {
			continue
		}
		cancelled, err := uc.store.CancelDocument(ctx, doc.ID, reason)
		if err != nil {
			if !domain.IsKind(err, domain.ErrInvalidTransition) {
				slog.Warn("document_cancel_failed", "document_id", doc.ID, "error", err)
			}
			continue
		}
		uc.machine.NotifyDocument(ctx, "", cancelled, reason)
	}
	return batch, nil
}
