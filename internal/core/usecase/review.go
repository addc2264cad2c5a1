package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// InvoiceReviewUseCase applies operator decisions to extracted invoices.
type InvoiceReviewUseCase struct {
	store  ports.Store
	events ports.EventPublisher
	now    func() time.Time
}

func NewInvoiceReviewUseCase(store ports.Store, events ports.EventPublisher) *InvoiceReviewUseCase {
	return &InvoiceReviewUseCase{
		store:  store,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (uc *InvoiceReviewUseCase) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return uc.store.GetInvoice(ctx, id)
}

// TransitionInvoice moves an invoice along its review workflow. Moves the
// workflow does not allow fail with domain.ErrInvalidTransition.
func (uc *InvoiceReviewUseCase) TransitionInvoice(ctx context.Context, id string, to domain.InvoiceStatus, note string) (*domain.Invoice, error) {
	to = domain.InvoiceStatus(strings.ToUpper(strings.TrimSpace(string(to))))
	if !to.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "transition invoice", fmt.Errorf("unknown status %q", to))
	}

	var previous domain.InvoiceStatus
	inv, err := uc.store.UpdateInvoice(ctx, id, func(inv *domain.Invoice) error {
		previous = inv.Status
		return inv.TransitionTo(to, uc.now())
	})
	if err != nil {
		return nil, fmt.Errorf("transition invoice: %w", err)
	}

	batchID := ""
	if doc, err := uc.store.GetDocument(ctx, inv.DocumentID); err == nil {
		batchID = doc.BatchID
	} else {
		slog.Warn("invoice_document_lookup_failed", "invoice_id", inv.ID, "error", err)
	}
	slog.Info("invoice_reviewed", "invoice_id", inv.ID, "from", previous, "to", inv.Status)
	uc.events.Publish(domain.TopicInvoices, inv.ID, domain.Event{
		Kind:       domain.EventInvoiceReviewed,
		BatchID:    batchID,
		DocumentID: inv.DocumentID,
		InvoiceID:  inv.ID,
		Status:     string(inv.Status),
		Previous:   string(previous),
		Message:    strings.TrimSpace(note),
		OccurredAt: inv.UpdatedAt,
	})
	return inv, nil
}
