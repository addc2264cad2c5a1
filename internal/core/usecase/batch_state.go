package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// BatchStateMachine owns every batch status change. Each change is computed
// and announced inside the repository's per-batch read-modify-write, so the
// event log sees one batch's transitions in the order they were applied.
// Publish and Notify never block.
type BatchStateMachine struct {
	repo     ports.BatchRepository
	events   ports.EventPublisher
	notifier ports.StatusNotifier
	trigger  ports.AnalysisTrigger
	observer PipelineObserver
	now      func() time.Time
}

func NewBatchStateMachine(
	repo ports.BatchRepository,
	events ports.EventPublisher,
	notifier ports.StatusNotifier,
	observer PipelineObserver,
) *BatchStateMachine {
	return &BatchStateMachine{
		repo:     repo,
		events:   events,
		notifier: notifier,
		observer: observerOrNop(observer),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetAnalysisTrigger wires the stage started on EXTRACTION_COMPLETED. The
// aggregator depends on the machine, so it is attached after construction.
func (m *BatchStateMachine) SetAnalysisTrigger(trigger ports.AnalysisTrigger) {
	m.trigger = trigger
}

// Recompute reconciles the batch with the current state of its documents.
// When several callers race, the repository serialises them and only the
// one whose recompute crossed into EXTRACTION_COMPLETED fires analysis.
func (m *BatchStateMachine) Recompute(ctx context.Context, batchID string) (*domain.Batch, []domain.BatchTransition, error) {
	var applied []domain.BatchTransition
	batch, err := m.repo.UpdateBatchAggregate(ctx, batchID, func(b *domain.Batch, docs []domain.Document) error {
		applied = domain.Reconcile(b, docs, m.now())
		m.announce(ctx, b, applied)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("recompute batch %s: %w", batchID, err)
	}

	for _, tr := range applied {
		if tr.To == domain.BatchExtractionCompleted && m.trigger != nil {
			m.trigger.Trigger(batchID)
		}
	}
	return batch, applied, nil
}

// Transition applies one explicit status change. A non-empty from makes it
// a compare-and-swap: the change only applies if the batch is still in from.
func (m *BatchStateMachine) Transition(
	ctx context.Context,
	batchID string,
	from, to domain.BatchStatus,
	reason string,
) (*domain.Batch, error) {
	batch, err := m.repo.UpdateBatchAggregate(ctx, batchID, func(b *domain.Batch, _ []domain.Document) error {
		if from != "" && b.Status != from {
			return domain.WrapError(
				domain.ErrInvalidTransition,
				"batch transition",
				fmt.Errorf("batch %s: expected %s, found %s", b.ID, from, b.Status),
			)
		}
		tr, err := b.TransitionTo(to, reason, m.now())
		if err != nil {
			return err
		}
		m.announce(ctx, b, []domain.BatchTransition{tr})
		return nil
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidTransition) {
			slog.Warn("invalid_transition", "batch_id", batchID, "to", to, "error", err)
		}
		return nil, err
	}
	return batch, nil
}

// NotifyDocument publishes a document-level change and its live snapshot.
func (m *BatchStateMachine) NotifyDocument(ctx context.Context, kind domain.EventKind, doc *domain.Document, message string) {
	if doc == nil {
		return
	}
	metadata := map[string]string{
		"retry_count": strconv.Itoa(doc.RetryCount),
		"file_name":   doc.FileName,
	}
	if doc.InvoiceID != "" {
		metadata["invoice_id"] = doc.InvoiceID
	}
	if kind != "" {
		m.events.Publish(domain.TopicDocuments, doc.ID, domain.Event{
			Kind:       kind,
			BatchID:    doc.BatchID,
			DocumentID: doc.ID,
			Status:     string(doc.Status),
			Message:    message,
			Metadata:   metadata,
			OccurredAt: m.now(),
		})
	}
	m.notifier.Notify(ctx, domain.StatusUpdate{
		Type:           domain.UpdateDocument,
		BatchID:        doc.BatchID,
		DocumentID:     doc.ID,
		DocumentStatus: string(doc.Status),
		Message:        message,
		At:             m.now(),
	})
}

func (m *BatchStateMachine) announce(ctx context.Context, batch *domain.Batch, applied []domain.BatchTransition) {
	for _, tr := range applied {
		slog.Info("batch_transition",
			"batch_id", tr.BatchID,
			"from", tr.From,
			"to", tr.To,
			"reason", tr.Reason,
			"processed_count", batch.ProcessedCount,
			"failed_count", batch.FailedCount,
		)
		m.observer.RecordBatchTransition(string(tr.To))
		m.events.Publish(domain.TopicBatches, tr.BatchID, domain.Event{
			Kind:     domain.EventBatchStatusChanged,
			BatchID:  tr.BatchID,
			Status:   string(tr.To),
			Previous: string(tr.From),
			Message:  tr.Reason,
			Metadata: map[string]string{
				"document_count":  strconv.Itoa(batch.DocumentCount),
				"processed_count": strconv.Itoa(batch.ProcessedCount),
				"failed_count":    strconv.Itoa(batch.FailedCount),
			},
			OccurredAt: tr.At,
		})
		m.notifier.Notify(ctx, domain.StatusUpdate{
			Type:           domain.UpdateBatch,
			BatchID:        tr.BatchID,
			BatchStatus:    string(tr.To),
			ProcessedCount: batch.ProcessedCount,
			FailedCount:    batch.FailedCount,
			DocumentCount:  batch.DocumentCount,
			Message:        tr.Reason,
			At:             tr.At,
		})
	}
}
