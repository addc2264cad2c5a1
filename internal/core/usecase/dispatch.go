package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

type DispatcherConfig struct {
	RecoveryBatchSize int
	RetryCeiling      int
	// RequeueDelay is used when the pool is full during recovery.
	RequeueDelay time.Duration
}

// Dispatcher feeds document ids from the work queue into the worker pool
// and restores unfinished work after a restart.
type Dispatcher struct {
	store     ports.Store
	pool      ports.TaskPool
	processor *ProcessDocumentUseCase
	analyzer  ports.AnalysisTrigger
	machine   *BatchStateMachine
	cfg       DispatcherConfig
}

func NewDispatcher(
	store ports.Store,
	pool ports.TaskPool,
	processor *ProcessDocumentUseCase,
	analyzer ports.AnalysisTrigger,
	machine *BatchStateMachine,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.RecoveryBatchSize <= 0 {
		cfg.RecoveryBatchSize = 500
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 3
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 2 * time.Second
	}
	return &Dispatcher{
		store:     store,
		pool:      pool,
		processor: processor,
		analyzer:  analyzer,
		machine:   machine,
		cfg:       cfg,
	}
}

// HandleDocument submits one queued document. A domain.ErrQueueFull result
// tells the queue to redeliver the message later.
func (d *Dispatcher) HandleDocument(_ context.Context, documentID string) error {
	return d.pool.Submit(func(taskCtx context.Context) {
		d.processor.Run(taskCtx, documentID)
	})
}

// Recover resubmits documents that were pending when the worker stopped and
// resumes batches whose analysis never started. Documents caught mid-attempt
// count as a failed attempt. Assumes a single worker process owns the store.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	interrupted, err := d.store.ListDocumentsByStatus(ctx, []domain.DocumentStatus{domain.DocumentProcessing}, d.cfg.RecoveryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list interrupted documents: %w", err)
	}
	for _, doc := range interrupted {
		if _, err := d.store.RecordFailure(ctx, doc.ID, "worker restarted during processing", d.cfg.RetryCeiling, false); err != nil {
			slog.Warn("recover_document_failed", "document_id", doc.ID, "error", err)
		}
	}

	pending, err := d.store.ListDocumentsByStatus(
		ctx,
		[]domain.DocumentStatus{domain.DocumentCreated, domain.DocumentRetryPending},
		d.cfg.RecoveryBatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("list pending documents: %w", err)
	}
	for _, doc := range pending {
		documentID := doc.ID
		task := func(taskCtx context.Context) { d.processor.Run(taskCtx, documentID) }
		if err := d.pool.Submit(task); err != nil {
			d.pool.SubmitAfter(d.cfg.RequeueDelay, task)
		}
	}

	// Interrupted documents may have been the last ones of their batch.
	seen := make(map[string]bool)
	for _, doc := range interrupted {
		if seen[doc.BatchID] {
			continue
		}
		seen[doc.BatchID] = true
		if _, _, err := d.machine.Recompute(ctx, doc.BatchID); err != nil {
			slog.Warn("recover_recompute_failed", "batch_id", doc.BatchID, "error", err)
		}
	}

	if err := d.recoverBatches(ctx); err != nil {
		return len(pending), err
	}
	slog.Info("recovery_finished", "resubmitted", len(pending), "interrupted", len(interrupted))
	return len(pending), nil
}

func (d *Dispatcher) recoverBatches(ctx context.Context) error {
	batches, err := d.store.ListBatchesByStatus(
		ctx,
		[]domain.BatchStatus{domain.BatchExtractionCompleted, domain.BatchAnalysisInProgress},
		d.cfg.RecoveryBatchSize,
	)
	if err != nil {
		return fmt.Errorf("list batches awaiting analysis: %w", err)
	}
	for _, b := range batches {
		switch b.Status {
		case domain.BatchExtractionCompleted:
			d.analyzer.Trigger(b.ID)
		case domain.BatchAnalysisInProgress:
			// Analysis is attempted once; an interrupted attempt is final.
			if _, err := d.machine.Transition(ctx, b.ID, domain.BatchAnalysisInProgress, domain.BatchAnalysisFailed, "analysis interrupted by worker restart"); err != nil {
				slog.Warn("recover_analysis_failed", "batch_id", b.ID, "error", err)
			}
		}
	}
	return nil
}
