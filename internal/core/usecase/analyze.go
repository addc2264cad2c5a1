package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

const (
	digestExcerptChars = 600
	failureReasonChars = 500
)

type AnalysisConfig struct {
	MaxContentLength int
	// FinalizeBatch moves a successfully analysed batch to COMPLETED instead
	// of ANALYSIS_COMPLETED.
	FinalizeBatch bool
	Observer      PipelineObserver
}

// AnalysisAggregator summarises a batch once extraction has finished.
type AnalysisAggregator struct {
	store      ports.Store
	summarizer ports.Summarizer
	guard      ports.CallGuard
	machine    *BatchStateMachine
	events     ports.EventPublisher
	cfg        AnalysisConfig
	observer   PipelineObserver
	now        func() time.Time

	wg sync.WaitGroup
}

func NewAnalysisAggregator(
	store ports.Store,
	summarizer ports.Summarizer,
	guard ports.CallGuard,
	machine *BatchStateMachine,
	events ports.EventPublisher,
	cfg AnalysisConfig,
) *AnalysisAggregator {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 12000
	}
	return &AnalysisAggregator{
		store:      store,
		summarizer: summarizer,
		guard:      guard,
		machine:    machine,
		events:     events,
		cfg:        cfg,
		observer:   observerOrNop(cfg.Observer),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Trigger starts Analyze in the background. Duplicate triggers for a batch
// lose the claim in Analyze and return without side effects.
func (a *AnalysisAggregator) Trigger(batchID string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := a.Analyze(context.Background(), batchID); err != nil {
			if domain.IsKind(err, domain.ErrInvalidTransition) {
				slog.Debug("analysis_not_claimed", "batch_id", batchID, "error", err)
				return
			}
			slog.Error("analysis_failed", "batch_id", batchID, "error", err)
		}
	}()
}

// Wait blocks until every triggered analysis has finished.
func (a *AnalysisAggregator) Wait() {
	a.wg.Wait()
}

// Analyze claims the batch (EXTRACTION_COMPLETED -> ANALYSIS_IN_PROGRESS),
// summarises its invoices and records the outcome. It is attempted once per
// batch: a summarizer that stays down after the retry budget leaves the batch
// in ANALYSIS_FAILED.
func (a *AnalysisAggregator) Analyze(ctx context.Context, batchID string) (*domain.Analysis, error) {
	batch, err := a.machine.Transition(ctx, batchID, domain.BatchExtractionCompleted, domain.BatchAnalysisInProgress, "")
	if err != nil {
		return nil, fmt.Errorf("claim batch for analysis: %w", err)
	}
	start := time.Now()

	docs, err := a.store.ListDocuments(ctx, batchID)
	if err != nil {
		return nil, a.failBatch(ctx, batchID, start, fmt.Errorf("list documents: %w", err))
	}
	invoices, err := a.store.ListInvoicesByBatch(ctx, batchID)
	if err != nil {
		return nil, a.failBatch(ctx, batchID, start, fmt.Errorf("list invoices: %w", err))
	}
	digest := BuildBatchDigest(batch, docs, invoices, a.cfg.MaxContentLength)

	var summary domain.Summary
	err = a.guard.Execute(ctx, "summarize_batch", func(callCtx context.Context) error {
		out, err := a.summarizer.Summarize(callCtx, digest, a.cfg.MaxContentLength)
		if err != nil {
			return err
		}
		if strings.TrimSpace(out.Summary) == "" {
			return domain.WrapError(domain.ErrProvider, "summarize batch", errors.New("empty summary"))
		}
		summary = out
		return nil
	})
	if err != nil {
		return nil, a.failBatch(ctx, batchID, start, domain.WrapError(domain.ErrProvider, "summarize batch", err))
	}

	analysis := &domain.Analysis{
		ID:              uuid.NewString(),
		BatchID:         batchID,
		Summary:         strings.TrimSpace(summary.Summary),
		Recommendations: summary.Recommendations,
		Metadata:        digestMetadata(digest),
		CreatedAt:       a.now(),
	}
	if analysis.Recommendations == nil {
		analysis.Recommendations = []string{}
	}
	if err := a.store.CreateAnalysis(ctx, analysis); err != nil {
		return nil, a.failBatch(ctx, batchID, start, fmt.Errorf("persist analysis: %w", err))
	}

	target := domain.BatchAnalysisCompleted
	if a.cfg.FinalizeBatch {
		target = domain.BatchCompleted
	}
	if _, err := a.machine.Transition(ctx, batchID, domain.BatchAnalysisInProgress, target, ""); err != nil {
		return analysis, fmt.Errorf("finish analysis: %w", err)
	}

	a.events.Publish(domain.TopicBatches, batchID, domain.Event{
		Kind:     domain.EventAnalysisCompleted,
		BatchID:  batchID,
		Status:   string(target),
		Metadata: map[string]string{"analysis_id": analysis.ID, "recommendations": strconv.Itoa(len(analysis.Recommendations))},
	})
	a.observer.RecordAnalysis("completed", time.Since(start))
	slog.Info("analysis_completed", "batch_id", batchID, "analysis_id", analysis.ID, "truncated", digest.Truncated)
	return analysis, nil
}

func (a *AnalysisAggregator) failBatch(ctx context.Context, batchID string, start time.Time, cause error) error {
	reason := truncateRunes(cause.Error(), failureReasonChars)
	if _, err := a.machine.Transition(ctx, batchID, domain.BatchAnalysisInProgress, domain.BatchAnalysisFailed, reason); err != nil {
		slog.Error("analysis_fail_transition", "batch_id", batchID, "error", err)
	}
	a.events.Publish(domain.TopicBatches, batchID, domain.Event{
		Kind:    domain.EventAnalysisFailed,
		BatchID: batchID,
		Status:  string(domain.BatchAnalysisFailed),
		Message: reason,
	})
	a.observer.RecordAnalysis("failed", time.Since(start))
	return cause
}

// BuildBatchDigest assembles the summarizer input for a batch. When the
// encoded digest exceeds maxContentLength, text excerpts are dropped first
// and then whole invoices, oldest first. Totals always cover every invoice.
func BuildBatchDigest(batch *domain.Batch, docs []domain.Document, invoices []domain.Invoice, maxContentLength int) domain.BatchDigest {
	byDocument := make(map[string]domain.Invoice, len(invoices))
	for _, inv := range invoices {
		byDocument[inv.DocumentID] = inv
	}

	digest := domain.BatchDigest{
		BatchID:        batch.ID,
		BatchName:      batch.Name,
		DocumentCount:  batch.DocumentCount,
		ProcessedCount: batch.ProcessedCount,
		FailedCount:    batch.FailedCount,
		TotalAmount:    decimal.Zero,
	}
	for _, doc := range docs {
		inv, ok := byDocument[doc.ID]
		if !ok {
			continue
		}
		item := domain.InvoiceDigest{
			DocumentID:    doc.ID,
			FileName:      doc.FileName,
			VendorName:    inv.VendorName,
			InvoiceNumber: inv.InvoiceNumber,
			Currency:      inv.Currency,
			Amount:        inv.Amount,
			LineItems:     len(inv.LineItems),
		}
		if inv.InvoiceDate != nil {
			item.InvoiceDate = inv.InvoiceDate.Format("2006-01-02")
		}
		if inv.DueDate != nil {
			item.DueDate = inv.DueDate.Format("2006-01-02")
		}
		if doc.ExtractedText != nil {
			item.Excerpt = truncateRunes(strings.TrimSpace(*doc.ExtractedText), digestExcerptChars)
		}
		digest.TotalAmount = digest.TotalAmount.Add(inv.Amount)
		digest.Invoices = append(digest.Invoices, item)
	}

	if maxContentLength <= 0 {
		return digest
	}
	for i := 0; i < len(digest.Invoices) && digestSize(digest) > maxContentLength; i++ {
		if digest.Invoices[i].Excerpt != "" {
			digest.Invoices[i].Excerpt = ""
			digest.Truncated = true
		}
	}
	for len(digest.Invoices) > 1 && digestSize(digest) > maxContentLength {
		digest.Invoices = digest.Invoices[1:]
		digest.Truncated = true
	}
	return digest
}

func digestSize(d domain.BatchDigest) int {
	raw, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(raw)
}

func digestMetadata(d domain.BatchDigest) map[string]string {
	return map[string]string{
		"document_count":  strconv.Itoa(d.DocumentCount),
		"processed_count": strconv.Itoa(d.ProcessedCount),
		"failed_count":    strconv.Itoa(d.FailedCount),
		"invoice_count":   strconv.Itoa(len(d.Invoices)),
		"total_amount":    d.TotalAmount.StringFixed(2),
		"truncated":       strconv.FormatBool(d.Truncated),
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
