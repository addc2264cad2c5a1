package ports

import (
	"context"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// BatchRepository persists batches together with their documents.
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch *domain.Batch, docs []domain.Document) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListBatchesByStatus(ctx context.Context, statuses []domain.BatchStatus, limit int) ([]domain.Batch, error)
	// UpdateBatchAggregate loads the batch and a snapshot of its documents
	// under mutual exclusion per batch, runs mutate, and persists the batch
	// row if mutate succeeds. Returns the batch as persisted.
	UpdateBatchAggregate(
		ctx context.Context,
		batchID string,
		mutate func(batch *domain.Batch, docs []domain.Document) error,
	) (*domain.Batch, error)
}

// DocumentRepository persists per-document processing state.
type DocumentRepository interface {
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	ListDocuments(ctx context.Context, batchID string) ([]domain.Document, error)
	ListDocumentsByStatus(ctx context.Context, statuses []domain.DocumentStatus, limit int) ([]domain.Document, error)
	// ClaimDocument moves a CREATED or RETRY_PENDING document to PROCESSING.
	// Any other state yields domain.ErrInvalidTransition.
	ClaimDocument(ctx context.Context, id string) (*domain.Document, error)
	// RecordFailure increments retry_count and sets RETRY_PENDING while the
	// count stays below ceiling, FAILED otherwise or when final is set.
	RecordFailure(ctx context.Context, id, errMessage string, ceiling int, final bool) (*domain.Document, error)
	// CompleteDocument stores the extracted text, inserts the invoice and
	// marks the document PROCESSED in one unit of work.
	CompleteDocument(ctx context.Context, id, text string, invoice *domain.Invoice) (*domain.Document, error)
	CancelDocument(ctx context.Context, id, reason string) (*domain.Document, error)
}

// InvoiceRepository reads invoices created by extraction and records review
// decisions on them.
type InvoiceRepository interface {
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	GetInvoiceByDocument(ctx context.Context, documentID string) (*domain.Invoice, error)
	ListInvoicesByBatch(ctx context.Context, batchID string) ([]domain.Invoice, error)
	// UpdateInvoice runs mutate on the locked invoice and persists its
	// status and updated_at when mutate succeeds.
	UpdateInvoice(ctx context.Context, id string, mutate func(inv *domain.Invoice) error) (*domain.Invoice, error)
}

// VendorRepository stores canonical vendors keyed by normalized name.
type VendorRepository interface {
	FindVendorByKey(ctx context.Context, normalizedName string) (*domain.Vendor, error)
	// CreateVendor fails with domain.ErrConflict when the key already exists.
	CreateVendor(ctx context.Context, vendor *domain.Vendor) error
	IncrementVendorInvoices(ctx context.Context, id string) (*domain.Vendor, error)
}

// AnalysisRepository stores the single analysis of a batch.
type AnalysisRepository interface {
	// CreateAnalysis fails with domain.ErrConflict when the batch already has one.
	CreateAnalysis(ctx context.Context, analysis *domain.Analysis) error
	GetAnalysisByBatch(ctx context.Context, batchID string) (*domain.Analysis, error)
}

// Store bundles every repository the pipeline needs.
type Store interface {
	BatchRepository
	DocumentRepository
	InvoiceRepository
	VendorRepository
	AnalysisRepository
}
