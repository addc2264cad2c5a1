package ports

import (
	"context"
	"io"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// UploadFile is one file of a batch upload.
type UploadFile struct {
	FileName    string
	ContentType string
	Data        []byte
}

// BatchIngestor is the inbound contract for batch upload orchestration.
type BatchIngestor interface {
	UploadBatch(ctx context.Context, name string, files []UploadFile) (*domain.Batch, error)
}

// BatchReader is the inbound read model for batch state.
type BatchReader interface {
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	GetAnalysisByBatch(ctx context.Context, batchID string) (*domain.Analysis, error)
	ListInvoicesByBatch(ctx context.Context, batchID string) ([]domain.Invoice, error)
}

// BatchCanceller marks a batch CANCELLED.
type BatchCanceller interface {
	CancelBatch(ctx context.Context, batchID, reason string) (*domain.Batch, error)
}

// DocumentProcessor is the inbound contract for asynchronous document processing.
type DocumentProcessor interface {
	ProcessByID(ctx context.Context, documentID string) (*domain.ExtractedData, error)
}

// InvoiceReviewer records operator decisions on extracted invoices.
type InvoiceReviewer interface {
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	TransitionInvoice(ctx context.Context, id string, to domain.InvoiceStatus, note string) (*domain.Invoice, error)
}

// BatchExporter renders a batch report for download.
type BatchExporter interface {
	ExportBatch(ctx context.Context, batchID string, w io.Writer) error
}

// UserDirectory resolves API keys to callers.
type UserDirectory interface {
	Authenticate(ctx context.Context, apiKey string) (*domain.User, error)
	// Enabled is false when no keys are configured and requests are not
	// authenticated.
	Enabled() bool
}

// LiveFeed streams status updates for a batch id, or for every batch when
// topic is "*". cancel releases the subscription and closes the channel.
type LiveFeed interface {
	Watch(topic string) (updates <-chan domain.StatusUpdate, cancel func())
}
