package domain

import "time"

type EventKind string

const (
	EventDocumentProcessed  EventKind = "document.processed"
	EventDocumentFailed     EventKind = "document.failed"
	EventDocumentRetrying   EventKind = "document.retrying"
	EventBatchStatusChanged EventKind = "batch.status_changed"
	EventAnalysisCompleted  EventKind = "analysis.completed"
	EventAnalysisFailed     EventKind = "analysis.failed"
	EventInvoiceReviewed    EventKind = "invoice.reviewed"
)

const (
	TopicDocuments = "documents"
	TopicBatches   = "batches"
	TopicInvoices  = "invoices"
)

// Event is the single payload shape written to the event log.
type Event struct {
	ID         string            `json:"event_id"`
	Kind       EventKind         `json:"event_type"`
	BatchID    string            `json:"batch_id"`
	DocumentID string            `json:"document_id,omitempty"`
	InvoiceID  string            `json:"invoice_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Previous   string            `json:"previous_status,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// StatusUpdate is the live snapshot pushed to subscribed clients.
type StatusUpdate struct {
	Type           string    `json:"type"`
	BatchID        string    `json:"batch_id,omitempty"`
	BatchStatus    string    `json:"batch_status,omitempty"`
	DocumentID     string    `json:"document_id,omitempty"`
	DocumentStatus string    `json:"document_status,omitempty"`
	ProcessedCount int       `json:"processed_count"`
	FailedCount    int       `json:"failed_count"`
	DocumentCount  int       `json:"document_count"`
	Message        string    `json:"message,omitempty"`
	At             time.Time `json:"at"`
}

const (
	UpdateBatch     = "batch"
	UpdateDocument  = "document"
	UpdateHeartbeat = "heartbeat"
)
