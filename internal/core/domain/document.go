package domain

import "time"

type DocumentStatus string

const (
	DocumentCreated      DocumentStatus = "CREATED"
	DocumentProcessing   DocumentStatus = "PROCESSING"
	DocumentRetryPending DocumentStatus = "RETRY_PENDING"
	DocumentProcessed    DocumentStatus = "PROCESSED"
	DocumentFailed       DocumentStatus = "FAILED"
	DocumentCancelled    DocumentStatus = "CANCELLED"
)

var documentTerminal = map[DocumentStatus]bool{
	DocumentProcessed: true,
	DocumentFailed:    true,
	DocumentCancelled: true,
}

func (s DocumentStatus) IsTerminal() bool {
	return documentTerminal[s]
}

// Claimable reports whether a worker may start an attempt on a document in this state.
func (s DocumentStatus) Claimable() bool {
	return s == DocumentCreated || s == DocumentRetryPending
}

func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentCreated, DocumentProcessing, DocumentRetryPending, DocumentProcessed, DocumentFailed, DocumentCancelled:
		return true
	default:
		return false
	}
}

type Document struct {
	ID            string         `json:"id"`
	BatchID       string         `json:"batch_id"`
	FileName      string         `json:"file_name"`
	ContentType   string         `json:"content_type"`
	SizeBytes     int64          `json:"size_bytes"`
	StoragePath   string         `json:"storage_path"`
	Status        DocumentStatus `json:"status"`
	ExtractedText *string        `json:"extracted_text,omitempty"`
	RetryCount    int            `json:"retry_count"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	InvoiceID     string         `json:"invoice_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ExtractedData is the outcome of one successful document attempt.
type ExtractedData struct {
	DocumentID string   `json:"document_id"`
	Text       string   `json:"text"`
	Invoice    *Invoice `json:"invoice"`
	Vendor     *Vendor  `json:"vendor,omitempty"`
	Missing    []string `json:"missing_fields,omitempty"`
}
