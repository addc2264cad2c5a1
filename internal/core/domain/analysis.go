package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Analysis struct {
	ID              string            `json:"id"`
	BatchID         string            `json:"batch_id"`
	Summary         string            `json:"summary"`
	Recommendations []string          `json:"recommendations"`
	Metadata        map[string]string `json:"metadata"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Summary is what the summarization provider returns for a batch.
type Summary struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
}

// InvoiceDigest is the per-document slice of a batch handed to the summarizer.
type InvoiceDigest struct {
	DocumentID    string          `json:"document_id"`
	FileName      string          `json:"file_name"`
	VendorName    string          `json:"vendor_name,omitempty"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	InvoiceDate   string          `json:"invoice_date,omitempty"`
	DueDate       string          `json:"due_date,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	LineItems     int             `json:"line_items"`
	Excerpt       string          `json:"excerpt,omitempty"`
}

type BatchDigest struct {
	BatchID        string          `json:"batch_id"`
	BatchName      string          `json:"batch_name"`
	DocumentCount  int             `json:"document_count"`
	ProcessedCount int             `json:"processed_count"`
	FailedCount    int             `json:"failed_count"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Invoices       []InvoiceDigest `json:"invoices"`
	Truncated      bool            `json:"truncated"`
}
