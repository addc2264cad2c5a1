package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Store is an in-process implementation of every repository port. A single
// mutex serialises writes, which also gives UpdateBatchAggregate its
// per-batch exclusion.
type Store struct {
	mu sync.Mutex

	batches   map[string]*domain.Batch
	documents map[string]*domain.Document
	invoices  map[string]*domain.Invoice // by document id
	vendors   map[string]*domain.Vendor  // by normalized name
	analyses  map[string]*domain.Analysis

	now func() time.Time
}

func New() *Store {
	return &Store{
		batches:   make(map[string]*domain.Batch),
		documents: make(map[string]*domain.Document),
		invoices:  make(map[string]*domain.Invoice),
		vendors:   make(map[string]*domain.Vendor),
		analyses:  make(map[string]*domain.Analysis),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateBatch(_ context.Context, batch *domain.Batch, docs []domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batch.ID]; ok {
		return domain.WrapError(domain.ErrConflict, "create batch", fmt.Errorf("id=%s", batch.ID))
	}
	if batch.DocumentCount != len(docs) {
		return domain.WrapError(domain.ErrInvalidInput, "create batch",
			fmt.Errorf("document_count %d != %d documents", batch.DocumentCount, len(docs)))
	}
	stored := *batch
	stored.Documents = nil
	s.batches[batch.ID] = &stored
	for i := range docs {
		doc := docs[i]
		doc.BatchID = batch.ID
		s.documents[doc.ID] = &doc
	}
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrBatchNotFound, "get batch", fmt.Errorf("id=%s", id))
	}
	out := *b
	out.Documents = s.documentsOfLocked(id)
	return &out, nil
}

func (s *Store) ListBatchesByStatus(_ context.Context, statuses []domain.BatchStatus, limit int) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.BatchStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []domain.Batch
	for _, b := range s.batches {
		if wanted[b.Status] {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateBatchAggregate(
	_ context.Context,
	batchID string,
	mutate func(batch *domain.Batch, docs []domain.Document) error,
) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, domain.WrapError(domain.ErrBatchNotFound, "update batch", fmt.Errorf("id=%s", batchID))
	}
	working := *b
	if err := mutate(&working, s.documentsOfLocked(batchID)); err != nil {
		return nil, err
	}
	working.Documents = nil
	s.batches[batchID] = &working
	out := working
	return &out, nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	out := copyDocument(doc)
	return &out, nil
}

func (s *Store) ListDocuments(_ context.Context, batchID string) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentsOfLocked(batchID), nil
}

func (s *Store) ListDocumentsByStatus(_ context.Context, statuses []domain.DocumentStatus, limit int) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[domain.DocumentStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []domain.Document
	for _, doc := range s.documents {
		if wanted[doc.Status] {
			out = append(out, copyDocument(doc))
		}
	}
	sortDocuments(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "claim document", fmt.Errorf("id=%s", id))
	}
	if !doc.Status.Claimable() {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "claim document",
			fmt.Errorf("document %s is %s", id, doc.Status))
	}
	doc.Status = domain.DocumentProcessing
	doc.UpdatedAt = s.now()
	out := copyDocument(doc)
	return &out, nil
}

func (s *Store) RecordFailure(_ context.Context, id, errMessage string, ceiling int, final bool) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "record failure", fmt.Errorf("id=%s", id))
	}
	if doc.Status.IsTerminal() {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "record failure",
			fmt.Errorf("document %s is %s", id, doc.Status))
	}
	if doc.RetryCount < ceiling {
		doc.RetryCount++
	}
	doc.ErrorMessage = errMessage
	if final || doc.RetryCount >= ceiling {
		doc.Status = domain.DocumentFailed
	} else {
		doc.Status = domain.DocumentRetryPending
	}
	doc.UpdatedAt = s.now()
	out := copyDocument(doc)
	return &out, nil
}

func (s *Store) CompleteDocument(_ context.Context, id, text string, invoice *domain.Invoice) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "complete document", fmt.Errorf("id=%s", id))
	}
	if doc.Status != domain.DocumentProcessing {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "complete document",
			fmt.Errorf("document %s is %s", id, doc.Status))
	}
	if _, exists := s.invoices[id]; exists {
		return nil, domain.WrapError(domain.ErrConflict, "complete document",
			fmt.Errorf("document %s already has an invoice", id))
	}
	if invoice != nil {
		inv := *invoice
		inv.DocumentID = id
		inv.LineItems = append([]domain.LineItem(nil), invoice.LineItems...)
		s.invoices[id] = &inv
		doc.InvoiceID = inv.ID
	}
	extracted := text
	doc.ExtractedText = &extracted
	doc.ErrorMessage = ""
	doc.Status = domain.DocumentProcessed
	doc.UpdatedAt = s.now()
	out := copyDocument(doc)
	return &out, nil
}

func (s *Store) CancelDocument(_ context.Context, id, reason string) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "cancel document", fmt.Errorf("id=%s", id))
	}
	if doc.Status.IsTerminal() {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "cancel document",
			fmt.Errorf("document %s is %s", id, doc.Status))
	}
	doc.Status = domain.DocumentCancelled
	doc.ErrorMessage = reason
	doc.UpdatedAt = s.now()
	out := copyDocument(doc)
	return &out, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.invoiceByIDLocked(id)
	if err != nil {
		return nil, err
	}
	out := *inv
	out.LineItems = append([]domain.LineItem(nil), inv.LineItems...)
	return &out, nil
}

func (s *Store) UpdateInvoice(_ context.Context, id string, mutate func(inv *domain.Invoice) error) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.invoiceByIDLocked(id)
	if err != nil {
		return nil, err
	}
	working := *stored
	working.LineItems = append([]domain.LineItem(nil), stored.LineItems...)
	if err := mutate(&working); err != nil {
		return nil, err
	}
	stored.Status = working.Status
	stored.UpdatedAt = working.UpdatedAt
	return &working, nil
}

func (s *Store) invoiceByIDLocked(id string) (*domain.Invoice, error) {
	for _, inv := range s.invoices {
		if inv.ID == id {
			return inv, nil
		}
	}
	return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", fmt.Errorf("id=%s", id))
}

func (s *Store) GetInvoiceByDocument(_ context.Context, documentID string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[documentID]
	if !ok {
		return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", fmt.Errorf("document_id=%s", documentID))
	}
	out := *inv
	out.LineItems = append([]domain.LineItem(nil), inv.LineItems...)
	return &out, nil
}

func (s *Store) ListInvoicesByBatch(_ context.Context, batchID string) ([]domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Invoice
	for _, doc := range s.documentsOfLocked(batchID) {
		inv, ok := s.invoices[doc.ID]
		if !ok {
			continue
		}
		cp := *inv
		cp.LineItems = append([]domain.LineItem(nil), inv.LineItems...)
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) FindVendorByKey(_ context.Context, normalizedName string) (*domain.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vendors[normalizedName]
	if !ok {
		return nil, domain.WrapError(domain.ErrVendorNotFound, "find vendor", fmt.Errorf("key=%s", normalizedName))
	}
	out := *v
	return &out, nil
}

func (s *Store) CreateVendor(_ context.Context, vendor *domain.Vendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vendors[vendor.NormalizedName]; ok {
		return domain.WrapError(domain.ErrConflict, "create vendor", fmt.Errorf("key=%s", vendor.NormalizedName))
	}
	stored := *vendor
	s.vendors[vendor.NormalizedName] = &stored
	return nil
}

func (s *Store) IncrementVendorInvoices(_ context.Context, id string) (*domain.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.vendors {
		if v.ID == id {
			v.InvoiceCount++
			v.UpdatedAt = s.now()
			out := *v
			return &out, nil
		}
	}
	return nil, domain.WrapError(domain.ErrVendorNotFound, "increment vendor", fmt.Errorf("id=%s", id))
}

// Vendors returns a snapshot of every stored vendor.
func (s *Store) Vendors() []domain.Vendor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Vendor, 0, len(s.vendors))
	for _, v := range s.vendors {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NormalizedName < out[j].NormalizedName })
	return out
}

func (s *Store) CreateAnalysis(_ context.Context, analysis *domain.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.analyses[analysis.BatchID]; ok {
		return domain.WrapError(domain.ErrConflict, "create analysis", fmt.Errorf("batch_id=%s", analysis.BatchID))
	}
	stored := *analysis
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Recommendations = append([]string(nil), analysis.Recommendations...)
	stored.Metadata = make(map[string]string, len(analysis.Metadata))
	for k, v := range analysis.Metadata {
		stored.Metadata[k] = v
	}
	s.analyses[analysis.BatchID] = &stored
	return nil
}

func (s *Store) GetAnalysisByBatch(_ context.Context, batchID string) (*domain.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.analyses[batchID]
	if !ok {
		return nil, domain.WrapError(domain.ErrAnalysisNotFound, "get analysis", fmt.Errorf("batch_id=%s", batchID))
	}
	out := *a
	return &out, nil
}

func (s *Store) documentsOfLocked(batchID string) []domain.Document {
	var out []domain.Document
	for _, doc := range s.documents {
		if doc.BatchID == batchID {
			out = append(out, copyDocument(doc))
		}
	}
	sortDocuments(out)
	return out
}

func copyDocument(doc *domain.Document) domain.Document {
	out := *doc
	if doc.ExtractedText != nil {
		text := *doc.ExtractedText
		out.ExtractedText = &text
	}
	return out
}

func sortDocuments(docs []domain.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
}
