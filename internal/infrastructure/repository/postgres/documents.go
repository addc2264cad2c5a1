package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const documentColumns = `id, batch_id, file_name, content_type, size_bytes, storage_path, status, extracted_text, retry_count, error_message, invoice_id, created_at, updated_at`

func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, err
	}
	return doc, nil
}

func (s *Store) ListDocuments(ctx context.Context, batchID string) ([]domain.Document, error) {
	return listDocuments(ctx, s.db, batchID)
}

func (s *Store) ListDocumentsByStatus(ctx context.Context, statuses []domain.DocumentStatus, limit int) ([]domain.Document, error) {
	if len(statuses) == 0 {
		return []domain.Document{}, nil
	}
	in, args := inClause(statuses, 1)
	query := `SELECT ` + documentColumns + ` FROM documents WHERE status IN (` + in + `) ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return queryDocuments(ctx, s.db, query, args...)
}

func (s *Store) ClaimDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE documents
SET status = $2, updated_at = $3
WHERE id = $1 AND status IN ($4, $5)
RETURNING `+documentColumns,
		id, string(domain.DocumentProcessing), s.now(), string(domain.DocumentCreated), string(domain.DocumentRetryPending))
	return s.afterConditionalUpdate(ctx, "claim document", id, row)
}

// RecordFailure bumps retry_count up to the ceiling and picks RETRY_PENDING
// or FAILED in the same statement.
func (s *Store) RecordFailure(ctx context.Context, id, errMessage string, ceiling int, final bool) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE documents
SET retry_count = LEAST(retry_count + 1, $3),
	status = CASE WHEN $4 OR LEAST(retry_count + 1, $3) >= $3 THEN $5 ELSE $6 END,
	error_message = $2,
	updated_at = $7
WHERE id = $1 AND status NOT IN ($5, $8, $9)
RETURNING `+documentColumns,
		id, errMessage, ceiling, final,
		string(domain.DocumentFailed), string(domain.DocumentRetryPending), s.now(),
		string(domain.DocumentProcessed), string(domain.DocumentCancelled))
	return s.afterConditionalUpdate(ctx, "record failure", id, row)
}

// CompleteDocument marks the document PROCESSED and inserts its invoice in
// one transaction. Only a PROCESSING document can complete.
func (s *Store) CompleteDocument(ctx context.Context, id, text string, invoice *domain.Invoice) (*domain.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin complete document tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var invoiceID sql.NullString
	if invoice != nil {
		invoiceID = nullString(invoice.ID)
	}
	row := tx.QueryRowContext(ctx, `
UPDATE documents
SET status = $2, extracted_text = $3, error_message = NULL, invoice_id = $4, updated_at = $5
WHERE id = $1 AND status = $6
RETURNING `+documentColumns,
		id, string(domain.DocumentProcessed), text, invoiceID, s.now(), string(domain.DocumentProcessing))
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.conditionalMiss(ctx, "complete document", id)
		}
		return nil, err
	}

	if invoice != nil {
		inv := *invoice
		inv.DocumentID = id
		if err := insertInvoice(ctx, tx, &inv); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit complete document tx: %w", err)
	}
	return doc, nil
}

func (s *Store) CancelDocument(ctx context.Context, id, reason string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE documents
SET status = $2, error_message = $3, updated_at = $4
WHERE id = $1 AND status NOT IN ($5, $6, $2)
RETURNING `+documentColumns,
		id, string(domain.DocumentCancelled), reason, s.now(), string(domain.DocumentProcessed), string(domain.DocumentFailed))
	return s.afterConditionalUpdate(ctx, "cancel document", id, row)
}

// afterConditionalUpdate turns an UPDATE ... RETURNING that matched nothing
// into not-found or invalid-transition.
func (s *Store) afterConditionalUpdate(ctx context.Context, op, id string, row *sql.Row) (*domain.Document, error) {
	doc, err := scanDocument(row)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return nil, s.conditionalMiss(ctx, op, id)
}

func (s *Store) conditionalMiss(ctx context.Context, op, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrDocumentNotFound, op, fmt.Errorf("id=%s", id))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.WrapError(domain.ErrInvalidTransition, op, fmt.Errorf("document %s is %s", id, status))
}

func listDocuments(ctx context.Context, q queryer, batchID string) ([]domain.Document, error) {
	return queryDocuments(ctx, q, `SELECT `+documentColumns+` FROM documents WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
}

func queryDocuments(ctx context.Context, q queryer, query string, args ...any) ([]domain.Document, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var (
		doc       domain.Document
		status    string
		text      sql.NullString
		errMsg    sql.NullString
		invoiceID sql.NullString
	)
	err := row.Scan(
		&doc.ID, &doc.BatchID, &doc.FileName, &doc.ContentType, &doc.SizeBytes, &doc.StoragePath,
		&status, &text, &doc.RetryCount, &errMsg, &invoiceID, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Status = domain.DocumentStatus(status)
	if !doc.Status.Valid() {
		return nil, domain.WrapError(domain.ErrStorage, "scan document", fmt.Errorf("document %s has unknown status %q", doc.ID, status))
	}
	if text.Valid {
		doc.ExtractedText = &text.String
	}
	doc.ErrorMessage = errMsg.String
	doc.InvoiceID = invoiceID.String
	return &doc, nil
}

func marshalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return raw, nil
}
