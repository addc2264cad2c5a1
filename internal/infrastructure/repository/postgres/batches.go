package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const batchColumns = `id, name, status, document_count, processed_count, failed_count, failure_reason, created_at, updated_at`

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateBatch(ctx context.Context, batch *domain.Batch, docs []domain.Document) error {
	if batch.DocumentCount != len(docs) {
		return domain.WrapError(domain.ErrInvalidInput, "create batch",
			fmt.Errorf("document_count %d != %d documents", batch.DocumentCount, len(docs)))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create batch tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO batches (`+batchColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, batch.ID, batch.Name, string(batch.Status), batch.DocumentCount, batch.ProcessedCount, batch.FailedCount,
		nullString(batch.FailureReason), batch.CreatedAt, batch.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "create batch", err)
		}
		return fmt.Errorf("insert batch: %w", err)
	}

	for _, doc := range docs {
		_, err := tx.ExecContext(ctx, `
INSERT INTO documents (
	id, batch_id, file_name, content_type, size_bytes, storage_path, status, retry_count, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, doc.ID, batch.ID, doc.FileName, doc.ContentType, doc.SizeBytes, doc.StoragePath, string(doc.Status),
			doc.RetryCount, doc.CreatedAt, doc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create batch tx: %w", err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	batch, err := getBatch(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	docs, err := listDocuments(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	batch.Documents = docs
	return batch, nil
}

func (s *Store) ListBatchesByStatus(ctx context.Context, statuses []domain.BatchStatus, limit int) ([]domain.Batch, error) {
	if len(statuses) == 0 {
		return []domain.Batch{}, nil
	}
	in, args := inClause(statuses, 1)
	query := `SELECT ` + batchColumns + ` FROM batches WHERE status IN (` + in + `) ORDER BY created_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches by status: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Batch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// UpdateBatchAggregate locks the batch row for the duration of mutate, so
// concurrent recomputes of one batch are applied one after another.
func (s *Store) UpdateBatchAggregate(
	ctx context.Context,
	batchID string,
	mutate func(batch *domain.Batch, docs []domain.Document) error,
) (*domain.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch update tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	batch, err := getBatch(ctx, tx, batchID, true)
	if err != nil {
		return nil, err
	}
	docs, err := listDocuments(ctx, tx, batchID)
	if err != nil {
		return nil, err
	}
	if err := mutate(batch, docs); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
UPDATE batches
SET status = $2, processed_count = $3, failed_count = $4, failure_reason = $5, updated_at = $6
WHERE id = $1
`, batch.ID, string(batch.Status), batch.ProcessedCount, batch.FailedCount, nullString(batch.FailureReason), batch.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch update tx: %w", err)
	}
	batch.Documents = nil
	return batch, nil
}

func getBatch(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBatch(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrBatchNotFound, "get batch", fmt.Errorf("id=%s", id))
		}
		return nil, err
	}
	return b, nil
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var (
		b      domain.Batch
		status string
		reason sql.NullString
	)
	err := row.Scan(&b.ID, &b.Name, &status, &b.DocumentCount, &b.ProcessedCount, &b.FailedCount, &reason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	b.Status = domain.BatchStatus(status)
	if !b.Status.Valid() {
		return nil, domain.WrapError(domain.ErrStorage, "scan batch", fmt.Errorf("batch %s has unknown status %q", b.ID, status))
	}
	b.FailureReason = reason.String
	return &b, nil
}
