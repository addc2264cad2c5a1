package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const invoiceColumns = `i.id, i.document_id, i.vendor_id, i.vendor_name, i.invoice_number, i.invoice_date, i.due_date, i.currency, i.subtotal, i.tax, i.amount, i.status, i.line_items, i.created_at, i.updated_at`

func insertInvoice(ctx context.Context, q queryer, inv *domain.Invoice) error {
	items := inv.LineItems
	if items == nil {
		items = []domain.LineItem{}
	}
	itemsJSON, err := marshalJSON(items)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
INSERT INTO invoices (
	id, document_id, vendor_id, vendor_name, invoice_number, invoice_date, due_date, currency,
	subtotal, tax, amount, status, line_items, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
		inv.ID, inv.DocumentID, nullString(inv.VendorID), nullString(inv.VendorName), nullString(inv.InvoiceNumber),
		nullTime(inv.InvoiceDate), nullTime(inv.DueDate), nullString(inv.Currency),
		inv.Subtotal, inv.Tax, inv.Amount, string(inv.Status), itemsJSON, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert invoice", err)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return getInvoice(ctx, s.db, id, false)
}

// UpdateInvoice holds the invoice row lock while mutate runs, so concurrent
// review decisions are checked against the latest status.
func (s *Store) UpdateInvoice(ctx context.Context, id string, mutate func(inv *domain.Invoice) error) (*domain.Invoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin invoice update tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	inv, err := getInvoice(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := mutate(inv); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE invoices SET status = $2, updated_at = $3 WHERE id = $1`,
		inv.ID, string(inv.Status), inv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update invoice: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit invoice update tx: %w", err)
	}
	return inv, nil
}

func getInvoice(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices i WHERE i.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", fmt.Errorf("id=%s", id))
		}
		return nil, err
	}
	return inv, nil
}

func (s *Store) GetInvoiceByDocument(ctx context.Context, documentID string) (*domain.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices i WHERE i.document_id = $1`, documentID)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", fmt.Errorf("document_id=%s", documentID))
		}
		return nil, err
	}
	return inv, nil
}

func (s *Store) ListInvoicesByBatch(ctx context.Context, batchID string) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+invoiceColumns+`
FROM invoices i
JOIN documents d ON d.id = i.document_id
WHERE d.batch_id = $1
ORDER BY d.created_at, d.id
`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return out, nil
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var (
		inv                          domain.Invoice
		vendorID, vendorName, number sql.NullString
		currency                     sql.NullString
		invoiceDate, dueDate         sql.NullTime
		status                       string
		itemsRaw                     []byte
	)
	err := row.Scan(
		&inv.ID, &inv.DocumentID, &vendorID, &vendorName, &number, &invoiceDate, &dueDate, &currency,
		&inv.Subtotal, &inv.Tax, &inv.Amount, &status, &itemsRaw, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.VendorID = vendorID.String
	inv.VendorName = vendorName.String
	inv.InvoiceNumber = number.String
	inv.Currency = currency.String
	inv.InvoiceDate = timePtr(invoiceDate)
	inv.DueDate = timePtr(dueDate)
	inv.Status = domain.InvoiceStatus(status)
	if len(itemsRaw) > 0 {
		if err := json.Unmarshal(itemsRaw, &inv.LineItems); err != nil {
			return nil, fmt.Errorf("unmarshal line items: %w", err)
		}
	}
	if inv.LineItems == nil {
		inv.LineItems = []domain.LineItem{}
	}
	return &inv, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
