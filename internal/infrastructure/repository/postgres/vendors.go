package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const vendorColumns = `id, name, normalized_name, status, invoice_count, created_at, updated_at`

func (s *Store) FindVendorByKey(ctx context.Context, normalizedName string) (*domain.Vendor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE normalized_name = $1`, normalizedName)
	v, err := scanVendor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrVendorNotFound, "find vendor", fmt.Errorf("key=%s", normalizedName))
		}
		return nil, err
	}
	return v, nil
}

// CreateVendor relies on the unique normalized_name index; losing a race
// surfaces as domain.ErrConflict.
func (s *Store) CreateVendor(ctx context.Context, vendor *domain.Vendor) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO vendors (`+vendorColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, vendor.ID, vendor.Name, vendor.NormalizedName, string(vendor.Status), vendor.InvoiceCount, vendor.CreatedAt, vendor.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "create vendor", err)
		}
		return fmt.Errorf("insert vendor: %w", err)
	}
	return nil
}

func (s *Store) IncrementVendorInvoices(ctx context.Context, id string) (*domain.Vendor, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE vendors
SET invoice_count = invoice_count + 1, updated_at = $2
WHERE id = $1
RETURNING `+vendorColumns, id, s.now())
	v, err := scanVendor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrVendorNotFound, "increment vendor", fmt.Errorf("id=%s", id))
		}
		return nil, err
	}
	return v, nil
}

func scanVendor(row rowScanner) (*domain.Vendor, error) {
	var (
		v      domain.Vendor
		status string
	)
	if err := row.Scan(&v.ID, &v.Name, &v.NormalizedName, &status, &v.InvoiceCount, &v.CreatedAt, &v.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan vendor: %w", err)
	}
	v.Status = domain.VendorStatus(status)
	return &v, nil
}
