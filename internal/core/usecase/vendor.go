package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

const vendorResolveAttempts = 5

// VendorResolver maps a vendor name read from a document onto its canonical
// vendor record, creating it on first sight.
type VendorResolver struct {
	repo ports.VendorRepository
	now  func() time.Time
}

func NewVendorResolver(repo ports.VendorRepository) *VendorResolver {
	return &VendorResolver{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the vendor for name with its invoice count already bumped.
// Concurrent first sightings race on the unique key; the loser retries as a
// lookup-and-increment.
func (r *VendorResolver) Resolve(ctx context.Context, name string) (*domain.Vendor, error) {
	key := domain.NormalizeVendorName(name)
	if key == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "resolve vendor", errors.New("empty vendor name"))
	}
	display := strings.Join(strings.Fields(name), " ")

	for attempt := 0; attempt < vendorResolveAttempts; attempt++ {
		existing, err := r.repo.FindVendorByKey(ctx, key)
		switch {
		case err == nil:
			vendor, err := r.repo.IncrementVendorInvoices(ctx, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("increment vendor invoices: %w", err)
			}
			return vendor, nil
		case !domain.IsKind(err, domain.ErrVendorNotFound):
			return nil, fmt.Errorf("find vendor: %w", err)
		}

		now := r.now()
		vendor := &domain.Vendor{
			ID:             uuid.NewString(),
			Name:           display,
			NormalizedName: key,
			Status:         domain.VendorActive,
			InvoiceCount:   1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err = r.repo.CreateVendor(ctx, vendor)
		if err == nil {
			return vendor, nil
		}
		if !domain.IsKind(err, domain.ErrConflict) {
			return nil, fmt.Errorf("create vendor: %w", err)
		}
	}

	return nil, domain.WrapError(
		domain.ErrConflict,
		"resolve vendor",
		fmt.Errorf("vendor %q still contended after %d attempts", key, vendorResolveAttempts),
	)
}
