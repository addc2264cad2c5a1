package domain

import (
	"strings"
	"time"
)

type VendorStatus string

const (
	VendorActive   VendorStatus = "ACTIVE"
	VendorInactive VendorStatus = "INACTIVE"
	VendorBlocked  VendorStatus = "BLOCKED"
	VendorPending  VendorStatus = "PENDING"
)

type Vendor struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	NormalizedName string       `json:"normalized_name"`
	Email          string       `json:"email,omitempty"`
	Phone          string       `json:"phone,omitempty"`
	Address        string       `json:"address,omitempty"`
	TaxID          string       `json:"tax_id,omitempty"`
	Status         VendorStatus `json:"status"`
	InvoiceCount   int          `json:"invoice_count"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NormalizeVendorName produces the canonical lookup key for a vendor name.
func NormalizeVendorName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
