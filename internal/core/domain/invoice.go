package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoicePendingReview InvoiceStatus = "PENDING_REVIEW"
	InvoiceApproved      InvoiceStatus = "APPROVED"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceRejected      InvoiceStatus = "REJECTED"
	InvoiceVoided        InvoiceStatus = "VOIDED"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceDraft:         {InvoicePendingReview, InvoiceApproved},
	InvoicePendingReview: {InvoiceApproved, InvoiceRejected},
	InvoiceApproved:      {InvoicePaid, InvoiceVoided},
	InvoiceRejected:      {InvoiceDraft},
}

// Valid reports whether s is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoicePendingReview, InvoiceApproved, InvoicePaid, InvoiceRejected, InvoiceVoided:
		return true
	}
	return false
}

func (s InvoiceStatus) CanTransition(to InvoiceStatus) bool {
	for _, next := range invoiceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

func NewLineItem(description string, quantity, unitPrice decimal.Decimal) LineItem {
	return LineItem{
		Description: description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Amount:      quantity.Mul(unitPrice),
	}
}

func (li LineItem) Validate() error {
	if !li.Quantity.IsPositive() {
		return fmt.Errorf("line item %q: quantity must be positive", li.Description)
	}
	if li.UnitPrice.IsNegative() {
		return fmt.Errorf("line item %q: unit price must not be negative", li.Description)
	}
	if !li.Amount.Equal(li.Quantity.Mul(li.UnitPrice)) {
		return fmt.Errorf("line item %q: amount %s != quantity x unit price", li.Description, li.Amount)
	}
	return nil
}

type Invoice struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"document_id"`
	VendorID      string          `json:"vendor_id,omitempty"`
	VendorName    string          `json:"vendor_name,omitempty"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	InvoiceDate   *time.Time      `json:"invoice_date,omitempty"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Amount        decimal.Decimal `json:"amount"`
	Status        InvoiceStatus   `json:"status"`
	LineItems     []LineItem      `json:"line_items"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Recalculate derives Subtotal and Amount from the line items. Invoices
// without line items keep the amount read from the document.
func (inv *Invoice) Recalculate() {
	if len(inv.LineItems) == 0 {
		return
	}
	subtotal := decimal.Zero
	for _, li := range inv.LineItems {
		subtotal = subtotal.Add(li.Amount)
	}
	inv.Subtotal = subtotal
	inv.Amount = subtotal.Add(inv.Tax)
}

func (inv *Invoice) Validate() error {
	var errs []error
	if inv.DocumentID == "" {
		errs = append(errs, errors.New("document id is required"))
	}
	if inv.Amount.IsNegative() {
		errs = append(errs, errors.New("amount must not be negative"))
	}
	if inv.Tax.IsNegative() {
		errs = append(errs, errors.New("tax must not be negative"))
	}
	if len(inv.LineItems) > 0 {
		sum := decimal.Zero
		for _, li := range inv.LineItems {
			if err := li.Validate(); err != nil {
				errs = append(errs, err)
			}
			sum = sum.Add(li.Amount)
		}
		if !inv.Amount.Equal(sum.Add(inv.Tax)) {
			errs = append(errs, fmt.Errorf("amount %s != line items %s + tax %s", inv.Amount, sum, inv.Tax))
		}
	}
	if inv.DueDate != nil && inv.InvoiceDate != nil && inv.DueDate.Before(*inv.InvoiceDate) {
		errs = append(errs, errors.New("due date precedes invoice date"))
	}
	if len(errs) > 0 {
		return WrapError(ErrInvalidInput, "validate invoice", errors.Join(errs...))
	}
	return nil
}

func (inv *Invoice) TransitionTo(to InvoiceStatus, now time.Time) error {
	if !inv.Status.CanTransition(to) {
		return WrapError(
			ErrInvalidTransition,
			"invoice transition",
			fmt.Errorf("invoice %s: %s -> %s", inv.ID, inv.Status, to),
		)
	}
	inv.Status = to
	inv.UpdatedAt = now
	return nil
}

// SumAmounts totals the invoice amounts.
func SumAmounts(invoices []Invoice) decimal.Decimal {
	total := decimal.Zero
	for _, inv := range invoices {
		total = total.Add(inv.Amount)
	}
	return total
}
