package usecase

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const fullInvoiceText = `ACME Corporation
12 Harbour Road
Invoice No: A-2024-001
Invoice Date: 2024-03-01
Due Date: 2024-03-31
Widget 2 x 10.00 20.00
Gadget 1 x 5.50
Tax: 2.55
Total Due: USD 28.05
`

func TestExtractInvoiceFieldsFullDocument(t *testing.T) {
	f := ExtractInvoiceFields(fullInvoiceText)

	if f.VendorName != "ACME Corporation" {
		t.Fatalf("unexpected vendor %q", f.VendorName)
	}
	if f.InvoiceNumber != "A-2024-001" {
		t.Fatalf("unexpected invoice number %q", f.InvoiceNumber)
	}
	if f.InvoiceDate == nil || !f.InvoiceDate.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected invoice date %v", f.InvoiceDate)
	}
	if f.DueDate == nil || f.DueDate.Day() != 31 {
		t.Fatalf("unexpected due date %v", f.DueDate)
	}
	if f.Currency != "USD" {
		t.Fatalf("unexpected currency %q", f.Currency)
	}
	if !f.Amount.Valid || !f.Amount.Decimal.Equal(decimal.RequireFromString("28.05")) {
		t.Fatalf("unexpected amount %+v", f.Amount)
	}
	if len(f.LineItems) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(f.LineItems))
	}
	if len(f.Missing) != 0 {
		t.Fatalf("expected no missing fields, got %v", f.Missing)
	}

	inv := f.Invoice("doc-1", time.Now())
	if inv.Status != domain.InvoiceDraft {
		t.Fatalf("expected DRAFT, got %s", inv.Status)
	}
	if !inv.Subtotal.Equal(decimal.RequireFromString("25.50")) || !inv.Amount.Equal(decimal.RequireFromString("28.05")) {
		t.Fatalf("unexpected totals subtotal=%s amount=%s", inv.Subtotal, inv.Amount)
	}
	if err := inv.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestExtractInvoiceFieldsMissingDateGoesToReview(t *testing.T) {
	f := ExtractInvoiceFields(acmeInvoiceText)
	if len(f.Missing) != 1 || f.Missing[0] != "invoice_date" {
		t.Fatalf("unexpected missing fields %v", f.Missing)
	}
	inv := f.Invoice("doc-1", time.Now())
	if inv.Status != domain.InvoicePendingReview {
		t.Fatalf("expected PENDING_REVIEW, got %s", inv.Status)
	}
	if !inv.Subtotal.Equal(decimal.RequireFromString("250")) {
		t.Fatalf("subtotal should equal amount without tax, got %s", inv.Subtotal)
	}
}

func TestExtractInvoiceFieldsDropsUnreconciledLineItems(t *testing.T) {
	f := ExtractInvoiceFields("Vendor: Globex Ltd\nWidget 2 x 10.00\nTotal: 50.00\n")
	if f.VendorName != "Globex Ltd" {
		t.Fatalf("unexpected vendor %q", f.VendorName)
	}
	if len(f.LineItems) != 0 {
		t.Fatalf("line items that disagree with the total must be dropped")
	}
	inv := f.Invoice("doc-1", time.Now())
	if !inv.Amount.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("stated total must win, got %s", inv.Amount)
	}
	if err := inv.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestExtractInvoiceFieldsDropsDueDateBeforeIssue(t *testing.T) {
	f := ExtractInvoiceFields("Invoice Date: 2024-03-10\nDue: 2024-03-01\n")
	if f.InvoiceDate == nil {
		t.Fatalf("expected invoice date")
	}
	if f.DueDate != nil {
		t.Fatalf("due date before invoice date must be dropped, got %v", f.DueDate)
	}
}

func TestExtractInvoiceFieldsEmptyText(t *testing.T) {
	f := ExtractInvoiceFields("")
	want := []string{"vendor_name", "invoice_number", "invoice_date", "amount"}
	if len(f.Missing) != len(want) {
		t.Fatalf("unexpected missing fields %v", f.Missing)
	}
	for i := range want {
		if f.Missing[i] != want[i] {
			t.Fatalf("unexpected missing fields %v", f.Missing)
		}
	}
}

func TestExtractInvoiceFieldsFormats(t *testing.T) {
	cases := []struct {
		text     string
		date     time.Time
		amount   string
		currency string
	}{
		{
			text:     "Date: March 5, 2024\nTotal: €1,234.50\n",
			date:     time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
			amount:   "1234.50",
			currency: "EUR",
		},
		{
			text:     "Date: 05.03.2024\nAmount: £99\n",
			date:     time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
			amount:   "99",
			currency: "GBP",
		},
	}
	for _, tc := range cases {
		f := ExtractInvoiceFields(tc.text)
		if f.InvoiceDate == nil || !f.InvoiceDate.Equal(tc.date) {
			t.Fatalf("%q: unexpected date %v", tc.text, f.InvoiceDate)
		}
		if !f.Amount.Valid || !f.Amount.Decimal.Equal(decimal.RequireFromString(tc.amount)) {
			t.Fatalf("%q: unexpected amount %+v", tc.text, f.Amount)
		}
		if f.Currency != tc.currency {
			t.Fatalf("%q: unexpected currency %q", tc.text, f.Currency)
		}
	}
}

func TestExtractInvoiceNumberNeedsDigit(t *testing.T) {
	if got := extractInvoiceNumber("INVOICE\nInvoice #: 7781\n"); got != "7781" {
		t.Fatalf("unexpected invoice number %q", got)
	}
	if got := extractInvoiceNumber("Invoice summary for March"); got != "" {
		t.Fatalf("expected no invoice number, got %q", got)
	}
}
