package usecase

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const datePattern = `(\d{4}-\d{2}-\d{2}|\d{1,2}[/.]\d{1,2}[/.]\d{2,4}|[A-Za-z]{3,9}\.? \d{1,2},? \d{4}|\d{1,2} [A-Za-z]{3,9},? \d{4})`

const moneyPattern = `([$€£]|[A-Za-z]{3})?[ \t]*(\d[\d,]*(?:\.\d{1,2})?)`

var (
	vendorLabelRe   = regexp.MustCompile(`(?im)^[ \t]*(?:vendor|supplier|seller|sold\s+by|bill\s+from|from)[ \t]*[:\-][ \t]*(.+?)[ \t]*$`)
	invoiceNumberRe = regexp.MustCompile(`(?im)\binvoice[ \t]*(?:no\.?|number|num\.?|#)?[ \t]*[:#]?[ \t]*([A-Z0-9][A-Z0-9\-/]*)`)
	invoiceDateRe   = regexp.MustCompile(`(?im)^[ \t]*(?:invoice\s+date|issue\s+date|date\s+of\s+issue|date)[ \t]*:?[ \t]*` + datePattern)
	dueDateRe       = regexp.MustCompile(`(?im)\b(?:due\s+date|payment\s+due|due)[ \t]*:?[ \t]*` + datePattern)
	totalRe         = regexp.MustCompile(`(?im)^[ \t]*(grand\s+total|total\s+due|amount\s+due|balance\s+due|invoice\s+total|total\s+amount|total|amount)[ \t]*:?[ \t]*` + moneyPattern)
	taxRe           = regexp.MustCompile(`(?im)^[ \t]*(?:sales\s+tax|tax|vat|gst)(?:[ \t]*\([^)]*\))?[ \t]*:?[ \t]*` + moneyPattern)
	lineItemRe      = regexp.MustCompile(`(?m)^[ \t]*([A-Za-z][^\n]*?)[ \t]+(\d+(?:\.\d+)?)[ \t]*(?:x|X|@|×)[ \t]*[$€£]?(\d[\d,]*(?:\.\d{1,2})?)(?:[ \t]+[$€£]?\d[\d,]*(?:\.\d{1,2})?)?[ \t]*$`)
)

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"02.01.2006",
	"2.1.2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"Jan. 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"2 January, 2006",
}

var currencySymbols = map[string]string{"$": "USD", "€": "EUR", "£": "GBP"}

var currencyCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true, "AUD": true, "CHF": true,
	"JPY": true, "SEK": true, "NOK": true, "DKK": true, "PLN": true, "INR": true,
}

// strongTotalLabels win over a bare "total" or "amount" line.
var strongTotalLabels = map[string]bool{
	"grand total": true, "total due": true, "amount due": true, "balance due": true, "invoice total": true,
}

// InvoiceFields is what could be read from the OCR text of one document.
// Fields that were not found are listed in Missing.
type InvoiceFields struct {
	VendorName    string
	InvoiceNumber string
	InvoiceDate   *time.Time
	DueDate       *time.Time
	Currency      string
	Amount        decimal.NullDecimal
	Tax           decimal.Decimal
	LineItems     []domain.LineItem
	Missing       []string
}

// ExtractInvoiceFields parses invoice fields out of OCR text. It never fails:
// a document with nothing recognisable yields empty fields.
func ExtractInvoiceFields(text string) InvoiceFields {
	var f InvoiceFields

	f.VendorName = extractVendor(text)
	f.InvoiceNumber = extractInvoiceNumber(text)
	if m := invoiceDateRe.FindStringSubmatch(text); m != nil {
		f.InvoiceDate = parseDate(m[1])
	}
	if m := dueDateRe.FindStringSubmatch(text); m != nil {
		f.DueDate = parseDate(m[1])
	}
	if f.DueDate != nil && f.InvoiceDate != nil && f.DueDate.Before(*f.InvoiceDate) {
		f.DueDate = nil
	}

	if m := taxRe.FindStringSubmatch(text); m != nil {
		if tax, ok := parseMoney(m[2]); ok {
			f.Tax = tax
			f.Currency = currencyOf(m[1])
		}
	}
	if amount, currency, ok := extractTotal(text); ok {
		f.Amount = decimal.NewNullDecimal(amount)
		if currency != "" {
			f.Currency = currency
		}
	}
	f.LineItems = extractLineItems(text)
	f.reconcileLineItems()

	if f.VendorName == "" {
		f.Missing = append(f.Missing, "vendor_name")
	}
	if f.InvoiceNumber == "" {
		f.Missing = append(f.Missing, "invoice_number")
	}
	if f.InvoiceDate == nil {
		f.Missing = append(f.Missing, "invoice_date")
	}
	if !f.Amount.Valid {
		f.Missing = append(f.Missing, "amount")
	}
	return f
}

// Invoice builds the DRAFT invoice for documentID. Invoices missing a key
// field are moved to PENDING_REVIEW.
func (f InvoiceFields) Invoice(documentID string, now time.Time) *domain.Invoice {
	inv := &domain.Invoice{
		ID:            uuid.NewString(),
		DocumentID:    documentID,
		VendorName:    f.VendorName,
		InvoiceNumber: f.InvoiceNumber,
		InvoiceDate:   f.InvoiceDate,
		DueDate:       f.DueDate,
		Currency:      f.Currency,
		Tax:           f.Tax,
		Status:        domain.InvoiceDraft,
		LineItems:     append([]domain.LineItem(nil), f.LineItems...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if f.Amount.Valid {
		inv.Amount = f.Amount.Decimal
		inv.Subtotal = f.Amount.Decimal.Sub(f.Tax)
	}
	inv.Recalculate()
	if inv.Subtotal.IsNegative() {
		inv.Subtotal = decimal.Zero
	}

	if len(f.Missing) > 0 {
		_ = inv.TransitionTo(domain.InvoicePendingReview, now)
	}
	return inv
}

// reconcileLineItems keeps parsed line items only when they agree with the
// stated total, so the amount invariant holds either way.
func (f *InvoiceFields) reconcileLineItems() {
	if len(f.LineItems) == 0 {
		return
	}
	for _, li := range f.LineItems {
		if li.Validate() != nil {
			f.LineItems = nil
			return
		}
	}
	if !f.Amount.Valid {
		return
	}
	sum := decimal.Zero
	for _, li := range f.LineItems {
		sum = sum.Add(li.Amount)
	}
	if !sum.Add(f.Tax).Equal(f.Amount.Decimal) {
		f.LineItems = nil
	}
}

func extractVendor(text string) string {
	if m := vendorLabelRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(line, ":") || strings.Contains(lower, "invoice") || strings.HasPrefix(lower, "bill to") {
			continue
		}
		if !strings.ContainsAny(lower, "abcdefghijklmnopqrstuvwxyz") {
			continue
		}
		return line
	}
	return ""
}

func extractInvoiceNumber(text string) string {
	for _, m := range invoiceNumberRe.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimRight(m[1], "-/")
		if strings.ContainsAny(candidate, "0123456789") {
			return candidate
		}
	}
	return ""
}

func extractTotal(text string) (decimal.Decimal, string, bool) {
	var (
		found    bool
		amount   decimal.Decimal
		currency string
	)
	for _, m := range totalRe.FindAllStringSubmatch(text, -1) {
		value, ok := parseMoney(m[3])
		if !ok {
			continue
		}
		label := strings.ToLower(strings.Join(strings.Fields(m[1]), " "))
		amount, currency, found = value, currencyOf(m[2]), true
		if strongTotalLabels[label] {
			break
		}
	}
	return amount, currency, found
}

func extractLineItems(text string) []domain.LineItem {
	var items []domain.LineItem
	for _, m := range lineItemRe.FindAllStringSubmatch(text, -1) {
		qty, err := decimal.NewFromString(m[2])
		if err != nil {
			continue
		}
		price, ok := parseMoney(m[3])
		if !ok {
			continue
		}
		items = append(items, domain.NewLineItem(strings.TrimSpace(m[1]), qty, price))
	}
	return items
}

func parseMoney(raw string) (decimal.Decimal, bool) {
	v, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil || v.IsNegative() {
		return decimal.Zero, false
	}
	return v, true
}

func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func currencyOf(token string) string {
	token = strings.TrimSpace(token)
	if code, ok := currencySymbols[token]; ok {
		return code
	}
	upper := strings.ToUpper(token)
	if currencyCodes[upper] {
		return upper
	}
	return ""
}
