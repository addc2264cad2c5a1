package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

const (
	sheetInvoices  = "Invoices"
	sheetLineItems = "Line Items"
	sheetSummary   = "Summary"

	// Excel built-in format "#,##0.00".
	numFmtMoney = 4
)

var invoiceHeader = []interface{}{
	"Document ID", "File", "Vendor", "Invoice Number", "Invoice Date", "Due Date",
	"Currency", "Subtotal", "Tax", "Amount", "Status",
}

var lineItemHeader = []interface{}{"Invoice Number", "Description", "Quantity", "Unit Price", "Amount"}

// Exporter renders a batch with its invoices and analysis as an xlsx workbook.
type Exporter struct {
	reader ports.BatchReader
}

func NewExporter(reader ports.BatchReader) *Exporter {
	return &Exporter{reader: reader}
}

func (e *Exporter) ExportBatch(ctx context.Context, batchID string, w io.Writer) error {
	batch, err := e.reader.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	invoices, err := e.reader.ListInvoicesByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list invoices: %w", err)
	}
	analysis, err := e.reader.GetAnalysisByBatch(ctx, batchID)
	if err != nil {
		if !errors.Is(err, domain.ErrAnalysisNotFound) {
			return fmt.Errorf("get analysis: %w", err)
		}
		analysis = nil
	}
	return WriteWorkbook(w, batch, invoices, analysis)
}

// WriteWorkbook writes three sheets: one row per invoice, one row per line
// item and a batch summary. analysis may be nil.
func WriteWorkbook(w io.Writer, batch *domain.Batch, invoices []domain.Invoice, analysis *domain.Analysis) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("workbook_close_failed", "error", err)
		}
	}()

	if err := f.SetSheetName("Sheet1", sheetInvoices); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{sheetLineItems, sheetSummary} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: numFmtMoney})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	fileNames := make(map[string]string, len(batch.Documents))
	for _, doc := range batch.Documents {
		fileNames[doc.ID] = doc.FileName
	}

	if err := writeRow(f, sheetInvoices, 1, invoiceHeader); err != nil {
		return err
	}
	lineRow := 2
	if err := writeRow(f, sheetLineItems, 1, lineItemHeader); err != nil {
		return err
	}
	for i, inv := range invoices {
		row := i + 2
		values := []interface{}{
			inv.DocumentID,
			fileNames[inv.DocumentID],
			inv.VendorName,
			inv.InvoiceNumber,
			formatDate(inv.InvoiceDate),
			formatDate(inv.DueDate),
			inv.Currency,
			inv.Subtotal.InexactFloat64(),
			inv.Tax.InexactFloat64(),
			inv.Amount.InexactFloat64(),
			string(inv.Status),
		}
		if err := writeRow(f, sheetInvoices, row, values); err != nil {
			return err
		}
		for _, li := range inv.LineItems {
			values := []interface{}{
				inv.InvoiceNumber,
				li.Description,
				li.Quantity.InexactFloat64(),
				li.UnitPrice.InexactFloat64(),
				li.Amount.InexactFloat64(),
			}
			if err := writeRow(f, sheetLineItems, lineRow, values); err != nil {
				return err
			}
			lineRow++
		}
	}

	if len(invoices) > 0 {
		if err := f.SetCellStyle(sheetInvoices, "H2", fmt.Sprintf("J%d", len(invoices)+1), money); err != nil {
			return fmt.Errorf("style amounts: %w", err)
		}
	}
	if lineRow > 2 {
		if err := f.SetCellStyle(sheetLineItems, "D2", fmt.Sprintf("E%d", lineRow-1), money); err != nil {
			return fmt.Errorf("style line items: %w", err)
		}
	}
	if err := f.SetCellStyle(sheetInvoices, "A1", "K1", bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	if err := f.SetCellStyle(sheetLineItems, "A1", "E1", bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	if err := f.SetColWidth(sheetInvoices, "A", "C", 36); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}

	if err := writeSummary(f, batch, invoices, analysis, bold); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, batch *domain.Batch, invoices []domain.Invoice, analysis *domain.Analysis, bold int) error {
	total := domain.SumAmounts(invoices)
	rows := [][]interface{}{
		{"Batch ID", batch.ID},
		{"Name", batch.Name},
		{"Status", string(batch.Status)},
		{"Documents", batch.DocumentCount},
		{"Processed", batch.ProcessedCount},
		{"Failed", batch.FailedCount},
		{"Total Amount", total.StringFixed(2)},
		{"Created", batch.CreatedAt.UTC().Format(time.RFC3339)},
	}
	if batch.FailureReason != "" {
		rows = append(rows, []interface{}{"Failure Reason", batch.FailureReason})
	}
	if analysis != nil {
		rows = append(rows, []interface{}{"Summary", analysis.Summary})
		for i, rec := range analysis.Recommendations {
			rows = append(rows, []interface{}{fmt.Sprintf("Recommendation %d", i+1), rec})
		}
	}
	for i, values := range rows {
		if err := writeRow(f, sheetSummary, i+1, values); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(sheetSummary, "A1", fmt.Sprintf("A%d", len(rows)), bold); err != nil {
		return fmt.Errorf("style summary: %w", err)
	}
	if err := f.SetColWidth(sheetSummary, "B", "B", 80); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
