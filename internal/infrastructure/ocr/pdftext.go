package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// ErrNoTextLayer marks a PDF whose pages carry no extractable text, as
// produced by most scanners.
var ErrNoTextLayer = errors.New("pdf has no text layer")

// PDFText reads the embedded text layer of digital PDF invoices.
type PDFText struct {
	maxPages int
}

func NewPDFText(maxPages int) *PDFText {
	if maxPages <= 0 {
		maxPages = 20
	}
	return &PDFText{maxPages: maxPages}
}

// ExtractText fails with domain.ErrInvalidInput for unreadable PDFs and with
// ErrNoTextLayer (also invalid input) for image-only scans.
func (p *PDFText) ExtractText(ctx context.Context, data []byte, _ string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.WrapError(domain.ErrInvalidInput, "read pdf", fmt.Errorf("malformed pdf: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "read pdf", err)
	}
	pages := reader.NumPage()
	if pages > p.maxPages {
		return "", domain.WrapError(domain.ErrInvalidInput, "read pdf", fmt.Errorf("%d pages exceed the limit of %d", pages, p.maxPages))
	}

	var out strings.Builder
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		pageText, err := page.GetPlainText(fonts)
		if err != nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "read pdf page", err)
		}
		out.WriteString(pageText)
		out.WriteString("\n")
	}

	text = strings.TrimSpace(out.String())
	if text == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "read pdf", ErrNoTextLayer)
	}
	return text, nil
}
