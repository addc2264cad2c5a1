package ocr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
)

// Router sends PDFs to the text-layer reader and images to the image OCR
// provider. Scanned PDFs without a text layer have their page images sent
// to the image provider. A nil image provider rejects images and scanned
// PDFs as invalid input.
type Router struct {
	pdf   ports.OCRProvider
	image ports.OCRProvider
	scans func(data []byte) ([]pageImage, error)
}

func NewRouter(pdf, image ports.OCRProvider) *Router {
	return &Router{pdf: pdf, image: image, scans: extractPageImages}
}

func (r *Router) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	switch contentType {
	case "application/pdf":
		text, err := r.pdf.ExtractText(ctx, data, contentType)
		if err == nil || r.image == nil || !errors.Is(err, ErrNoTextLayer) {
			return text, err
		}
		return r.extractScans(ctx, data)
	case "image/jpeg", "image/png", "image/tiff":
		if r.image == nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "ocr", errors.New("image ocr is not configured"))
		}
		return r.image.ExtractText(ctx, data, contentType)
	default:
		return "", domain.WrapError(domain.ErrInvalidInput, "ocr", fmt.Errorf("unsupported content type %q", contentType))
	}
}

func (r *Router) extractScans(ctx context.Context, data []byte) (string, error) {
	images, err := r.scans(data)
	if err != nil {
		return "", err
	}
	if len(images) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "ocr scanned pdf", fmt.Errorf("%w and no page images", ErrNoTextLayer))
	}

	pages := make([]string, 0, len(images))
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := r.image.ExtractText(ctx, img.data, img.contentType)
		if err != nil {
			return "", fmt.Errorf("ocr pdf page %d: %w", img.page, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "ocr scanned pdf", errors.New("no text found on page images"))
	}
	return strings.Join(pages, "\n"), nil
}

// ClassifyError decides how the OCR guard treats a provider failure.
func ClassifyError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), domain.IsKind(err, domain.ErrInvalidInput):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case errors.Is(err, context.DeadlineExceeded), resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	if code := statusCode(err); code != 0 && isPermanentStatus(code) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
