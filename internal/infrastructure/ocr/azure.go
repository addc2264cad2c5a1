package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"
	"github.com/Azure/go-autorest/autorest"
	"github.com/disintegration/imaging"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// The Computer Vision OCR endpoint rejects images above 4200px per side.
const maxImageSide = 4200

type printedTextRecognizer interface {
	RecognizePrintedTextInStream(
		ctx context.Context,
		detectOrientation bool,
		imageParameter io.ReadCloser,
		language computervision.OcrLanguages,
	) (computervision.OcrResult, error)
}

// AzureVision reads printed text from scanned invoice images.
type AzureVision struct {
	client  printedTextRecognizer
	enhance bool
}

// NewAzureVision builds the adapter. With enhance set, scans are converted
// to grayscale and sharpened before upload.
func NewAzureVision(endpoint, apiKey string, enhance bool) *AzureVision {
	client := computervision.New(endpoint)
	client.Authorizer = autorest.NewCognitiveServicesAuthorizer(apiKey)
	return &AzureVision{client: client, enhance: enhance}
}

func (a *AzureVision) ExtractText(ctx context.Context, data []byte, _ string) (string, error) {
	prepared, err := prepareImage(data, a.enhance)
	if err != nil {
		return "", err
	}

	result, err := a.client.RecognizePrintedTextInStream(
		ctx,
		true,
		io.NopCloser(bytes.NewReader(prepared)),
		computervision.OcrLanguages(computervision.En),
	)
	if err != nil {
		if isPermanentStatus(statusCode(err)) {
			return "", domain.WrapError(domain.ErrInvalidInput, "azure ocr", err)
		}
		return "", fmt.Errorf("azure ocr: %w", err)
	}
	return ocrResultText(result), nil
}

// prepareImage fits a scan to a size the service accepts and, when enhance
// is set, applies grayscale plus a contrast and sharpness boost. Output is JPEG.
func prepareImage(data []byte, enhance bool) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode image", err)
	}

	img := imaging.Clone(src)
	if enhance {
		img = imaging.Grayscale(img)
		img = imaging.AdjustContrast(img, 20)
		img = imaging.Sharpen(img, 1.0)
	}
	if b := img.Bounds(); b.Dx() > maxImageSide || b.Dy() > maxImageSide {
		img = imaging.Fit(img, maxImageSide, maxImageSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// ocrResultText flattens regions into lines; regions are separated by a
// blank line so label/value pairs on one line stay together.
func ocrResultText(result computervision.OcrResult) string {
	if result.Regions == nil {
		return ""
	}
	var regions []string
	for _, region := range *result.Regions {
		if region.Lines == nil {
			continue
		}
		var lines []string
		for _, line := range *region.Lines {
			if line.Words == nil {
				continue
			}
			words := make([]string, 0, len(*line.Words))
			for _, word := range *line.Words {
				if word.Text != nil && *word.Text != "" {
					words = append(words, *word.Text)
				}
			}
			if len(words) > 0 {
				lines = append(lines, strings.Join(words, " "))
			}
		}
		if len(lines) > 0 {
			regions = append(regions, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(regions, "\n\n")
}

func statusCode(err error) int {
	var detailed autorest.DetailedError
	if errors.As(err, &detailed) {
		if code, ok := detailed.StatusCode.(int); ok {
			return code
		}
	}
	var detailedPtr *autorest.DetailedError
	if errors.As(err, &detailedPtr) && detailedPtr != nil {
		if code, ok := detailedPtr.StatusCode.(int); ok {
			return code
		}
	}
	return 0
}

func isPermanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
