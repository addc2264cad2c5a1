package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"
	"github.com/Azure/go-autorest/autorest"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

type recognizerFake struct {
	result   computervision.OcrResult
	err      error
	received []byte
}

func (f *recognizerFake) RecognizePrintedTextInStream(
	_ context.Context,
	_ bool,
	image io.ReadCloser,
	_ computervision.OcrLanguages,
) (computervision.OcrResult, error) {
	data, err := io.ReadAll(image)
	if err != nil {
		return computervision.OcrResult{}, err
	}
	f.received = data
	return f.result, f.err
}

func strPtr(s string) *string { return &s }

func ocrLine(words ...string) computervision.OcrLine {
	ws := make([]computervision.OcrWord, 0, len(words))
	for _, w := range words {
		ws = append(ws, computervision.OcrWord{Text: strPtr(w)})
	}
	return computervision.OcrLine{Words: &ws}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestAzureVisionJoinsRegionsAndSendsJPEG(t *testing.T) {
	firstLines := []computervision.OcrLine{ocrLine("Acme", "Co"), ocrLine("Invoice", "Number:", "INV-9")}
	secondLines := []computervision.OcrLine{ocrLine("Total:", "10.00")}
	regions := []computervision.OcrRegion{{Lines: &firstLines}, {Lines: &secondLines}}
	fake := &recognizerFake{result: computervision.OcrResult{Regions: &regions}}
	vision := &AzureVision{client: fake}

	text, err := vision.ExtractText(context.Background(), testPNG(t, 32, 16), "image/png")
	if err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}
	want := "Acme Co\nInvoice Number: INV-9\n\nTotal: 10.00"
	if text != want {
		t.Fatalf("unexpected text %q", text)
	}
	if !bytes.HasPrefix(fake.received, []byte{0xFF, 0xD8}) {
		t.Fatalf("expected a JPEG payload")
	}
}

func TestAzureVisionRejectsUndecodableImage(t *testing.T) {
	fake := &recognizerFake{}
	vision := &AzureVision{client: fake}

	_, err := vision.ExtractText(context.Background(), []byte("not an image"), "image/png")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if fake.received != nil {
		t.Fatalf("undecodable image must not reach the service")
	}
}

func TestAzureVisionMapsClientErrors(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{status: 400, permanent: true},
		{status: 415, permanent: true},
		{status: 429, permanent: false},
		{status: 503, permanent: false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			fake := &recognizerFake{err: autorest.DetailedError{StatusCode: tc.status, Message: "failed"}}
			vision := &AzureVision{client: fake}

			_, err := vision.ExtractText(context.Background(), testPNG(t, 8, 8), "image/png")
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := errors.Is(err, domain.ErrInvalidInput); got != tc.permanent {
				t.Fatalf("permanent = %v, want %v (%v)", got, tc.permanent, err)
			}
			if got := ClassifyError(err).Retryable; got == tc.permanent {
				t.Fatalf("retryable = %v for status %d", got, tc.status)
			}
		})
	}
}

func TestPrepareImageBoundsSize(t *testing.T) {
	out, err := prepareImage(testPNG(t, maxImageSide+100, 10), true)
	if err != nil {
		t.Fatalf("prepareImage() error = %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() > maxImageSide {
		t.Fatalf("width %d exceeds %d", b.Dx(), maxImageSide)
	}
}

// buildPDF writes a single page PDF with one line of Helvetica text.
func buildPDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestPDFTextReadsTextLayer(t *testing.T) {
	text, err := NewPDFText(5).ExtractText(context.Background(), buildPDF("Invoice Number: INV-7"), "application/pdf")
	if err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}
	if !strings.Contains(text, "INV-7") {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestPDFTextRejectsNonPDF(t *testing.T) {
	_, err := NewPDFText(5).ExtractText(context.Background(), []byte("plain words"), "application/pdf")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if ClassifyError(err).Retryable {
		t.Fatalf("invalid pdf must not be retried")
	}
}

type providerFake struct {
	calls int
}

func (p *providerFake) ExtractText(context.Context, []byte, string) (string, error) {
	p.calls++
	return "ok", nil
}

func TestRouterDispatchesByContentType(t *testing.T) {
	pdfProvider := &providerFake{}
	imageProvider := &providerFake{}
	router := NewRouter(pdfProvider, imageProvider)

	for _, ct := range []string{"application/pdf", "image/png", "image/jpeg", "image/tiff"} {
		if _, err := router.ExtractText(context.Background(), []byte("x"), ct); err != nil {
			t.Fatalf("ExtractText(%s) error = %v", ct, err)
		}
	}
	if pdfProvider.calls != 1 || imageProvider.calls != 3 {
		t.Fatalf("unexpected routing pdf=%d image=%d", pdfProvider.calls, imageProvider.calls)
	}
	if _, err := router.ExtractText(context.Background(), []byte("x"), "text/plain"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for text/plain, got %v", err)
	}
}

func TestRouterWithoutImageProvider(t *testing.T) {
	router := NewRouter(&providerFake{}, nil)
	if _, err := router.ExtractText(context.Background(), []byte("x"), "image/png"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

type pageOCRFake struct {
	pages        []string
	contentTypes []string
}

func (f *pageOCRFake) ExtractText(_ context.Context, data []byte, contentType string) (string, error) {
	f.contentTypes = append(f.contentTypes, contentType)
	f.pages = append(f.pages, string(data))
	return "text of " + string(data), nil
}

func TestRouterOCRsScannedPDFPages(t *testing.T) {
	pages := &pageOCRFake{}
	router := NewRouter(NewPDFText(5), pages)
	router.scans = func([]byte) ([]pageImage, error) {
		return []pageImage{
			{page: 1, contentType: "image/jpeg", data: []byte("scan-1")},
			{page: 2, contentType: "image/png", data: []byte("scan-2")},
		}, nil
	}

	text, err := router.ExtractText(context.Background(), buildPDF(""), "application/pdf")
	if err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}
	if text != "text of scan-1\ntext of scan-2" {
		t.Fatalf("unexpected text %q", text)
	}
	if len(pages.contentTypes) != 2 || pages.contentTypes[0] != "image/jpeg" || pages.contentTypes[1] != "image/png" {
		t.Fatalf("unexpected page calls %v", pages.contentTypes)
	}
}

func TestRouterScannedPDFWithoutImages(t *testing.T) {
	pages := &pageOCRFake{}
	router := NewRouter(NewPDFText(5), pages)
	router.scans = func([]byte) ([]pageImage, error) { return nil, nil }

	_, err := router.ExtractText(context.Background(), buildPDF(""), "application/pdf")
	if !errors.Is(err, ErrNoTextLayer) || !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected no-text-layer invalid input, got %v", err)
	}
	if len(pages.pages) != 0 {
		t.Fatalf("image provider must not be called")
	}
}

func TestRouterScannedPDFWithoutImageProvider(t *testing.T) {
	router := NewRouter(NewPDFText(5), nil)
	router.scans = func([]byte) ([]pageImage, error) {
		t.Fatalf("scans must not be extracted without an image provider")
		return nil, nil
	}
	if _, err := router.ExtractText(context.Background(), buildPDF(""), "application/pdf"); !errors.Is(err, ErrNoTextLayer) {
		t.Fatalf("expected ErrNoTextLayer, got %v", err)
	}
}

func TestRouterKeepsTextLayer(t *testing.T) {
	pages := &pageOCRFake{}
	router := NewRouter(NewPDFText(5), pages)
	text, err := router.ExtractText(context.Background(), buildPDF("Invoice Number: INV-9"), "application/pdf")
	if err != nil || !strings.Contains(text, "INV-9") {
		t.Fatalf("ExtractText() = %q, %v", text, err)
	}
	if len(pages.pages) != 0 {
		t.Fatalf("digital pdf must not reach image ocr")
	}
}

func TestExtractPageImagesRejectsNonPDF(t *testing.T) {
	if _, err := extractPageImages([]byte("not a pdf")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{name: "canceled", err: context.Canceled},
		{name: "deadline", err: context.DeadlineExceeded, retryable: true, record: true},
		{name: "open circuit", err: gobreaker.ErrOpenState, retryable: true, record: true},
		{name: "invalid input", err: domain.WrapError(domain.ErrInvalidInput, "ocr", errors.New("bad")), retryable: false},
		{name: "unknown", err: errors.New("boom"), retryable: true, record: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyError(tc.err)
			if got.Retryable != tc.retryable || got.RecordFailure != tc.record {
				t.Fatalf("ClassifyError(%v) = %+v", tc.err, got)
			}
		})
	}
}
