package ocr

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Embedded images smaller than this on either side are logos or stamps,
// not page scans.
const minScanSide = 300

type pageImage struct {
	page        int
	contentType string
	data        []byte
}

var scanContentTypes = map[string]string{
	"jpg": "image/jpeg",
	"png": "image/png",
	"tif": "image/tiff",
}

// extractPageImages pulls the embedded page scans out of an image-only PDF,
// ordered by page.
func extractPageImages(data []byte) ([]pageImage, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	var images []pageImage
	err := api.ExtractImages(bytes.NewReader(data), nil, func(img model.Image, _ bool, _ int) error {
		contentType, ok := scanContentTypes[img.FileType]
		if !ok || img.Width < minScanSide || img.Height < minScanSide {
			return nil
		}
		raw, err := io.ReadAll(img)
		if err != nil {
			return fmt.Errorf("read page %d image: %w", img.PageNr, err)
		}
		images = append(images, pageImage{page: img.PageNr, contentType: contentType, data: raw})
		return nil
	}, conf)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "extract pdf scans", err)
	}

	sort.SliceStable(images, func(i, j int) bool { return images[i].page < images[j].page })
	return images, nil
}
