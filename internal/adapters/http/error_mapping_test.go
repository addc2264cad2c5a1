package httpadapter

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrBatchNotFound, "get batch", errors.New("b1")), http.StatusNotFound},
		{domain.WrapError(domain.ErrDocumentNotFound, "get document", errors.New("d1")), http.StatusNotFound},
		{domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", errors.New("i1")), http.StatusNotFound},
		{domain.WrapError(domain.ErrVendorNotFound, "get vendor", errors.New("v1")), http.StatusNotFound},
		{domain.ErrAnalysisNotFound, http.StatusNotFound},
		{domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("empty")), http.StatusBadRequest},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.WrapError(domain.ErrInvalidTransition, "cancel", errors.New("done")), http.StatusConflict},
		{domain.ErrQueueFull, http.StatusServiceUnavailable},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("wrapped: %w", domain.ErrStorage), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := mapErrorToHTTPStatus(tc.err); got != tc.want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
