package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBatchNotFound     = errors.New("batch not found")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrVendorNotFound    = errors.New("vendor not found")
	ErrAnalysisNotFound  = errors.New("analysis not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrProvider          = errors.New("provider failure")
	ErrStorage           = errors.New("storage failure")
	ErrPublication       = errors.New("publication failure")
	ErrConflict          = errors.New("conflict")
	ErrQueueFull         = errors.New("work queue full")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTemporary         = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrVendorNotFound) ||
		errors.Is(err, ErrAnalysisNotFound)
}

// ProcessingError reports a failed document attempt together with the
// re-enqueue decision taken for it.
type ProcessingError struct {
	DocumentID string
	Attempt    int
	Retry      bool
	RetryAfter time.Duration
	Err        error
}

func (e *ProcessingError) Error() string {
	if e == nil {
		return "processing error"
	}
	if e.Retry {
		return fmt.Sprintf("process document %s (attempt %d, retry in %s): %v", e.DocumentID, e.Attempt, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("process document %s (attempt %d, final): %v", e.DocumentID, e.Attempt, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
