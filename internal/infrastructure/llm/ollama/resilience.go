package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ollama status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ollama %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

var (
	retryAndRecord = resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	// A malformed or empty answer may well be fine on the next sample, and
	// says nothing about the health of the server.
	retryQuietly = resilience.ErrorClassification{Retryable: true}
	giveUp       = resilience.ErrorClassification{}
)

// ClassifyError decides how the summarize guard treats an Ollama failure.
// Unknown errors are not retried but still count against the breaker.
func ClassifyError(err error) resilience.ErrorClassification {
	var statusErr *HTTPStatusError
	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return giveUp
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, resilience.ErrAttemptTimeout),
		resilience.IsCircuitOpen(err):
		return retryAndRecord
	case errors.As(err, &statusErr):
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return retryAndRecord
		}
		return giveUp
	case errors.As(err, &netErr):
		return retryAndRecord
	case domain.IsKind(err, domain.ErrProvider):
		return retryQuietly
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
