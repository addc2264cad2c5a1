package ports

import (
	"context"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// ObjectStorage stores uploaded document bytes.
type ObjectStorage interface {
	Store(ctx context.Context, data []byte, pathHint string) (string, error)
	Retrieve(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// CallGuard runs a fallible provider call under a retry and circuit-breaker
// policy. A timed-out attempt is treated like any other provider error.
type CallGuard interface {
	Execute(ctx context.Context, operation string, fn func(context.Context) error) error
}

// OCRProvider turns document bytes into text.
type OCRProvider interface {
	ExtractText(ctx context.Context, data []byte, contentType string) (string, error)
}

// Summarizer produces the AI summary of a batch digest.
type Summarizer interface {
	Summarize(ctx context.Context, digest domain.BatchDigest, maxContentLength int) (domain.Summary, error)
}

// DocumentQueue carries document ids from the API to the workers.
type DocumentQueue interface {
	EnqueueDocument(ctx context.Context, documentID string) error
	// ConsumeDocuments blocks until ctx is done. A handler error of kind
	// domain.ErrQueueFull asks the queue to redeliver later.
	ConsumeDocuments(ctx context.Context, handler func(context.Context, string) error) error
}

// EventLog is the partitioned append-only log behind the event publisher.
// Append failures are reported as domain.ErrPublication.
type EventLog interface {
	Append(ctx context.Context, topic, key string, payload []byte) error
}

// EventPublisher is the fire-and-forget publication contract.
type EventPublisher interface {
	Publish(topic, key string, event domain.Event)
}

// StatusNotifier pushes live status snapshots to subscribed clients.
type StatusNotifier interface {
	Notify(ctx context.Context, update domain.StatusUpdate)
}

// TaskPool runs document work with bounded concurrency.
type TaskPool interface {
	Submit(task func(context.Context)) error
	SubmitAfter(delay time.Duration, task func(context.Context))
}

// AnalysisTrigger starts the analysis of a batch that reached EXTRACTION_COMPLETED.
type AnalysisTrigger interface {
	Trigger(batchID string)
}
