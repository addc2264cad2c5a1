package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
)

type QueueConfig struct {
	Stream   string
	Subject  string
	Consumer string
	AckWait  time.Duration
	// MaxDeliver bounds redeliveries of one message; <= 0 means unlimited.
	MaxDeliver int
	// BackoffDelay is the NAK delay used when the worker pool is saturated.
	BackoffDelay time.Duration
}

func (c QueueConfig) normalize() QueueConfig {
	if c.Stream == "" {
		c.Stream = "DOCUMENT_JOBS"
	}
	if c.Subject == "" {
		c.Subject = "documents.process"
	}
	if c.Consumer == "" {
		c.Consumer = "document-workers"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = -1
	}
	if c.BackoffDelay <= 0 {
		c.BackoffDelay = 2 * time.Second
	}
	return c
}

type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Queue carries document ids from the API to the workers on a JetStream
// work-queue stream. Messages are acked only after the worker pool accepted
// the document.
type Queue struct {
	conn      *Conn
	publisher jetStreamPublisher
	executor  *resilience.Executor
	cfg       QueueConfig
}

// NewQueue creates or updates the work-queue stream.
func NewQueue(ctx context.Context, conn *Conn, cfg QueueConfig) (*Queue, error) {
	cfg = cfg.normalize()
	_, err := conn.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return &Queue{conn: conn, publisher: conn.js, executor: conn.executor, cfg: cfg}, nil
}

func (q *Queue) EnqueueDocument(ctx context.Context, documentID string) error {
	call := func(callCtx context.Context) error {
		if _, err := q.publisher.Publish(callCtx, q.cfg.Subject, []byte(documentID)); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// ConsumeDocuments blocks until ctx is done, feeding each queued document id
// to handler. A handler returning domain.ErrQueueFull gets the message
// redelivered after the backoff delay.
func (q *Queue) ConsumeDocuments(ctx context.Context, handler func(context.Context, string) error) error {
	consumer, err := q.conn.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       q.cfg.Consumer,
		FilterSubject: q.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", q.cfg.Consumer, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		handleMessage(ctx, msg, handler, q.cfg.BackoffDelay)
	})
	if err != nil {
		return fmt.Errorf("nats consume: %w", err)
	}

	<-ctx.Done()
	consumeCtx.Drain()
	select {
	case <-consumeCtx.Closed():
	case <-time.After(5 * time.Second):
		consumeCtx.Stop()
	}
	return nil
}

// message is the part of jetstream.Msg the consumer relies on.
type message interface {
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

func handleMessage(ctx context.Context, msg message, handler func(context.Context, string) error, backoff time.Duration) {
	documentID := strings.TrimSpace(string(msg.Data()))
	if documentID == "" {
		slog.Warn("queue_message_invalid", "reason", "empty document id")
		if err := msg.Term(); err != nil {
			slog.Warn("queue_term_failed", "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		// Leave unacked; JetStream redelivers after AckWait.
		return
	}

	err := handler(ctx, documentID)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			slog.Warn("queue_ack_failed", "document_id", documentID, "error", err)
		}
	case errors.Is(err, domain.ErrQueueFull), domain.IsKind(err, domain.ErrTemporary):
		slog.Debug("queue_redeliver", "document_id", documentID, "delay", backoff.String())
		if err := msg.NakWithDelay(backoff); err != nil {
			slog.Warn("queue_nak_failed", "document_id", documentID, "error", err)
		}
	default:
		slog.Error("queue_handler_failed", "document_id", documentID, "error", err)
		if err := msg.Term(); err != nil {
			slog.Warn("queue_term_failed", "document_id", documentID, "error", err)
		}
	}
}
