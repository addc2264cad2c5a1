package nats

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/infrastructure/resilience"
)

type EventLogConfig struct {
	Stream        string
	SubjectPrefix string
}

// EventLog appends pipeline events to a JetStream stream under
// <prefix>.<topic>.<key>, so consumers can filter by topic or by entity.
type EventLog struct {
	publisher jetStreamPublisher
	executor  *resilience.Executor
	prefix    string
}

func NewEventLog(ctx context.Context, conn *Conn, cfg EventLogConfig) (*EventLog, error) {
	if cfg.Stream == "" {
		cfg.Stream = "PIPELINE_EVENTS"
	}
	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "pipeline.events"
	}
	_, err := conn.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{prefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return &EventLog{publisher: conn.js, executor: conn.executor, prefix: prefix}, nil
}

func (l *EventLog) Append(ctx context.Context, topic, key string, payload []byte) error {
	subject := l.subject(topic, key)
	call := func(callCtx context.Context) error {
		if _, err := l.publisher.Publish(callCtx, subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if l.executor != nil {
		err = l.executor.Execute(ctx, "nats.event_log", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.WrapError(domain.ErrPublication, "append event", err)
	}
	return nil
}

func (l *EventLog) subject(topic, key string) string {
	return l.prefix + "." + subjectToken(topic) + "." + subjectToken(key)
}

// subjectToken makes s usable as a single subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
