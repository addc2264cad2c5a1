package usecase

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

type EventPublisherConfig struct {
	Partitions    int
	Buffer        int
	AppendTimeout time.Duration
	Observer      PipelineObserver
}

type eventEnvelope struct {
	topic string
	key   string
	event domain.Event
}

// PartitionedEventPublisher hands events to a fixed set of partition
// goroutines chosen by key hash, so events sharing a key reach the log in
// publication order while Publish itself never blocks.
type PartitionedEventPublisher struct {
	log      ports.EventLog
	observer PipelineObserver
	timeout  time.Duration

	mu         sync.RWMutex
	closed     bool
	partitions []chan eventEnvelope
	wg         sync.WaitGroup
}

func NewPartitionedEventPublisher(log ports.EventLog, cfg EventPublisherConfig) *PartitionedEventPublisher {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 8
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	timeout := cfg.AppendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	p := &PartitionedEventPublisher{
		log:        log,
		observer:   observerOrNop(cfg.Observer),
		timeout:    timeout,
		partitions: make([]chan eventEnvelope, partitions),
	}
	for i := range p.partitions {
		ch := make(chan eventEnvelope, buffer)
		p.partitions[i] = ch
		p.wg.Add(1)
		go p.drain(i, ch)
	}
	return p
}

func (p *PartitionedEventPublisher) Publish(topic, key string, event domain.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		slog.Warn("event_dropped", "reason", "publisher closed", "topic", topic, "key", key, "event_type", event.Kind)
		p.observer.RecordEvent(topic, "dropped")
		return
	}

	select {
	case p.partitions[partitionFor(key, len(p.partitions))] <- eventEnvelope{topic: topic, key: key, event: event}:
	default:
		slog.Warn("event_dropped", "reason", "partition buffer full", "topic", topic, "key", key, "event_type", event.Kind)
		p.observer.RecordEvent(topic, "dropped")
	}
}

// Close stops accepting events and waits until every buffered event has been
// handed to the log.
func (p *PartitionedEventPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.partitions {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *PartitionedEventPublisher) drain(partition int, ch <-chan eventEnvelope) {
	defer p.wg.Done()
	for env := range ch {
		p.append(partition, env)
	}
}

func (p *PartitionedEventPublisher) append(partition int, env eventEnvelope) {
	payload, err := json.Marshal(env.event)
	if err != nil {
		slog.Error("event_publish_failed", "topic", env.topic, "key", env.key, "error", err)
		p.observer.RecordEvent(env.topic, "failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.log.Append(ctx, env.topic, env.key, payload); err != nil {
		slog.Warn("event_publish_failed",
			"topic", env.topic,
			"key", env.key,
			"partition", partition,
			"event_type", env.event.Kind,
			"error", err,
		)
		p.observer.RecordEvent(env.topic, "failed")
		return
	}
	p.observer.RecordEvent(env.topic, "published")
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
