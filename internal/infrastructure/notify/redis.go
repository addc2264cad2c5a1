package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher forwards status updates from a worker process to the API
// processes over a Redis channel. Notify never blocks the pipeline: updates
// are queued and published by Run.
type RedisPublisher struct {
	client  redisPublisher
	channel string
	queue   chan domain.StatusUpdate
}

func NewRedisPublisher(client redisPublisher, channel string, buffer int) *RedisPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   make(chan domain.StatusUpdate, buffer),
	}
}

func (p *RedisPublisher) Notify(_ context.Context, update domain.StatusUpdate) {
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}
	select {
	case p.queue <- update:
	default:
		slog.Warn("notification_dropped", "reason", "publisher buffer full", "batch_id", update.BatchID)
	}
}

// Run publishes queued updates until ctx is done, then flushes what is left
// with a short deadline.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case update := <-p.queue:
			p.publish(ctx, update)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case update := <-p.queue:
					p.publish(flushCtx, update)
				default:
					return nil
				}
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, update domain.StatusUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		slog.Error("notification_encode_failed", "error", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		slog.Warn("notification_publish_failed", "channel", p.channel, "batch_id", update.BatchID, "error", err)
	}
}

// RedisRelay feeds updates published by workers into the local hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	target  *Hub
}

func NewRedisRelay(client *redis.Client, channel string, target *Hub) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, target: target}
}

func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	slog.Info("notification_relay_started", "channel", r.channel)
	relayMessages(ctx, sub.Channel(), r.target)
	return nil
}

func relayMessages(ctx context.Context, messages <-chan *redis.Message, target *Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var update domain.StatusUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				slog.Warn("notification_decode_failed", "channel", msg.Channel, "error", err)
				continue
			}
			target.Notify(ctx, update)
		}
	}
}
