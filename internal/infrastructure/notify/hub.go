package notify

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// BroadcastTopic subscribes to updates of every batch.
const BroadcastTopic = "*"

const (
	DefaultSubscriberBuffer  = 16
	DefaultHeartbeatInterval = 15 * time.Second
)

type HubConfig struct {
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
}

// Hub fans status updates out to live subscribers. It keeps both directions
// of the subscription relation so a publish touches only interested
// subscribers and a disconnect touches only its own topics.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	topics      map[string]map[string]struct{}
	members     map[string]map[string]struct{}
	cfg         HubConfig
	dropped     atomic.Int64
}

type Subscriber struct {
	id     string
	ch     chan domain.StatusUpdate
	hub    *Hub
	once   sync.Once
	closed bool
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		topics:      make(map[string]map[string]struct{}),
		members:     make(map[string]map[string]struct{}),
		cfg:         cfg,
	}
}

// Connect registers a subscriber with no topics.
func (h *Hub) Connect() *Subscriber {
	s := &Subscriber{
		id:  uuid.NewString(),
		ch:  make(chan domain.StatusUpdate, h.cfg.SubscriberBuffer),
		hub: h,
	}
	h.mu.Lock()
	h.subscribers[s.id] = s
	h.topics[s.id] = make(map[string]struct{})
	h.mu.Unlock()
	return s
}

// Subscribe adds topic (a batch id or BroadcastTopic) to the subscriber.
// Subscribing twice is a no-op. Returns false for unknown subscribers.
func (h *Hub) Subscribe(subscriberID, topic string) bool {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.topics[subscriberID]
	if !ok {
		return false
	}
	topics[topic] = struct{}{}
	members := h.members[topic]
	if members == nil {
		members = make(map[string]struct{})
		h.members[topic] = members
	}
	members[subscriberID] = struct{}{}
	return true
}

func (h *Hub) Unsubscribe(subscriberID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(subscriberID, topic)
}

func (h *Hub) unsubscribeLocked(subscriberID, topic string) {
	if topics, ok := h.topics[subscriberID]; ok {
		delete(topics, topic)
	}
	if members, ok := h.members[topic]; ok {
		delete(members, subscriberID)
		if len(members) == 0 {
			delete(h.members, topic)
		}
	}
}

// Disconnect removes the subscriber from every topic and closes its channel.
func (h *Hub) Disconnect(subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subscribers[subscriberID]
	if !ok {
		return
	}
	for topic := range h.topics[subscriberID] {
		h.unsubscribeLocked(subscriberID, topic)
	}
	delete(h.topics, subscriberID)
	delete(h.subscribers, subscriberID)
	s.closed = true
	close(s.ch)
}

// Notify delivers update to subscribers of its batch and of the broadcast
// topic. Sends never block; a full subscriber buffer drops the update.
func (h *Hub) Notify(_ context.Context, update domain.StatusUpdate) {
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := make(map[string]struct{})
	for _, topic := range []string{update.BatchID, BroadcastTopic} {
		if topic == "" {
			continue
		}
		for id := range h.members[topic] {
			if _, done := delivered[id]; done {
				continue
			}
			delivered[id] = struct{}{}
			h.send(h.subscribers[id], update)
		}
	}
}

// Run sends heartbeats to every subscriber until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			h.heartbeat(now.UTC())
		}
	}
}

func (h *Hub) heartbeat(at time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subscribers {
		h.send(s, domain.StatusUpdate{Type: domain.UpdateHeartbeat, At: at})
	}
}

// send must run under h.mu so the channel cannot be closed concurrently.
func (h *Hub) send(s *Subscriber, update domain.StatusUpdate) {
	if s == nil || s.closed {
		return
	}
	select {
	case s.ch <- update:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped reports how many updates were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (s *Subscriber) ID() string {
	return s.id
}

func (s *Subscriber) Updates() <-chan domain.StatusUpdate {
	return s.ch
}

func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.Disconnect(s.id)
	})
}

// Watch connects a subscriber to one topic.
func (h *Hub) Watch(topic string) (<-chan domain.StatusUpdate, func()) {
	s := h.Connect()
	h.Subscribe(s.ID(), topic)
	return s.Updates(), s.Close
}
