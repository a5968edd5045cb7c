package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

// RedisBus publishes events over Redis PUBLISH/SUBSCRIBE so every node
// sees every event regardless of which node produced it.
type RedisBus struct {
	redis  *redis.Client
	logger *utils.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

func NewRedisBus(client *redis.Client, logger *utils.Logger) *RedisBus {
	return &RedisBus{
		redis:  client,
		logger: logger,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.redis.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w: %w", topic, models.ErrUnavailable, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed every topic, so events
// published after it returns are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	topics = uniqueTopics(topics)
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", models.ErrValidation)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.redis.Subscribe(ctx, topics...)
	for range topics {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe: %w: %w", models.ErrUnavailable, err)
		}
	}

	sub := &redisSubscription{
		bus:    b,
		ps:     ps,
		events: make(chan models.Event, subscriberBuffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump(b.logger)
	return sub, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type redisSubscription struct {
	bus    *RedisBus
	ps     *redis.PubSub
	events chan models.Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) pump(logger *utils.Logger) {
	defer close(s.events)

	for msg := range s.ps.Channel() {
		var event models.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			logger.Error("Failed to parse event", "topic", msg.Channel, "error", err)
			continue
		}

		select {
		case s.events <- event:
		case <-s.done:
			return
		default:
			logger.Warn("Dropping event for slow subscriber", "topic", msg.Channel, "event", event.Event)
		}
	}
}

func (s *redisSubscription) Events() <-chan models.Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}
