package pubsub

import (
	"context"
	"fmt"
	"sync"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

// LocalBus is an in-process bus for single-node deployments and tests.
type LocalBus struct {
	mu     sync.RWMutex
	topics map[string]map[*localSubscription]struct{}
	closed bool
	logger *utils.Logger
}

func NewLocalBus(logger *utils.Logger) *LocalBus {
	return &LocalBus{
		topics: make(map[string]map[*localSubscription]struct{}),
		logger: logger,
	}
}

func (b *LocalBus) Publish(_ context.Context, topic string, event models.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for sub := range b.topics[topic] {
		select {
		case sub.events <- event:
		default:
			b.logger.Warn("Dropping event for slow subscriber", "topic", topic, "event", event.Event)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, topics ...string) (Subscription, error) {
	topics = uniqueTopics(topics)
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", models.ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &localSubscription{
		bus:    b,
		topics: topics,
		events: make(chan models.Event, subscriberBuffer),
	}
	for _, topic := range topics {
		subs, ok := b.topics[topic]
		if !ok {
			subs = make(map[*localSubscription]struct{})
			b.topics[topic] = subs
		}
		subs[sub] = struct{}{}
	}
	return sub, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	done := make(map[*localSubscription]bool)
	for _, subs := range b.topics {
		for sub := range subs {
			if !done[sub] {
				done[sub] = true
				sub.once.Do(func() { close(sub.events) })
			}
		}
	}
	b.topics = make(map[string]map[*localSubscription]struct{})
	return nil
}

func (b *LocalBus) unsubscribe(sub *localSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		if subs, ok := b.topics[topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
	}
	sub.once.Do(func() { close(sub.events) })
}

type localSubscription struct {
	bus    *LocalBus
	topics []string
	events chan models.Event
	once   sync.Once
}

func (s *localSubscription) Events() <-chan models.Event {
	return s.events
}

func (s *localSubscription) Close() error {
	s.bus.unsubscribe(s)
	return nil
}
