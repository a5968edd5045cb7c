package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

// ConnectNATS dials the NATS server, retrying while it comes up.
func ConnectNATS(url, name string, logger *utils.Logger) (*nats.Conn, error) {
	var (
		nc  *nats.Conn
		err error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
			return nc, nil
		}
		logger.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to NATS: %w", err)
}

// NATSBus maps presence topics one-to-one onto NATS subjects.
type NATSBus struct {
	nc     *nats.Conn
	logger *utils.Logger
}

func NewNATSBus(nc *nats.Conn, logger *utils.Logger) *NATSBus {
	return &NATSBus{
		nc:     nc,
		logger: logger,
	}
}

func (b *NATSBus) Publish(_ context.Context, topic string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w: %w", topic, models.ErrUnavailable, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, topics ...string) (Subscription, error) {
	topics = uniqueTopics(topics)
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", models.ErrValidation)
	}
	if b.nc.IsClosed() {
		return nil, ErrClosed
	}

	sub := &natsSubscription{
		events: make(chan models.Event, subscriberBuffer),
	}
	for _, topic := range topics {
		s, err := b.nc.Subscribe(topic, func(msg *nats.Msg) {
			var event models.Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				b.logger.Error("Failed to parse event", "subject", msg.Subject, "error", err)
				return
			}
			sub.deliver(event, b.logger, msg.Subject)
		})
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("subscribe %s: %w: %w", topic, models.ErrUnavailable, err)
		}
		sub.subs = append(sub.subs, s)
	}

	if err := b.nc.Flush(); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w: %w", models.ErrUnavailable, err)
	}
	return sub, nil
}

// Close drains the connection so in-flight publishes are sent.
func (b *NATSBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

type natsSubscription struct {
	mu     sync.RWMutex
	subs   []*nats.Subscription
	events chan models.Event
	closed bool
}

func (s *natsSubscription) deliver(event models.Event, logger *utils.Logger, subject string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		logger.Warn("Dropping event for slow subscriber", "subject", subject, "event", event.Event)
	}
}

func (s *natsSubscription) Events() <-chan models.Event {
	return s.events
}

func (s *natsSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	close(s.events)
	return firstErr
}
