package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"chorus/presence-service/models"
)

// kafkaEvent is the analytics-facing shape of one transition.
type kafkaEvent struct {
	ID             string        `json:"id"`
	EventType      string        `json:"event_type"`
	UserID         string        `json:"user_id"`
	WorkspaceID    string        `json:"workspace_id,omitempty"`
	Status         models.Status `json:"status"`
	PreviousStatus models.Status `json:"previous_status"`
	Reason         string        `json:"reason"`
	Timestamp      time.Time     `json:"timestamp"`
}

// EventType is the Kafka event_type for a transition into status.
func EventType(status models.Status) string {
	return "presence." + string(status)
}

// KafkaEmitter mirrors history entries onto a Kafka topic.
type KafkaEmitter struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaEmitter returns nil when brokers or topic are empty; a nil
// emitter is valid and does nothing.
func NewKafkaEmitter(brokers []string, topic string) *KafkaEmitter {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaEmitter{writer: writer, topic: topic}
}

// Encode builds the Kafka message for entry. Messages are keyed by user so
// one user's transitions stay ordered within a partition.
func Encode(entry models.HistoryEntry) (kafka.Message, error) {
	payload, err := json.Marshal(kafkaEvent{
		ID:             entry.ID,
		EventType:      EventType(entry.ToStatus.Public()),
		UserID:         entry.UserID,
		WorkspaceID:    entry.WorkspaceID,
		Status:         entry.ToStatus.Public(),
		PreviousStatus: entry.FromStatus.Public(),
		Reason:         entry.Reason,
		Timestamp:      entry.OccurredAt.UTC(),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal history entry: %w", err)
	}
	return kafka.Message{
		Key:   []byte(entry.UserID),
		Value: payload,
		Time:  entry.OccurredAt,
	}, nil
}

func (k *KafkaEmitter) Emit(ctx context.Context, entry models.HistoryEntry) error {
	if k == nil || k.writer == nil {
		return nil
	}
	msg, err := Encode(entry)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("kafka emit to %s: %w", k.topic, err)
	}
	return nil
}

func (k *KafkaEmitter) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
