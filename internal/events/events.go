// Package events emits pin lifecycle events for downstream consumers
// (analytics, notifications).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TypeEnqueued     = "pin.enqueued"
	TypePublished    = "pin.published"
	TypeFailed       = "pin.failed"
	TypeBatchAborted = "pin.batch_aborted"
	TypeRetried      = "pin.retried"

	source = "pin-publisher"
)

type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	JobID     string         `json:"job_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier is fire-and-forget from the caller's view: implementations log
// delivery failures instead of failing the publish path.
type Notifier interface {
	Notify(ctx context.Context, eventType, jobID string, data map[string]any)
	Close() error
}

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaNotifier struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	log     *zap.Logger
}

// NewKafkaWriter builds a synchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafkaNotifier(w MessageWriter, topic string, log *zap.Logger) *KafkaNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaNotifier{writer: w, topic: topic, timeout: 5 * time.Second, log: log}
}

func (k *KafkaNotifier) Notify(ctx context.Context, eventType, jobID string, data map[string]any) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		JobID:     jobID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := k.write(ctx, event); err != nil {
		k.log.Error("failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

func (k *KafkaNotifier) write(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := event.JobID
	if key == "" {
		key = event.ID
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "source", Value: []byte(source)},
		},
	})
}

func (k *KafkaNotifier) Close() error { return k.writer.Close() }

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, map[string]any) {}
func (Nop) Close() error                                          { return nil }
