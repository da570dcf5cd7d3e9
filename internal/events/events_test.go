package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap/zaptest"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestKafkaNotifierKeysByJob(t *testing.T) {
	w := &captureWriter{}
	n := NewKafkaNotifier(w, "pin-events", zaptest.NewLogger(t))
	n.Notify(context.Background(), TypePublished, "job-1", map[string]any{"external_id": "555"})

	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "job-1" {
		t.Fatalf("message key = %q", msg.Key)
	}
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != TypePublished || ev.JobID != "job-1" || ev.Data["external_id"] != "555" || ev.ID == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(msg.Headers) == 0 || msg.Headers[0].Key != "event-type" || string(msg.Headers[0].Value) != TypePublished {
		t.Fatalf("missing event-type header: %+v", msg.Headers)
	}
}

func TestKafkaNotifierSwallowsWriteErrors(t *testing.T) {
	n := NewKafkaNotifier(&captureWriter{err: errors.New("broker down")}, "pin-events", zaptest.NewLogger(t))
	n.Notify(context.Background(), TypeFailed, "job-1", nil)
}
