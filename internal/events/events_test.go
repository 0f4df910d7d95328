package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"qms/visit-service/internal/models"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

type publisherFunc func(ctx context.Context, snapshot models.QueueSnapshot) error

func (f publisherFunc) PublishQueueUpdated(ctx context.Context, snapshot models.QueueSnapshot) error {
	return f(ctx, snapshot)
}

func TestKafkaPublisherKeysByDepartment(t *testing.T) {
	writer := &fakeWriter{}
	p := &KafkaPublisher{writer: writer, topic: TopicQueueUpdated, logger: zerolog.Nop()}

	token := "GM-101"
	err := p.PublishQueueUpdated(context.Background(), models.QueueSnapshot{
		DepartmentID: "GM",
		NowServing:   &token,
		Serving:      []string{token},
		Revision:     7,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}
	msg := writer.messages[0]
	if string(msg.Key) != "GM" {
		t.Fatalf("expected key GM, got %s", msg.Key)
	}

	var envelope Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.EventType != EventTypeQueueUpdated || envelope.Revision != 7 || envelope.EventID == "" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	var snapshot models.QueueSnapshot
	if err := json.Unmarshal(envelope.Payload, &snapshot); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if snapshot.NowServing == nil || *snapshot.NowServing != "GM-101" {
		t.Fatalf("unexpected payload: %+v", snapshot)
	}
}

func TestKafkaPublisherReturnsWriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("no brokers")}, topic: TopicQueueUpdated, logger: zerolog.Nop()}
	if err := p.PublishQueueUpdated(context.Background(), models.QueueSnapshot{DepartmentID: "GM"}); err == nil {
		t.Fatalf("expected write error")
	}
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaOptions{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestFanoutCallsEveryPublisher(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	fanout := Fanout{
		publisherFunc(func(ctx context.Context, snapshot models.QueueSnapshot) error {
			calls = append(calls, "hub")
			return nil
		}),
		nil,
		publisherFunc(func(ctx context.Context, snapshot models.QueueSnapshot) error {
			calls = append(calls, "kafka")
			return boom
		}),
		publisherFunc(func(ctx context.Context, snapshot models.QueueSnapshot) error {
			calls = append(calls, "audit")
			return nil
		}),
	}

	err := fanout.PublishQueueUpdated(context.Background(), models.QueueSnapshot{DepartmentID: "GM"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to wrap boom, got %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected all publishers called, got %v", calls)
	}
}
