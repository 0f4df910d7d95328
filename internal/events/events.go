// Package events carries queue snapshots beyond the process: a Kafka
// producer for downstream consumers and a Fanout that feeds several
// publishers from one call.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"qms/visit-service/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	TopicQueueUpdated     = "queue.updated"
	EventTypeQueueUpdated = "queue.updated"
)

type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	OccurredAt   time.Time       `json:"occurred_at"`
	DepartmentID string          `json:"department_id"`
	Revision     int64           `json:"revision"`
	Payload      json.RawMessage `json:"payload"`
}

type Publisher interface {
	PublishQueueUpdated(ctx context.Context, snapshot models.QueueSnapshot) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaOptions struct {
	Brokers  []string
	Topic    string
	ClientID string
	Logger   zerolog.Logger
}

// KafkaPublisher writes one message per snapshot, keyed by department so a
// partition preserves per-department order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

func NewKafkaPublisher(options KafkaOptions) (*KafkaPublisher, error) {
	if len(options.Brokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	topic := options.Topic
	if topic == "" {
		topic = TopicQueueUpdated
	}
	logger := options.Logger
	w := &kafka.Writer{
		Addr:         kafka.TCP(options.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: options.ClientID,
		},
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error().Err(err).Int("messages", len(messages)).Msg("kafka queue publish failed")
			}
		},
	}
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}, nil
}

func (p *KafkaPublisher) PublishQueueUpdated(ctx context.Context, snapshot models.QueueSnapshot) error {
	ctx, span := otel.Tracer("qms/visit-service/events").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("qms.department_id", snapshot.DepartmentID),
	)
	defer span.End()

	value, err := EncodeSnapshot(snapshot)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(snapshot.DepartmentID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventTypeQueueUpdated)},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func EncodeSnapshot(snapshot models.QueueSnapshot) ([]byte, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		EventID:      uuid.NewString(),
		EventType:    EventTypeQueueUpdated,
		OccurredAt:   snapshot.GeneratedAt,
		DepartmentID: snapshot.DepartmentID,
		Revision:     snapshot.Revision,
		Payload:      payload,
	})
}

// Fanout publishes to every publisher and reports all failures together.
// One failing publisher does not stop the others.
type Fanout []Publisher

func (f Fanout) PublishQueueUpdated(ctx context.Context, snapshot models.QueueSnapshot) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.PublishQueueUpdated(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
