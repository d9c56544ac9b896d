package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/docsupply/platform/pkg/common/models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	headerEventID   = "event-id"
	headerEventType = "event-type"
	headerSource    = "source"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewProducer writes synchronously with acks from all replicas, so a nil
// error from PublishEvent means the broker has the event.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newProducer(writer, topic)
}

func newProducer(writer messageWriter, topic string) *Producer {
	return &Producer{writer: writer, topic: topic, now: time.Now}
}

// PublishEvent wraps data in an Event envelope. key picks the partition; an
// empty key falls back to the event id.
func (p *Producer) PublishEvent(ctx context.Context, eventType, source, key string, data map[string]interface{}) error {
	event := models.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: p.now().UTC(),
	}
	if key == "" {
		key = event.ID
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling %s event: %w", eventType, err)
	}

	fields := logrus.Fields{"event_id": event.ID, "event_type": eventType, "topic": p.topic}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(event.ID)},
			{Key: headerEventType, Value: []byte(eventType)},
			{Key: headerSource, Value: []byte(source)},
		},
	})
	if err != nil {
		logger.Log.WithError(err).WithFields(fields).Error("Failed to publish event")
		return fmt.Errorf("writing to %s: %w", p.topic, err)
	}

	logger.Log.WithFields(fields).Debug("Event published")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
