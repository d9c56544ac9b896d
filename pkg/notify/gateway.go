// Package notify delivers email notifications. The request service only sees
// the Gateway contract; delivery itself happens behind it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/docsupply/platform/pkg/common/logger"
	"github.com/sirupsen/logrus"
)

const (
	EventEmailRequested = "notification.email.requested"
	eventSource         = "request-service"
)

var ErrInvalidRecipient = errors.New("invalid recipient address")

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (m Message) validate() error {
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, m.To)
	}
	return nil
}

// Gateway sends one message. Implementations do not retry; a returned error
// means this message was not handed off.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// Publisher is the slice of the Kafka producer the gateway needs.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType, source, key string, data map[string]interface{}) error
}

// KafkaGateway hands messages to the mailer service through a topic.
type KafkaGateway struct {
	publisher Publisher
}

func NewKafkaGateway(publisher Publisher) *KafkaGateway {
	return &KafkaGateway{publisher: publisher}
}

func (g *KafkaGateway) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	data := map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
		"body":    msg.Body,
	}
	if err := g.publisher.PublishEvent(ctx, EventEmailRequested, eventSource, strings.ToLower(msg.To), data); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}

// MessageFromEvent is the inverse of KafkaGateway.Send, used by the mailer.
func MessageFromEvent(data map[string]interface{}) (Message, error) {
	get := func(key string) string {
		v, _ := data[key].(string)
		return v
	}
	msg := Message{To: get("to"), Subject: get("subject"), Body: get("body")}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// LogGateway only logs. It backs local runs without a broker.
type LogGateway struct{}

func (LogGateway) Send(_ context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	logger.Log.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("Notification (log gateway)")
	return nil
}
