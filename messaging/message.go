package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxRoutingKeyLength is the AMQP 0-9-1 short string limit
const maxRoutingKeyLength = 255

var (
	// ErrRoutingKeyTooLong is returned for routing keys the broker would reject
	ErrRoutingKeyTooLong = errors.New("messaging: routing key exceeds 255 bytes")
)

// PendingMessage is a message waiting in the batch queue. It is immutable
// once created; the payload is encoded when the message is accepted.
type PendingMessage struct {
	RoutingKey string
	Payload    []byte
	MessageID  string
	EnqueuedAt time.Time
}

// NewPendingMessage encodes message as UTF-8 JSON. Pass a json.RawMessage
// to publish an already encoded document unchanged.
func NewPendingMessage(routingKey string, message any) (PendingMessage, error) {
	if len(routingKey) > maxRoutingKeyLength {
		return PendingMessage{}, ErrRoutingKeyTooLong
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return PendingMessage{}, fmt.Errorf("failed to encode message for %s: %w", routingKey, err)
	}

	return PendingMessage{
		RoutingKey: routingKey,
		Payload:    payload,
		MessageID:  uuid.NewString(),
		EnqueuedAt: time.Now(),
	}, nil
}

// Publishing builds the wire representation of the message
func (m PendingMessage) Publishing(appID string) amqp.Publishing {
	return amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		MessageId:       m.MessageID,
		Timestamp:       m.EnqueuedAt,
		AppId:           appID,
		Body:            m.Payload,
	}
}

// EmailNotification is the payload consumed from email.queue
type EmailNotification struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	UserID  string `json:"user_id,omitempty"`
}

// WelcomeEmail builds the notification sent after a user signs up
func WelcomeEmail(to, userID string) EmailNotification {
	return EmailNotification{
		Type:    "welcome_email",
		To:      to,
		Subject: "Welcome to Team Cloud!",
		Body:    fmt.Sprintf("Hi %s, your account has been created.", to),
		UserID:  userID,
	}
}
