package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
)

// ChannelProvider hands out the channel of the current broker session
type ChannelProvider interface {
	Channel() (rabbitmq.Channel, error)
}

// Connector is the connection side of the publisher. It is satisfied by
// *rabbitmq.ConnectionManager.
type Connector interface {
	ChannelProvider

	// Connect makes a single attempt to open a session
	Connect(ctx context.Context) error

	// Reconnect retries Connect with a fixed delay
	Reconnect(ctx context.Context, retries int, delay time.Duration) error

	// Exchange returns the exchange messages are published to
	Exchange() string

	// AddStateListener registers for connection state changes
	AddStateListener(listener rabbitmq.ConnectionStateListener)

	// Close closes the channel and then the connection
	Close() error
}

// Drop reasons reported to the metrics collector
const (
	DropClosed       = "publisher_closed"
	DropNotConnected = "not_connected"
	DropEncode       = "encode_error"
	DropQueueFull    = "queue_full"
	DropPublish      = "publish_error"
	DropChannelLost  = "channel_closed"
	DropShutdown     = "shutdown"
)

// MetricsCollector collects publisher metrics
type MetricsCollector interface {
	// MessagePublished records a message handed to the broker
	MessagePublished(routingKey string)

	// MessageDropped records a message that will never be sent
	MessageDropped(routingKey string, reason string)

	// BatchFlushed records one flush of the batch queue
	BatchFlushed(size int, duration time.Duration)

	// PendingMessages records the current queue length
	PendingMessages(count int)
}

type noopMetrics struct{}

func (noopMetrics) MessagePublished(string) {}

func (noopMetrics) MessageDropped(string, string) {}

func (noopMetrics) BatchFlushed(int, time.Duration) {}

func (noopMetrics) PendingMessages(int) {}

var _ Connector = (*rabbitmq.ConnectionManager)(nil)
