package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
	"github.com/glimte/mmate-notify/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedConnector holds the first Channel call until release is closed
type gatedConnector struct {
	Connector
	reached chan struct{}
	release chan struct{}
	gated   atomic.Bool
}

func newGatedConnector(conn Connector) *gatedConnector {
	return &gatedConnector{
		Connector: conn,
		reached:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (g *gatedConnector) Channel() (rabbitmq.Channel, error) {
	ch, err := g.Connector.Channel()
	if g.gated.CompareAndSwap(false, true) {
		close(g.reached)
		<-g.release
	}
	return ch, err
}

func newTestPublisher(t *testing.T, conn Connector, options ...PublisherOption) *Publisher {
	t.Helper()
	base := []PublisherOption{
		WithPublisherLogger(quietLogger()),
		WithReconnectPolicy(3, 10*time.Millisecond),
	}
	p := NewPublisher(conn, append(base, options...)...)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestPublisher_Publish(t *testing.T) {
	t.Run("connects lazily on first publish", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestManager(t, broker)
		p := newTestPublisher(t, cm, WithBatchInterval(time.Hour))

		p.Publish(context.Background(), "email.queue", map[string]string{"type": "welcome_email"})

		assert.Equal(t, 1, broker.Dials())
		assert.True(t, cm.IsConnected())
		assert.Equal(t, 1, p.Pending())
	})

	t.Run("builds a persistent JSON message", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connectedManager(t, broker)
		p := newTestPublisher(t, cm, WithAppID("signup-service"), WithBatchInterval(time.Hour))

		payload := map[string]any{
			"type": "welcome_email",
			"to":   "user@example.com",
			"data": map[string]any{"name": "Ada"},
		}
		p.Publish(context.Background(), "email.queue", payload)
		require.NoError(t, p.Flush(context.Background()))

		published := broker.Published()
		require.Len(t, published, 1)

		got := published[0]
		assert.Equal(t, "notifications.direct", got.Exchange)
		assert.Equal(t, "email.queue", got.RoutingKey)
		assert.Equal(t, "application/json", got.Msg.ContentType)
		assert.Equal(t, "utf-8", got.Msg.ContentEncoding)
		assert.Equal(t, amqp.Persistent, got.Msg.DeliveryMode)
		assert.Equal(t, "signup-service", got.Msg.AppId)
		assert.NotEmpty(t, got.Msg.MessageId)
		assert.False(t, got.Msg.Timestamp.IsZero())

		var body map[string]any
		require.NoError(t, json.Unmarshal(got.Msg.Body, &body))
		assert.Equal(t, "welcome_email", body["type"])
		assert.Equal(t, "user@example.com", body["to"])
	})

	t.Run("drops the message when the broker is unreachable", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(-1, nil)
		cm := newTestManager(t, broker)
		metrics := newRecordingMetrics()
		p := newTestPublisher(t, cm, WithMetrics(metrics))

		assert.NotPanics(t, func() {
			p.Publish(context.Background(), "email.queue", "hello")
		})

		assert.Equal(t, 0, p.Pending())
		assert.Equal(t, 1, broker.Dials())
		assert.Equal(t, 1, metrics.Dropped(DropNotConnected))
	})

	t.Run("drops messages that cannot be encoded", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestManager(t, broker)
		metrics := newRecordingMetrics()
		p := newTestPublisher(t, cm, WithMetrics(metrics))

		p.Publish(context.Background(), "email.queue", make(chan int))

		assert.Equal(t, 0, p.Pending())
		assert.Equal(t, 0, broker.Dials())
		assert.Equal(t, 1, metrics.Dropped(DropEncode))
	})

	t.Run("flushes at the batch size", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connectedManager(t, broker)
		p := newTestPublisher(t, cm, WithBatchSize(3), WithBatchInterval(time.Hour))

		ctx := context.Background()
		p.Publish(ctx, "a", 1)
		p.Publish(ctx, "b", 2)
		assert.Empty(t, broker.Published())

		p.Publish(ctx, "c", 3)
		assert.Equal(t, []string{"a", "b", "c"}, broker.RoutingKeys())
		assert.Equal(t, 0, p.Pending())
	})

	t.Run("after a connection close it reconnects or drops", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connectedManager(t, broker)
		p := newTestPublisher(t, cm, WithBatchInterval(time.Hour))

		broker.FailDials(-1, nil)
		broker.LastConnection().Kill("broker restart")

		assert.NotPanics(t, func() {
			p.Publish(context.Background(), "email.queue", "lost")
		})
		assert.Equal(t, 0, p.Pending())

		broker.FailDials(0, nil)
		assert.Eventually(t, func() bool {
			p.Publish(context.Background(), "email.queue", "kept")
			return p.Pending() > 0
		}, time.Second, 10*time.Millisecond)
		assert.True(t, cm.IsConnected())
	})

	t.Run("drops messages after close", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connectedManager(t, broker)
		metrics := newRecordingMetrics()
		p := newTestPublisher(t, cm, WithMetrics(metrics))

		require.NoError(t, p.Close(context.Background()))
		p.Publish(context.Background(), "email.queue", "late")

		assert.Equal(t, 0, p.Pending())
		assert.Equal(t, 1, metrics.Dropped(DropClosed))
	})
}

func TestPublisher_Close(t *testing.T) {
	t.Run("flushes pending messages then closes channel and connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connectedManager(t, broker)
		p := newTestPublisher(t, cm, WithBatchInterval(time.Hour))

		ctx := context.Background()
		p.Publish(ctx, "email.queue", 1)
		p.Publish(ctx, "sms.queue", 2)

		conn := broker.LastConnection()
		ch := conn.LastChannel()

		require.NoError(t, p.Close(ctx))

		assert.Equal(t, []string{"email.queue", "sms.queue"}, broker.RoutingKeys())
		assert.Equal(t, 0, p.Pending())
		assert.True(t, ch.IsClosed())
		assert.True(t, conn.IsClosed())
	})

	t.Run("returns publish errors but still empties the queue and closes", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.OnPublish(func(rabbitmqtest.Published) error {
			return errors.New("resource locked")
		})
		cm := connectedManager(t, broker)
		metrics := newRecordingMetrics()
		p := newTestPublisher(t, cm, WithBatchInterval(time.Hour), WithMetrics(metrics))

		p.Publish(context.Background(), "email.queue", 1)
		conn := broker.LastConnection()

		err := p.Close(context.Background())

		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "email.queue", pubErr.RoutingKey)
		assert.Equal(t, 0, p.Pending())
		assert.True(t, conn.IsClosed())
		assert.False(t, cm.IsConnected())
	})

	t.Run("discards the backlog when there is no channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connectedManager(t, broker)
		metrics := newRecordingMetrics()
		p := newTestPublisher(t, cm, WithBatchInterval(time.Hour), WithMetrics(metrics))

		p.Publish(context.Background(), "email.queue", 1)
		broker.FailDials(-1, nil)
		broker.LastConnection().Kill("gone")

		assert.NoError(t, p.Close(context.Background()))
		assert.Equal(t, 0, p.Pending())
		assert.Equal(t, 1, metrics.Dropped(DropShutdown))
	})

	t.Run("second close is a no-op", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connectedManager(t, broker)
		p := newTestPublisher(t, cm)

		require.NoError(t, p.Close(context.Background()))
		assert.NoError(t, p.Close(context.Background()))
		assert.NoError(t, p.OnShutdown(context.Background()))
	})

	t.Run("a publish racing with close never leaves a message behind", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := connectedManager(t, broker)
		gated := newGatedConnector(cm)
		metrics := newRecordingMetrics()
		p := newTestPublisher(t, gated, WithBatchInterval(time.Hour), WithMetrics(metrics))

		ctx := context.Background()
		done := make(chan struct{})
		go func() {
			defer close(done)
			p.Publish(ctx, "email.queue", "in flight")
		}()

		select {
		case <-gated.reached:
		case <-time.After(time.Second):
			t.Fatal("publish did not reach the channel check")
		}

		require.NoError(t, p.Close(ctx))
		close(gated.release)
		<-done

		assert.Equal(t, 0, p.Pending())
		assert.Empty(t, broker.Published())
		assert.Equal(t, 1, metrics.Dropped(DropClosed))
	})

	t.Run("works without ever connecting", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestManager(t, broker)
		p := newTestPublisher(t, cm)

		assert.NoError(t, p.Close(context.Background()))
		assert.Equal(t, 0, broker.Dials())
	})
}

func TestPublisher_OnInit(t *testing.T) {
	t.Run("connects at startup", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestManager(t, broker)
		p := newTestPublisher(t, cm)

		p.OnInit(context.Background())

		assert.True(t, cm.IsConnected())
		assert.Equal(t, []string{rabbitmq.DefaultExchange}, broker.Declared())
	})

	t.Run("failure starts a background reconnect", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(2, nil)
		cm := newTestManager(t, broker)
		p := newTestPublisher(t, cm)

		assert.NotPanics(t, func() {
			p.OnInit(context.Background())
		})
		assert.False(t, cm.IsConnected())

		assert.Eventually(t, cm.IsConnected, time.Second, 5*time.Millisecond)
		assert.Equal(t, 3, broker.Dials())
	})

	t.Run("configuration errors do not retry", func(t *testing.T) {
		cm := rabbitmq.NewConnectionManager("", rabbitmq.WithLogger(quietLogger()))
		p := newTestPublisher(t, cm)

		assert.NotPanics(t, func() {
			p.OnInit(context.Background())
		})
		assert.False(t, cm.IsConnected())
	})

	t.Run("shutdown stops a pending reconnect", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(-1, nil)
		cm := newTestManager(t, broker)
		p := NewPublisher(cm,
			WithPublisherLogger(quietLogger()),
			WithReconnectPolicy(1000, 10*time.Millisecond))

		p.OnInit(context.Background())
		require.NoError(t, p.OnShutdown(context.Background()))

		time.Sleep(30 * time.Millisecond)
		dials := broker.Dials()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, dials, broker.Dials())
	})
}
