package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the part of *amqp.Connection the manager depends on.
// NotifyClose and NotifyBlocked are the subscription points for the
// close and error observers.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Channel is the part of *amqp.Channel used for topology and publishing
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a new broker connection
type Dialer func(ctx context.Context, url string) (Connection, error)

var _ Channel = (*amqp.Channel)(nil)

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// NewAMQPDialer returns a Dialer backed by amqp091-go. The connection name
// shows up in the broker management UI.
func NewAMQPDialer(connectionName string, heartbeat time.Duration) Dialer {
	return func(ctx context.Context, url string) (Connection, error) {
		timeout := 30 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}

		cfg := amqp.Config{
			Heartbeat: heartbeat,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(timeout),
			Properties: amqp.Table{
				"connection_name": connectionName,
			},
		}

		connChan := make(chan *amqp.Connection, 1)
		errChan := make(chan error, 1)

		go func() {
			conn, err := amqp.DialConfig(url, cfg)
			if err != nil {
				errChan <- err
				return
			}
			connChan <- conn
		}()

		select {
		case conn := <-connChan:
			return amqpConnection{Connection: conn}, nil
		case err := <-errChan:
			return nil, err
		case <-ctx.Done():
			// Close a connection that completes after we gave up on it
			go func() {
				select {
				case conn := <-connChan:
					conn.Close()
				case <-errChan:
				}
			}()
			return nil, ErrConnectionTimeout
		}
	}
}
