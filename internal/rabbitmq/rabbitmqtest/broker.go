// Package rabbitmqtest provides an in-memory broker for tests of code built
// on the rabbitmq package.
package rabbitmqtest

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialRefused is returned by dials configured to fail
var ErrDialRefused = errors.New("rabbitmqtest: connection refused")

// Published is a message received by the fake broker
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Broker records dials, declarations and publishes
type Broker struct {
	mu          sync.Mutex
	dials       int
	failDials   int
	dialErr     error
	declareErr  error
	publishHook func(Published) error
	declared    []string
	published   []Published
	conns       []*Connection
}

// NewBroker creates an empty broker that accepts every dial
func NewBroker() *Broker {
	return &Broker{}
}

// Dialer returns a rabbitmq.Dialer connecting to this broker
func (b *Broker) Dialer() rabbitmq.Dialer {
	return func(ctx context.Context, url string) (rabbitmq.Connection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.dials++
		if b.failDials != 0 {
			if b.failDials > 0 {
				b.failDials--
			}
			return nil, b.dialErr
		}

		conn := &Connection{broker: b}
		b.conns = append(b.conns, conn)
		return conn, nil
	}
}

// FailDials makes the next n dials fail with err. A negative n fails every
// dial until FailDials(0, nil) is called.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrDialRefused
	}
	b.failDials = n
	b.dialErr = err
}

// FailDeclare makes exchange declarations fail with err until reset with nil
func (b *Broker) FailDeclare(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareErr = err
}

// OnPublish installs a hook that can reject individual publishes
func (b *Broker) OnPublish(hook func(Published) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishHook = hook
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Declared returns the names of exchanges declared so far
func (b *Broker) Declared() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.declared...)
}

// Published returns every accepted message in arrival order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// RoutingKeys returns the routing keys of accepted messages in arrival order
func (b *Broker) RoutingKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.published))
	for _, p := range b.published {
		keys = append(keys, p.RoutingKey)
	}
	return keys
}

// Connections returns every connection handed out
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.conns...)
}

// LastConnection returns the most recent connection or nil
func (b *Broker) LastConnection() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// Connection is a fake broker connection
type Connection struct {
	broker *Broker

	mu        sync.Mutex
	closed    bool
	closeErr  error
	onClose   []chan *amqp.Error
	onBlocked []chan amqp.Blocking
	channels  []*Channel
}

// Channel opens a fake channel
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// LastChannel returns the most recently opened channel or nil
func (c *Connection) LastChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.onClose = append(c.onClose, receiver)
	return receiver
}

func (c *Connection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.onBlocked = append(c.onBlocked, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetCloseError makes Close fail with err after closing
func (c *Connection) SetCloseError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

// Close is a client initiated close. Listeners are closed without an error.
func (c *Connection) Close() error {
	c.shutdown(nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Kill simulates the broker or the network dropping the connection
func (c *Connection) Kill(reason string) {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
}

// Block simulates a broker resource alarm
func (c *Connection) Block(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.onBlocked {
		select {
		case l <- amqp.Blocking{Active: true, Reason: reason}:
		default:
		}
	}
}

func (c *Connection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	listeners := c.onClose
	blocked := c.onBlocked
	c.onClose = nil
	c.onBlocked = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, l := range listeners {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	for _, l := range blocked {
		close(l)
	}
}

// Channel is a fake channel
type Channel struct {
	conn *Connection

	mu       sync.Mutex
	closed   bool
	closeErr error
	onClose  []chan *amqp.Error
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.declareErr != nil {
		return b.declareErr
	}
	if kind != rabbitmq.ExchangeTypeDirect || !durable {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg"}
	}
	b.declared = append(b.declared, name)
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}

	p := Published{Exchange: exchange, RoutingKey: key, Msg: msg}

	b := ch.conn.broker
	b.mu.Lock()
	hook := b.publishHook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(p); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.published = append(b.published, p)
	b.mu.Unlock()
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.onClose = append(ch.onClose, receiver)
	return receiver
}

func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// SetCloseError makes Close fail with err after closing
func (ch *Channel) SetCloseError(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeErr = err
}

func (ch *Channel) Close() error {
	ch.shutdown(nil)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeErr
}

// Kill simulates a channel level exception raised by the broker
func (ch *Channel) Kill(reason string) {
	ch.shutdown(&amqp.Error{Code: amqp.NotFound, Reason: reason, Server: true})
}

func (ch *Channel) shutdown(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	listeners := ch.onClose
	ch.onClose = nil
	ch.mu.Unlock()

	for _, l := range listeners {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
}
