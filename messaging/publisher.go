package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
)

// Publisher is the entry point used by application code. Publish never
// fails from the caller's point of view: when the broker is unreachable the
// message is logged and dropped.
type Publisher struct {
	conn    Connector
	batch   *Accumulator
	logger  *slog.Logger
	metrics MetricsCollector

	reconnectRetries int
	reconnectDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

type publisherConfig struct {
	logger           *slog.Logger
	metrics          MetricsCollector
	appID            string
	batchSize        int
	batchInterval    time.Duration
	maxPending       int
	reconnectRetries int
	reconnectDelay   time.Duration
}

// PublisherOption configures the Publisher
type PublisherOption func(*publisherConfig)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(cfg *publisherConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) PublisherOption {
	return func(cfg *publisherConfig) {
		cfg.metrics = metrics
	}
}

// WithAppID sets the AppId property on every published message
func WithAppID(appID string) PublisherOption {
	return func(cfg *publisherConfig) {
		cfg.appID = appID
	}
}

// WithBatchSize sets the queue length that triggers an immediate flush
func WithBatchSize(size int) PublisherOption {
	return func(cfg *publisherConfig) {
		cfg.batchSize = size
	}
}

// WithBatchInterval sets the period of the flush ticker
func WithBatchInterval(interval time.Duration) PublisherOption {
	return func(cfg *publisherConfig) {
		cfg.batchInterval = interval
	}
}

// WithMaxPending caps the number of queued messages
func WithMaxPending(limit int) PublisherOption {
	return func(cfg *publisherConfig) {
		cfg.maxPending = limit
	}
}

// WithReconnectPolicy sets the retries used after a failed startup connect
func WithReconnectPolicy(retries int, delay time.Duration) PublisherOption {
	return func(cfg *publisherConfig) {
		cfg.reconnectRetries = retries
		cfg.reconnectDelay = delay
	}
}

// NewPublisher creates a publisher on top of conn. It does not connect;
// call OnInit from the host's startup sequence.
func NewPublisher(conn Connector, options ...PublisherOption) *Publisher {
	cfg := &publisherConfig{
		logger:           slog.Default(),
		metrics:          noopMetrics{},
		appID:            "mmate-notify",
		batchSize:        DefaultBatchSize,
		batchInterval:    DefaultBatchInterval,
		maxPending:       DefaultMaxPending,
		reconnectRetries: 5,
		reconnectDelay:   4 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Publisher{
		conn:             conn,
		logger:           cfg.logger,
		metrics:          cfg.metrics,
		reconnectRetries: cfg.reconnectRetries,
		reconnectDelay:   cfg.reconnectDelay,
		ctx:              ctx,
		cancel:           cancel,
	}

	p.batch = NewAccumulator(ctx, conn, AccumulatorConfig{
		Exchange:   conn.Exchange(),
		AppID:      cfg.appID,
		BatchSize:  cfg.batchSize,
		Interval:   cfg.batchInterval,
		MaxPending: cfg.maxPending,
	}, cfg.logger, cfg.metrics)

	conn.AddStateListener(&stateLogger{publisher: p})

	return p
}

// Pending returns the number of messages waiting for the next flush
func (p *Publisher) Pending() int {
	return p.batch.Len()
}

// Publish queues message for routingKey. If there is no live channel one
// connect attempt is made first; if that fails too the message is dropped.
func (p *Publisher) Publish(ctx context.Context, routingKey string, message any) {
	if p.closed.Load() {
		p.logger.Warn("publisher closed, dropping message", "routingKey", routingKey)
		p.metrics.MessageDropped(routingKey, DropClosed)
		return
	}

	msg, err := NewPendingMessage(routingKey, message)
	if err != nil {
		p.logger.Error("failed to encode message, dropping",
			"routingKey", routingKey,
			"error", err)
		p.metrics.MessageDropped(routingKey, DropEncode)
		return
	}

	if _, err := p.conn.Channel(); err != nil {
		p.logger.Warn("channel not initialized, connecting", "routingKey", routingKey)
		if err := p.conn.Connect(ctx); err != nil {
			p.logger.Error("failed to get channel after connect, dropping message",
				"routingKey", routingKey,
				"messageId", msg.MessageID,
				"error", err)
			p.metrics.MessageDropped(routingKey, DropNotConnected)
			return
		}
	}

	p.batch.Enqueue(ctx, msg)
}

// Flush publishes whatever is queued right now
func (p *Publisher) Flush(ctx context.Context) error {
	return p.batch.Flush(ctx)
}

// Close refuses new messages, stops the flush ticker, flushes once more,
// drops anything that could not be sent, then closes the channel and the
// connection. Every step runs
// even if an earlier one fails; errors are logged and also returned. Calling
// Close again is a no-op.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	p.batch.Seal()
	p.batch.StopTimer()

	if err := p.batch.Flush(ctx); err != nil {
		p.logger.Error("final flush incomplete", "error", err)
		errs = append(errs, err)
	}
	p.batch.Discard()

	p.cancel()

	if err := p.conn.Close(); err != nil {
		p.logger.Error("error closing RabbitMQ", "error", err)
		errs = append(errs, err)
	}

	p.logger.Info("publisher closed")

	return errors.Join(errs...)
}

// OnInit connects once at startup. A failure is not fatal: the service keeps
// running in degraded mode and a background reconnect is started.
func (p *Publisher) OnInit(ctx context.Context) {
	err := p.conn.Connect(ctx)
	if err == nil {
		return
	}

	p.logger.Error("RabbitMQ connect failed, continuing without broker", "error", err)

	if rabbitmq.IsFatal(err) {
		return
	}

	go func() {
		_ = p.conn.Reconnect(p.ctx, p.reconnectRetries, p.reconnectDelay)
	}()
}

// OnShutdown closes the publisher during host teardown
func (p *Publisher) OnShutdown(ctx context.Context) error {
	return p.Close(ctx)
}

// stateLogger reports connection state changes together with the backlog
type stateLogger struct {
	publisher *Publisher
}

func (l *stateLogger) OnConnected() {
	l.publisher.logger.Info("publisher connected", "pending", l.publisher.Pending())
}

func (l *stateLogger) OnDisconnected(err error) {
	l.publisher.logger.Warn("publisher disconnected",
		"pending", l.publisher.Pending(),
		"error", err)
}

func (l *stateLogger) OnReconnecting(attempt int) {
	l.publisher.logger.Debug("publisher waiting for reconnect", "attempt", attempt)
}
