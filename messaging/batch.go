package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultBatchSize is the queue length that triggers an immediate flush
	DefaultBatchSize = 20

	// DefaultBatchInterval is the period of the flush ticker
	DefaultBatchInterval = 2 * time.Second

	// DefaultMaxPending caps the queue while the broker is unreachable
	DefaultMaxPending = 10000
)

// BatchQueue is a FIFO of pending messages safe for concurrent use
type BatchQueue struct {
	mu       sync.Mutex
	messages []PendingMessage
}

// Push appends msg unless the queue already holds limit messages. A limit of
// zero or less means unbounded. It returns the new length.
func (q *BatchQueue) Push(msg PendingMessage, limit int) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit > 0 && len(q.messages) >= limit {
		return len(q.messages), false
	}
	q.messages = append(q.messages, msg)
	return len(q.messages), true
}

// Drain removes and returns every queued message in FIFO order
func (q *BatchQueue) Drain() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	messages := q.messages
	q.messages = nil
	return messages
}

// Len returns the number of queued messages
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// AccumulatorConfig holds the batching policy
type AccumulatorConfig struct {
	Exchange   string
	AppID      string
	BatchSize  int
	Interval   time.Duration
	MaxPending int
}

// Accumulator groups messages and publishes them when the queue reaches the
// batch size or the flush ticker fires, whichever comes first.
type Accumulator struct {
	channels ChannelProvider
	cfg      AccumulatorConfig
	logger   *slog.Logger
	metrics  MetricsCollector

	queue   BatchQueue
	flushMu sync.Mutex

	sealMu sync.RWMutex
	sealed bool

	timerMu sync.Mutex
	timer   *FlushTimer
	stopped bool
	ctx     context.Context
}

// NewAccumulator creates an accumulator. ctx bounds flushes started by the
// ticker.
func NewAccumulator(ctx context.Context, channels ChannelProvider, cfg AccumulatorConfig, logger *slog.Logger, metrics MetricsCollector) *Accumulator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBatchInterval
	}
	if cfg.Exchange == "" {
		cfg.Exchange = rabbitmq.DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	return &Accumulator{
		channels: channels,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
	}
}

// Len returns the number of messages waiting to be flushed
func (a *Accumulator) Len() int {
	return a.queue.Len()
}

// Enqueue adds msg to the queue. Reaching the batch size flushes right away;
// otherwise the flush ticker is started if it is not running yet.
func (a *Accumulator) Enqueue(ctx context.Context, msg PendingMessage) bool {
	a.sealMu.RLock()
	if a.sealed {
		a.sealMu.RUnlock()
		a.logger.Warn("batch queue sealed, dropping message",
			"routingKey", msg.RoutingKey,
			"messageId", msg.MessageID)
		a.metrics.MessageDropped(msg.RoutingKey, DropClosed)
		return false
	}
	n, ok := a.queue.Push(msg, a.cfg.MaxPending)
	a.sealMu.RUnlock()

	if !ok {
		a.logger.Error("batch queue full, dropping message",
			"routingKey", msg.RoutingKey,
			"messageId", msg.MessageID,
			"queueSize", n)
		a.metrics.MessageDropped(msg.RoutingKey, DropQueueFull)
		return false
	}
	a.metrics.PendingMessages(n)

	if n >= a.cfg.BatchSize {
		_ = a.Flush(ctx)
		return true
	}

	a.ensureTimer()
	return true
}

// Flush publishes every queued message in FIFO order. Without a channel it
// leaves the queue untouched. Failed messages are logged and dropped; they
// are neither retried nor put back. Only one flush runs at a time.
func (a *Accumulator) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	ch, err := a.channels.Channel()
	if err != nil {
		if n := a.queue.Len(); n > 0 {
			a.logger.Debug("flush skipped, channel unavailable", "pending", n)
		}
		return nil
	}

	batch := a.queue.Drain()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	sent := 0
	var errs []error

	for i, msg := range batch {
		err := ch.PublishWithContext(ctx,
			a.cfg.Exchange,
			msg.RoutingKey,
			false, // mandatory
			false, // immediate
			msg.Publishing(a.cfg.AppID),
		)
		if err == nil {
			sent++
			a.metrics.MessagePublished(msg.RoutingKey)
			continue
		}

		pubErr := &rabbitmq.PublishError{
			Exchange:   a.cfg.Exchange,
			RoutingKey: msg.RoutingKey,
			BatchSize:  len(batch),
			Err:        err,
			Timestamp:  time.Now(),
		}
		errs = append(errs, pubErr)
		a.metrics.MessageDropped(msg.RoutingKey, DropPublish)
		a.logger.Error("batch publish failed",
			"routingKey", msg.RoutingKey,
			"messageId", msg.MessageID,
			"batchSize", len(batch),
			"error", err)

		if errors.Is(err, amqp.ErrClosed) || ch.IsClosed() {
			rest := batch[i+1:]
			for _, m := range rest {
				a.metrics.MessageDropped(m.RoutingKey, DropChannelLost)
			}
			if len(rest) > 0 {
				a.logger.Error("channel closed during flush, dropping rest of batch",
					"dropped", len(rest),
					"batchSize", len(batch))
			}
			break
		}
	}

	a.metrics.BatchFlushed(len(batch), time.Since(start))
	a.metrics.PendingMessages(a.queue.Len())

	if len(errs) > 0 {
		a.logger.Warn("batch published with errors",
			"sent", sent,
			"failed", len(batch)-sent,
			"batchSize", len(batch))
		return errors.Join(errs...)
	}

	a.logger.Info("batch published", "count", sent)
	return nil
}

// Seal makes every later Enqueue drop its message. Once Seal returns, no
// message can reach the queue, so a following Flush and Discard leave it empty.
func (a *Accumulator) Seal() {
	a.sealMu.Lock()
	a.sealed = true
	a.sealMu.Unlock()
}

// Discard drops everything still queued and returns how many messages were lost
func (a *Accumulator) Discard() int {
	batch := a.queue.Drain()
	if len(batch) == 0 {
		return 0
	}

	for _, msg := range batch {
		a.metrics.MessageDropped(msg.RoutingKey, DropShutdown)
	}
	a.metrics.PendingMessages(0)
	a.logger.Warn("discarding unsent messages", "count", len(batch))

	return len(batch)
}

func (a *Accumulator) ensureTimer() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()

	if a.timer != nil || a.stopped {
		return
	}
	a.timer = a.StartPeriodicFlush(a.ctx)
}

// StopTimer cancels the flush ticker and keeps it from being restarted. When
// it returns no ticker-driven flush is running.
func (a *Accumulator) StopTimer() {
	a.timerMu.Lock()
	t := a.timer
	a.timer = nil
	a.stopped = true
	a.timerMu.Unlock()

	if t != nil {
		t.Stop()
	}
}

// FlushTimer is the handle of a running flush ticker
type FlushTimer struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartPeriodicFlush flushes every interval until the returned timer is stopped
func (a *Accumulator) StartPeriodicFlush(ctx context.Context) *FlushTimer {
	t := &FlushTimer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	ticker := time.NewTicker(a.cfg.Interval)

	go func() {
		defer close(t.done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = a.Flush(ctx)
			case <-t.stop:
				return
			}
		}
	}()

	return t
}

// Stop cancels the ticker and waits for an in-flight flush to finish
func (t *FlushTimer) Stop() {
	t.once.Do(func() {
		close(t.stop)
	})
	<-t.done
}
