package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-notify/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the connection manager lifecycle state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// session is one connection and the channel opened on it. A session is never
// mutated after it is published through ConnectionManager.current.
type session struct {
	conn Connection
	ch   Channel
}

func (s *session) healthy() bool {
	return s != nil && !s.conn.IsClosed() && !s.ch.IsClosed()
}

// ConnectionManager owns the broker connection and its publishing channel,
// and reconnects after broker-initiated closes.
type ConnectionManager struct {
	url            string
	exchange       ExchangeDeclaration
	dialer         Dialer
	connectTimeout time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	current      atomic.Pointer[session]
	state        atomic.Int32
	connectSem   chan struct{}
	reconnecting atomic.Bool
	reconnectReq atomic.Bool
	closed       atomic.Bool
	done         chan struct{}

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the number of reconnection attempts after a close
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithExchange sets the direct exchange asserted on every connect
func WithExchange(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.exchange = DirectExchange(name)
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithConnectTimeout bounds a single connect attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager. No connection is
// made until Connect is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		exchange:       DirectExchange(DefaultExchange),
		dialer:         NewAMQPDialer("mmate-notify", 10*time.Second),
		connectTimeout: 10 * time.Second,
		reconnectDelay: 4 * time.Second,
		maxRetries:     5,
		logger:         slog.Default(),
		connectSem:     make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Exchange returns the name of the exchange messages are published to
func (cm *ConnectionManager) Exchange() string {
	return cm.exchange.Name
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	return State(cm.state.Load())
}

// IsConnected reports whether a usable channel is available
func (cm *ConnectionManager) IsConnected() bool {
	return cm.current.Load().healthy()
}

// Channel returns the channel of the active session. It never returns a
// channel belonging to a session that has been replaced or torn down.
func (cm *ConnectionManager) Channel() (Channel, error) {
	s := cm.current.Load()
	if !s.healthy() {
		return nil, ErrNotConnected
	}
	return s.ch, nil
}

// Connect opens a connection and channel and asserts the exchange. It makes a
// single attempt; retrying is left to Reconnect.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if cm.url == "" {
		return &ConnectError{
			Op:        "connect",
			Err:       fmt.Errorf("%w: missing broker URL", ErrInvalidConfiguration),
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	if cm.closed.Load() {
		return cm.connectError("connect", ErrManagerClosed)
	}

	// Wait for a connect in progress, but no longer than the caller allows
	select {
	case cm.connectSem <- struct{}{}:
	case <-ctx.Done():
		return cm.connectError("connect", ctx.Err())
	}
	defer func() { <-cm.connectSem }()

	// Someone else may have connected while we waited for the lock
	stale := cm.current.Load()
	if stale.healthy() {
		return nil
	}
	if cm.closed.Load() {
		return cm.connectError("connect", ErrManagerClosed)
	}

	cm.setState(StateConnecting)

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	cm.logger.Info("connecting to RabbitMQ", "url", SanitizeURL(cm.url))

	s, err := cm.open(connCtx, stale)
	if err != nil {
		cm.setState(StateDisconnected)
		return err
	}

	cm.current.Store(s)
	cm.setState(StateConnected)
	cm.watch(s)

	cm.logger.Info("RabbitMQ connected and exchange declared",
		"url", SanitizeURL(cm.url),
		"exchange", cm.exchange.Name)

	cm.notifyConnected()

	return nil
}

// open builds a new session. If the previous session lost only its channel,
// the connection is kept and a fresh channel is opened on it.
func (cm *ConnectionManager) open(ctx context.Context, stale *session) (*session, error) {
	var conn Connection
	fresh := false

	if stale != nil && !stale.conn.IsClosed() {
		cm.logger.Info("reopening channel on existing connection")
		conn = stale.conn
	} else {
		c, err := cm.dialer(ctx, cm.url)
		if err != nil {
			return nil, cm.connectError("dial", err)
		}
		conn = c
		fresh = true
	}

	discard := func() {
		if fresh {
			conn.Close()
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		discard()
		return nil, cm.connectError("open channel", err)
	}

	if err := declareExchange(ch, cm.exchange); err != nil {
		ch.Close()
		discard()
		return nil, cm.connectError("declare exchange", err)
	}

	return &session{conn: conn, ch: ch}, nil
}

// watch registers the close and error observers for a session. The
// goroutine exits once the connection is closed.
func (cm *ConnectionManager) watch(s *session) {
	connClose := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClose := s.ch.NotifyClose(make(chan *amqp.Error, 1))
	blocked := s.conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	go func() {
		for {
			select {
			case amqpErr, ok := <-connClose:
				var err error = ErrConnectionClosed
				if ok && amqpErr != nil {
					err = amqpErr
				}
				cm.handleClose(s, err)
				return

			case amqpErr, ok := <-chanClose:
				chanClose = nil
				if ok && amqpErr != nil {
					cm.handleError(s, amqpErr)
				}

			case b, ok := <-blocked:
				if !ok {
					blocked = nil
					continue
				}
				cm.handleBlocked(b)

			case <-cm.done:
				return
			}
		}
	}()
}

// handleClose clears the session and starts reconnecting in the background.
// Sessions torn down by Close are already cleared, so they never get here.
func (cm *ConnectionManager) handleClose(s *session, err error) {
	if !cm.current.CompareAndSwap(s, nil) {
		return
	}
	cm.setState(StateDisconnected)

	cm.logger.Warn("RabbitMQ connection closed, attempting reconnect", "error", err)
	cm.notifyDisconnected(err)
	cm.startReconnect()
}

// handleError logs channel level exceptions. The connection may still be
// alive, so no reconnect is started here; the next Connect reopens the channel.
func (cm *ConnectionManager) handleError(s *session, amqpErr *amqp.Error) {
	if cm.current.Load() == s {
		cm.setState(StateDisconnected)
	}
	cm.logger.Error("RabbitMQ channel error",
		"error", amqpErr,
		"code", amqpErr.Code,
		"server", amqpErr.Server)
}

func (cm *ConnectionManager) handleBlocked(b amqp.Blocking) {
	if b.Active {
		cm.logger.Warn("RabbitMQ connection blocked by broker", "reason", b.Reason)
		return
	}
	cm.logger.Info("RabbitMQ connection unblocked")
}

// startReconnect runs at most one background reconnect loop. A close that
// arrives while a loop is finishing is picked up by that loop.
func (cm *ConnectionManager) startReconnect() {
	cm.reconnectReq.Store(true)
	if cm.closed.Load() || !cm.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go cm.reconnectLoop()
}

func (cm *ConnectionManager) reconnectLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		cm.reconnectReq.Store(false)
		_ = cm.Reconnect(ctx, cm.maxRetries, cm.reconnectDelay)
		cm.reconnecting.Store(false)

		if cm.closed.Load() || !cm.reconnectReq.Load() {
			return
		}
		if !cm.reconnecting.CompareAndSwap(false, true) {
			return
		}
	}
}

// Reconnect calls Connect up to retries times with a fixed delay between
// attempts. Exhausting the retries leaves the manager disconnected; a later
// Connect starts over.
func (cm *ConnectionManager) Reconnect(ctx context.Context, retries int, delay time.Duration) error {
	if retries < 1 {
		retries = 1
	}

	startTime := time.Now()
	attempt := 0

	err := reliability.Retry(ctx, reliability.NewFixedDelay(delay, retries-1), func() error {
		attempt++
		cm.logger.Warn("attempting to reconnect",
			"attempt", attempt,
			"maxRetries", retries)
		cm.notifyReconnecting(attempt)

		err := cm.Connect(ctx)
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", attempt,
				"nextRetryIn", delay)
		}
		return err
	})
	if err == nil {
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(startTime))
		return nil
	}

	if IsFatal(err) || ctx.Err() != nil {
		return err
	}

	final := &ConnectError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err),
		Timestamp: time.Now(),
		Attempts:  attempt,
	}
	cm.logger.Error("failed to reconnect to RabbitMQ after retries",
		"attempts", attempt,
		"duration", time.Since(startTime))
	cm.notifyDisconnected(final)

	return final
}

// Close tears down the channel and then the connection. Both steps run even
// if the first fails. Calling Close more than once is a no-op.
func (cm *ConnectionManager) Close() error {
	if !cm.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(cm.done)

	cm.connectSem <- struct{}{}
	defer func() { <-cm.connectSem }()

	s := cm.current.Swap(nil)
	cm.setState(StateDisconnected)
	if s == nil {
		return nil
	}

	var errs []error

	if !s.ch.IsClosed() {
		if err := s.ch.Close(); err != nil {
			closeErr := &CloseError{Component: "channel", Err: err, Timestamp: time.Now()}
			cm.logger.Error("error closing RabbitMQ channel", "error", closeErr)
			errs = append(errs, closeErr)
		}
	}

	if !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			closeErr := &CloseError{Component: "connection", Err: err, Timestamp: time.Now()}
			cm.logger.Error("error closing RabbitMQ connection", "error", closeErr)
			errs = append(errs, closeErr)
		}
	}

	cm.logger.Info("RabbitMQ closed")

	return errors.Join(errs...)
}

func (cm *ConnectionManager) connectError(op string, err error) *ConnectError {
	return &ConnectError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  1,
	}
}

func (cm *ConnectionManager) setState(s State) {
	old := State(cm.state.Swap(int32(s)))
	if old != s {
		cm.logger.Debug("connection state changed", "from", old, "to", s)
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
