package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrNotConnected       = errors.New("rabbitmq: not connected")
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrManagerClosed      = errors.New("rabbitmq: connection manager is closed")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectError is returned when dialing, opening the channel or declaring the
// exchange fails.
type ConnectError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connect error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connect error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another connect attempt can succeed
func (e *ConnectError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// PublishError represents a failed send of a single message
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	BatchSize  int       // Size of the batch the message belonged to
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s (batch=%d): %v",
		e.Exchange, e.RoutingKey, e.BatchSize, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// CloseError represents a failure while tearing down a channel or connection
type CloseError struct {
	Component string    // "channel" or "connection"
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("rabbitmq close error: failed to close %s: %v", e.Component, e.Err)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrMaxRetriesExceeded):
		return false
	case errors.Is(err, ErrManagerClosed):
		return false
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
