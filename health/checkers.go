package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
)

// BrokerState is the part of the connection manager the broker check reads
type BrokerState interface {
	State() rabbitmq.State
	IsConnected() bool
	Exchange() string
}

// Backlog reports the number of messages waiting to be published
type Backlog interface {
	Pending() int
}

// BrokerChecker checks the RabbitMQ session without touching the broker
type BrokerChecker struct {
	broker BrokerState
}

// NewBrokerChecker creates a new RabbitMQ health checker
func NewBrokerChecker(broker BrokerState) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Details: make(map[string]any)}

	state := c.broker.State()
	result.Details["state"] = state.String()
	result.Details["exchange"] = c.broker.Exchange()

	switch {
	case c.broker.IsConnected():
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case state == rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Connection is being established"
	default:
		// The publisher drops messages while in this state
		result.Status = StatusDegraded
		result.Message = "Not connected, messages are being dropped"
	}

	result.Duration = time.Since(start)
	return result
}

// BacklogChecker reports how full the batch queue is
type BacklogChecker struct {
	backlog           Backlog
	warningThreshold  int
	criticalThreshold int
}

// NewBacklogChecker creates a checker that degrades at warningThreshold
// pending messages and fails at criticalThreshold
func NewBacklogChecker(backlog Backlog, warningThreshold, criticalThreshold int) *BacklogChecker {
	return &BacklogChecker{
		backlog:           backlog,
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *BacklogChecker) Name() string {
	return "publisher_backlog"
}

func (c *BacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Details: make(map[string]any)}

	pending := c.backlog.Pending()
	result.Details["pending"] = pending

	switch {
	case c.criticalThreshold > 0 && pending >= c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Batch queue is full: %d pending", pending)
	case c.warningThreshold > 0 && pending >= c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High batch queue depth: %d pending", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "Batch queue is draining"
	}

	result.Duration = time.Since(start)
	return result
}
