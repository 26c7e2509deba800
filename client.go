// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
	"github.com/glimte/mmate-notify/messaging"
)

// Client provides the main entry point for mmate-notify
type Client struct {
	manager   *rabbitmq.ConnectionManager
	publisher *messaging.Publisher
}

// NewClient creates a client publishing to the default exchange. Nothing
// connects until Start or the first Publish.
func NewClient(connectionString string, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:           slog.Default(),
		exchange:         rabbitmq.DefaultExchange,
		batchSize:        messaging.DefaultBatchSize,
		batchInterval:    messaging.DefaultBatchInterval,
		reconnectRetries: 5,
		reconnectDelay:   4 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithExchange(cfg.exchange),
		rabbitmq.WithMaxRetries(cfg.reconnectRetries),
		rabbitmq.WithReconnectDelay(cfg.reconnectDelay),
	}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	pubOpts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithBatchSize(cfg.batchSize),
		messaging.WithBatchInterval(cfg.batchInterval),
		messaging.WithReconnectPolicy(cfg.reconnectRetries, cfg.reconnectDelay),
	}
	if cfg.metrics != nil {
		pubOpts = append(pubOpts, messaging.WithMetrics(cfg.metrics))
	}
	if cfg.appID != "" {
		pubOpts = append(pubOpts, messaging.WithAppID(cfg.appID))
	}

	return &Client{
		manager:   manager,
		publisher: messaging.NewPublisher(manager, pubOpts...),
	}
}

// Start connects to the broker. A failed connect does not stop the client;
// it keeps reconnecting in the background and drops messages meanwhile.
func (c *Client) Start(ctx context.Context) {
	c.publisher.OnInit(ctx)
}

// Publish queues message for routingKey. It never fails from the caller's
// point of view.
func (c *Client) Publish(ctx context.Context, routingKey string, message any) {
	c.publisher.Publish(ctx, routingKey, message)
}

// Publisher returns the underlying publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Connected reports whether a broker channel is open
func (c *Client) Connected() bool {
	return c.manager.IsConnected()
}

// Close flushes pending messages and closes the broker connection
func (c *Client) Close(ctx context.Context) error {
	return c.publisher.Close(ctx)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	metrics          messaging.MetricsCollector
	exchange         string
	appID            string
	batchSize        int
	batchInterval    time.Duration
	reconnectRetries int
	reconnectDelay   time.Duration
	dialer           rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithExchange sets the direct exchange messages are published to
func WithExchange(name string) ClientOption {
	return func(c *clientConfig) {
		c.exchange = name
	}
}

// WithAppID sets the AppId property of published messages
func WithAppID(appID string) ClientOption {
	return func(c *clientConfig) {
		c.appID = appID
	}
}

// WithBatching sets the flush size and interval
func WithBatching(size int, interval time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.batchSize = size
		c.batchInterval = interval
	}
}

// WithReconnect sets the reconnect attempts and the fixed delay between them
func WithReconnect(retries int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.reconnectRetries = retries
		c.reconnectDelay = delay
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(c *clientConfig) {
		c.metrics = metrics
	}
}
