package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/glimte/mmate-notify/internal/config"
	"github.com/glimte/mmate-notify/internal/rabbitmq"
	"github.com/glimte/mmate-notify/messaging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"

	// Global flags
	configPath string
	logLevel   string
	logFormat  string
	rabbitURL  string
	exchange   string

	// dialer replaces the amqp091 dialer in tests
	dialer rabbitmq.Dialer
)

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mmate-notify",
		Short: "Batched notification publisher for RabbitMQ",
		Long: `mmate-notify publishes notification events to a durable direct exchange.

Messages are batched and flushed every 20 messages or every 2 seconds,
whichever comes first. Publishing is best effort: when the broker cannot be
reached messages are logged and dropped.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (optional, uses env vars by default)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text) (default: json)")
	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", "", "RabbitMQ connection URL (default: $RABBITMQ_URL)")
	rootCmd.PersistentFlags().StringVar(&exchange, "exchange", "", "exchange name (default: notifications.direct)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newPublishCommand())

	return rootCmd
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return config.Config{}, err
	}

	// Flags win over file and environment
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if rabbitURL != "" {
		cfg.RabbitMQ.URL = rabbitURL
	}
	if exchange != "" {
		cfg.RabbitMQ.Exchange = exchange
	}

	return cfg, cfg.Validate()
}

// newPublisher wires a connection manager and a publisher from cfg
func newPublisher(cfg config.Config, logger *slog.Logger, options ...messaging.PublisherOption) (*rabbitmq.ConnectionManager, *messaging.Publisher) {
	d := dialer
	if d == nil {
		d = rabbitmq.NewAMQPDialer(cfg.RabbitMQ.ConnectionName, cfg.RabbitMQ.Heartbeat)
	}

	manager := rabbitmq.NewConnectionManager(cfg.RabbitMQ.URL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialer(d),
		rabbitmq.WithExchange(cfg.RabbitMQ.Exchange),
		rabbitmq.WithConnectTimeout(cfg.RabbitMQ.ConnectTimeout),
		rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay),
		rabbitmq.WithMaxRetries(cfg.RabbitMQ.ReconnectRetries),
	)

	base := []messaging.PublisherOption{
		messaging.WithPublisherLogger(logger),
		messaging.WithAppID(cfg.Publisher.AppID),
		messaging.WithBatchSize(cfg.Publisher.BatchSize),
		messaging.WithBatchInterval(cfg.Publisher.BatchInterval),
		messaging.WithMaxPending(cfg.Publisher.MaxPending),
		messaging.WithReconnectPolicy(cfg.RabbitMQ.ReconnectRetries, cfg.RabbitMQ.ReconnectDelay),
	}

	return manager, messaging.NewPublisher(manager, append(base, options...)...)
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	logger := config.NewLogger(cfg.Logging, w)
	slog.SetDefault(logger)
	return logger
}
