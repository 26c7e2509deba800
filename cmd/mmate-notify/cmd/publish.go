package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/glimte/mmate-notify/messaging"
	"github.com/spf13/cobra"
)

func newPublishCommand() *cobra.Command {
	var (
		welcomeTo string
		userID    string
	)

	cmd := &cobra.Command{
		Use:   "publish <routing-key> [json]",
		Short: "Publish one message and exit",
		Long: `Publish a single JSON message to the configured exchange.

The payload is taken from the second argument, from --welcome, or from stdin.

Examples:
  # Publish a document
  mmate-notify publish email.queue '{"type":"welcome_email","to":"user@example.com"}'

  # Publish a welcome email notification
  mmate-notify publish email.queue --welcome user@example.com --user-id 42

  # Read the payload from stdin
  cat event.json | mmate-notify publish sms.queue`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			routingKey := args[0]
			payload, err := readPayload(cmd.InOrStdin(), args[1:], welcomeTo, userID)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			manager, publisher := newPublisher(cfg, logger)

			if err := manager.Connect(ctx); err != nil {
				_ = publisher.Close(ctx)
				return fmt.Errorf("broker unreachable: %w", err)
			}

			publisher.Publish(ctx, routingKey, payload)

			if err := publisher.Close(ctx); err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published to %s with routing key %s\n", manager.Exchange(), routingKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&welcomeTo, "welcome", "", "publish a welcome email notification for this address")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id added to the welcome email")

	return cmd
}

func readPayload(stdin io.Reader, args []string, welcomeTo, userID string) (any, error) {
	if welcomeTo != "" {
		if len(args) > 0 {
			return nil, errors.New("--welcome cannot be combined with a JSON argument")
		}
		return messaging.WelcomeEmail(welcomeTo, userID), nil
	}

	var raw []byte
	if len(args) > 0 {
		raw = []byte(args[0])
	} else {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = []byte(strings.TrimSpace(string(data)))
	}

	if len(raw) == 0 {
		return nil, errors.New("no payload given")
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
