package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchange is used when no exchange name is configured
	DefaultExchange = "notifications.direct"

	// ExchangeTypeDirect routes on exact routing key match
	ExchangeTypeDirect = "direct"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// DirectExchange returns the durable direct exchange declaration for name
func DirectExchange(name string) ExchangeDeclaration {
	if name == "" {
		name = DefaultExchange
	}
	return ExchangeDeclaration{
		Name:    name,
		Type:    ExchangeTypeDirect,
		Durable: true,
	}
}

// declareExchange declares an exchange on the given channel. Declaring an
// exchange that already exists with the same arguments is a no-op on the broker.
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s exchange %s: %w", exchange.Type, exchange.Name, err)
	}
	return nil
}
