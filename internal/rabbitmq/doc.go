// Package rabbitmq provides the broker connection used by the publisher.
//
// This package includes:
//   - ConnectionManager: owns one connection and one channel, asserts the
//     direct exchange on every connect and reconnects after broker closes
//   - Connection and Channel: the subset of amqp091-go the manager depends on
//   - Typed errors: ConnectError, PublishError and CloseError
//
// The active connection and channel are kept together in a session that is
// swapped atomically, so readers never see a channel from a replaced
// connection. Close and error notifications from amqp091-go are handled by a
// watcher goroutine per session.
package rabbitmq
