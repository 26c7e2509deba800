// Package messaging provides the batched, best-effort notification publisher.
//
// This package implements:
//   - Publisher: fire-and-forget entry point with OnInit/OnShutdown lifecycle hooks
//   - Accumulator: groups messages and flushes on batch size or on a ticker
//   - BatchQueue: FIFO of PendingMessage drained atomically by each flush
//
// Delivery is at-most-once-attempt. A message that fails to publish is logged
// and dropped, never re-queued; Close flushes once more and discards whatever
// could not be sent.
//
// Example usage:
//
//	manager := rabbitmq.NewConnectionManager(url, rabbitmq.WithExchange("notifications.direct"))
//	publisher := messaging.NewPublisher(manager)
//	publisher.OnInit(ctx)
//	defer publisher.OnShutdown(context.Background())
//
//	publisher.Publish(ctx, "email.queue", map[string]any{
//		"type": "welcome_email",
//		"to":   "user@example.com",
//	})
package messaging
