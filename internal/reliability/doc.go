// Package reliability provides retry policies used by the broker connection.
//
// Policies decide whether a failed operation is attempted again and how long
// to wait first. Errors implementing IsRetryable() bool can opt out of
// retries, which is how configuration errors stop a reconnect loop early.
//
// Example usage:
//
//	err := Retry(ctx, NewFixedDelay(4*time.Second, 4), func() error {
//	    return manager.Connect(ctx)
//	})
package reliability
