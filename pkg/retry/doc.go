// Usage:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//		return client.Connect(ctx)
//	})
//
// Returning NonRetryable(err) from the operation ends the loop at once,
// which is what a rejected stream configuration calls for.
package retry
