// Package retry provides exponential backoff retry logic for transient failures.
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 50ms-1s delay (startup, table creation)
//   - Forever(): unlimited attempts, 50ms-1s delay (last-value lookups that
//     must block until the store answers)
//
// # Usage
//
//	last, err := retry.DoWithResult(ctx, cfg, func() (string, error) {
//	    return store.SelectLast(ctx, key)
//	})
//
// Reconnect between attempts with OnRetry:
//
//	cfg := retry.Forever()
//	cfg.OnRetry = func(attempt int, err error) {
//	    _ = store.Reconnect(ctx)
//	}
//
// An unlimited retry only ends through success, a NonRetryable error or
// context cancellation.
package retry
