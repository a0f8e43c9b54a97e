// Package reliability provides the delivery reliability extension points used by the
// transports when publishing.
//
// Retry policies (exponential, linear and fixed delay) decide whether a failed publish is
// attempted again. The default policy never retries. Errors wrapped in RetryableError with
// Retryable set to false are never retried by any policy.
//
// A CircuitBreaker stops calling a failing broker for a cool-down period once a failure
// threshold is reached.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)
//	err := reliability.Retry(ctx, policy, "publish", func() error {
//	    return publish()
//	})
package reliability
