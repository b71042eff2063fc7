// Package reliability provides the retry policies and circuit breaker used when
// publishing events.
//
//   - Retry policies: exponential backoff and fixed delay, with Permanent to
//     stop retrying on errors that cannot succeed later
//   - Circuit breaker: fails fast while a transport keeps rejecting publishes
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("amqp-publish"),
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := Retry(ctx, DefaultEmitPolicy(), func() error {
//	    return cb.Execute(ctx, publish)
//	})
package reliability
