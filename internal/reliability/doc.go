// Package reliability guards broker connectivity.
//
// A CircuitBreaker sits in front of each endpoint's connection attempts.
// Once a broker has failed to answer often enough, further attempts fail
// immediately with an error that still reads as "broker unreachable", so
// callers see the same retryable outcome without waiting on a dial timeout.
//
// Retry runs an operation under a RetryPolicy. Only infrastructure
// failures are retried; a missing queue or a rejected header never is.
//
//	cb := NewCircuitBreaker(
//	    WithName("orders"),
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//	err := cb.Execute(ctx, func() error {
//	    conn, err = factory.CreateConnection(ctx)
//	    return err
//	})
package reliability
