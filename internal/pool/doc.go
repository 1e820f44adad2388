// Package pool lends transactional broker sessions of one long-lived
// connection per endpoint.
//
// The pool bounds the number of live sessions. When every session is in
// use, Get waits for a returned session until the acquire timeout elapses
// and then fails with broker.ErrPoolExhausted instead of blocking forever.
// Broken sessions and connections are discarded and replaced on demand.
// With a circuit breaker configured, reconnects to a broker that keeps
// failing are refused until the breaker lets a probe through.
package pool
