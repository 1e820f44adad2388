// Package engine browses and publishes messages on registry endpoints.
//
// Browser opens a connection, a transacted session and a browse cursor for
// every call and releases them in reverse order on every exit path. A
// cursor that claims a message it cannot deliver fails the browse with
// broker.ErrCorruptEnumeration rather than returning a short list.
//
// Publisher borrows a session from the endpoint's pool, applies all headers
// before sending anything, and returns the identifier stamped on the sent
// message.
//
// Neither engine retries; callers decide what to do with a failure.
package engine
