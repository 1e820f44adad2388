// Package memory implements an in-process broker addressed with vm:// URIs.
//
// Every connection factory owns one broker. Queues are created on first use,
// transacted sessions buffer sends until Commit, and browsers enumerate a
// snapshot of the queue taken when the browser is opened. Nothing is
// persisted; query parameters such as broker.persistent=false are accepted
// and ignored.
package memory
