// Package sqs implements the broker capability interfaces on top of Amazon
// SQS for sqs://<region> endpoints.
//
// SQS has no browsing either. A Browser receives with a visibility timeout
// of zero so every message stays visible to consumers, and deduplicates by
// message id until it has seen as many messages as the queue reports. The
// reported depth is approximate, so a cursor that stops short is not an
// error. Each browse increments the receive count of the messages it sees,
// so queues with a redrive policy are refused with broker.ErrBrowseRefused
// and a factory opens at most one Browser per queue at a time.
//
// SQS has no transactions: Commit and Rollback are no-ops and Send is
// immediately visible.
package sqs
