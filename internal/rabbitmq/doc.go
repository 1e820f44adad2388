// Package rabbitmq implements the broker capability interfaces on top of
// RabbitMQ for amqp:// and amqps:// endpoints.
//
// This package includes:
//   - ConnectionFactory: dials the broker with a timeout
//   - Session: a channel, optionally in transaction mode
//   - Browser: a non-destructive cursor over a queue
//   - TopologyManager: declares the destinations an endpoint publishes to
//
// RabbitMQ has no queue browsing. A Browser fetches messages with basic.get
// without acknowledging them and requeues everything it fetched when it is
// closed, so browsed messages come back with the redelivered flag set.
// Selectors are evaluated client side.
//
// Fetched messages are held by the cursor until it closes, so one factory
// opens at most one Browser per queue and later ones wait. Quorum queues
// with a delivery limit count every fetch as an attempt. Such queues are
// refused with broker.ErrBrowseRefused, either because they were listed
// with WithDeliveryLimitedQueues or because a fetched message carried an
// x-delivery-count header. Messages without a message id get one derived
// from their queue, position and body.
package rabbitmq
