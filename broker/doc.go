// Package broker defines the capability set queuegate needs from a message
// broker: connection factories, connections, transactional sessions,
// destinations, non-destructive browse cursors and messages.
//
// Drivers under internal/ implement these interfaces for concrete brokers:
//   - memory: in-process broker addressed with vm:// URIs
//   - rabbitmq: AMQP 0-9-1 brokers addressed with amqp:// and amqps:// URIs
//   - sqs: Amazon SQS (or LocalStack) addressed with sqs:// URIs
//   - redislist: Redis lists addressed with redis:// URIs
//
// The engines in package engine only talk to these interfaces, which keeps
// resource lifecycle and transaction rules in one place regardless of the
// broker behind an endpoint.
package broker
