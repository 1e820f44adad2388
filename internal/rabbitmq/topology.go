package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Topology is the set of queues an endpoint expects to exist
type Topology struct {
	Queues []QueueDeclaration
}

// DefaultDestinationTopology returns the topology of an endpoint that
// publishes to queue
func DefaultDestinationTopology(queue string) Topology {
	return Topology{
		Queues: []QueueDeclaration{
			{Name: queue, Durable: true},
		},
	}
}

// TopologyManager declares queues on a RabbitMQ endpoint
type TopologyManager struct {
	factory *ConnectionFactory
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(factory *ConnectionFactory) *TopologyManager {
	return &TopologyManager{factory: factory}
}

// DeclareTopology declares every queue in topology on a short-lived
// connection. Declaring an existing queue with the same arguments is a
// no-op on the broker.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	conn, err := tm.factory.CreateConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.(*Connection).openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, queue := range topology.Queues {
		if _, err := declareQueue(ch, queue); err != nil {
			return &TopologyError{
				Component: "queue",
				Name:      queue.Name,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		tm.factory.logger.Info("declared queue", "queue", queue.Name, "url", tm.factory.URL())
	}
	return nil
}

// declareQueue declares a queue on the given channel
func declareQueue(ch channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}
