package broker

// QueueDestination is a plain named queue. Drivers that need no extra state
// for a queue handle can return it directly.
type QueueDestination string

func (q QueueDestination) DestinationName() string { return string(q) }
func (q QueueDestination) QueueName() string       { return string(q) }

// TopicDestination is a plain named topic.
type TopicDestination string

func (t TopicDestination) DestinationName() string { return string(t) }
func (t TopicDestination) TopicName() string       { return string(t) }

// IsQueue reports whether d is a queue-typed destination.
func IsQueue(d Destination) (Queue, bool) {
	q, ok := d.(Queue)
	return q, ok
}
