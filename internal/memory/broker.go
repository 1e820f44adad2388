package memory

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/queuegate/broker"
)

// Broker is an in-process message broker.
type Broker struct {
	name   string
	mu     sync.RWMutex
	queues map[string][]*broker.Message
	topics map[string]bool
}

// NewBroker creates an empty broker.
func NewBroker(name string) *Broker {
	return &Broker{
		name:   name,
		queues: make(map[string][]*broker.Message),
		topics: make(map[string]bool),
	}
}

// Name returns the broker name taken from the vm:// URI.
func (b *Broker) Name() string {
	return b.name
}

// DeclareTopic registers name as a topic. Topics are never browsable.
func (b *Broker) DeclareTopic(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[name] = true
}

// Depth returns the number of messages pending on queue.
func (b *Broker) Depth(queue string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues[queue])
}

func (b *Broker) isTopic(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.topics[name]
}

func (b *Broker) ensureQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = nil
	}
}

func (b *Broker) enqueue(queue string, msgs ...*broker.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], msgs...)
}

func (b *Broker) snapshot(queue string) []*broker.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.queues[queue]
	out := make([]*broker.Message, len(src))
	copy(out, src)
	return out
}

func newMessage(msg *broker.OutboundMessage) *broker.Message {
	return &broker.Message{
		ID:         "ID:" + uuid.New().String(),
		Timestamp:  time.Now(),
		Properties: msg.PropertyMap(),
		Body:       []byte(msg.Text()),
	}
}

func cloneMessage(m *broker.Message) *broker.Message {
	props := make(map[string]any, len(m.Properties))
	for k, v := range m.Properties {
		props[k] = v
	}
	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	return &broker.Message{
		ID:          m.ID,
		Timestamp:   m.Timestamp,
		Redelivered: m.Redelivered,
		Properties:  props,
		Body:        body,
	}
}

// ParseURI extracts the broker name from a vm:// URI.
func ParseURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("memory: invalid uri: %w", err)
	}
	if u.Scheme != "vm" {
		return "", fmt.Errorf("%w: %q", broker.ErrUnsupportedScheme, u.Scheme)
	}
	name := u.Host
	if name == "" {
		name = u.Opaque
	}
	if name == "" {
		return "", fmt.Errorf("memory: uri %q has no broker name", uri)
	}
	return name, nil
}
