package broker

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// derivedIDSpace namespaces identifiers derived for messages that carry none
var derivedIDSpace = uuid.MustParse("6f1c2a0e-3c1b-5d7e-9a4f-2b8e1d0c7a51")

// DerivedMessageID names a message that arrived without an identifier by
// its queue, its position in the queue and its content. Browsing the same
// unchanged queue twice yields the same identifiers.
func DerivedMessageID(queue string, position int, content []byte) string {
	name := make([]byte, 0, len(queue)+len(content)+24)
	name = append(name, queue...)
	name = append(name, 0)
	name = strconv.AppendInt(name, int64(position), 10)
	name = append(name, 0)
	name = append(name, content...)
	return "ID:" + uuid.NewSHA1(derivedIDSpace, name).String()
}

// Message is a browsed, read-only message.
type Message struct {
	ID          string
	Timestamp   time.Time
	Redelivered bool
	Properties  map[string]any
	Body        []byte
}

// Property returns the named property and whether it was present.
func (m *Message) Property(key string) (any, bool) {
	if m == nil || m.Properties == nil {
		return nil, false
	}
	v, ok := m.Properties[key]
	return v, ok
}

// PropertyValidator decides whether a property can be carried by a broker.
type PropertyValidator func(key string, value any) error

// OutboundMessage is a text message under construction.
type OutboundMessage struct {
	text       string
	properties map[string]any
	keys       []string
	validate   PropertyValidator
	messageID  string
	timestamp  time.Time
}

// NewTextMessage creates an outbound message. A nil validator accepts every
// value ValidateValue accepts.
func NewTextMessage(text string, validate PropertyValidator) *OutboundMessage {
	return &OutboundMessage{
		text:       text,
		properties: make(map[string]any),
		validate:   validate,
	}
}

// Text returns the payload.
func (m *OutboundMessage) Text() string {
	return m.text
}

// SetProperty sets a single property after validating it.
func (m *OutboundMessage) SetProperty(key string, value any) error {
	if err := m.check(key, value); err != nil {
		return err
	}
	m.set(key, value)
	return nil
}

// ApplyHeaders validates every header and then sets them all in order. When
// any header is rejected the message is left untouched.
func (m *OutboundMessage) ApplyHeaders(headers Headers) error {
	for _, h := range headers {
		if err := m.check(h.Key, h.Value); err != nil {
			return err
		}
	}
	for _, h := range headers {
		m.set(h.Key, NormalizeValue(h.Value))
	}
	return nil
}

func (m *OutboundMessage) check(key string, value any) error {
	if key == "" {
		return &HeaderError{Key: key, Err: fmt.Errorf("%w: empty property name", ErrHeaderConversionFailed)}
	}
	if err := ValidateValue(value); err != nil {
		return &HeaderError{Key: key, Err: err}
	}
	if m.validate != nil {
		if err := m.validate(key, NormalizeValue(value)); err != nil {
			return &HeaderError{Key: key, Err: fmt.Errorf("%w: %v", ErrHeaderConversionFailed, err)}
		}
	}
	return nil
}

func (m *OutboundMessage) set(key string, value any) {
	if _, exists := m.properties[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.properties[key] = value
}

// Properties returns the properties in the order they were first set.
func (m *OutboundMessage) Properties() Headers {
	out := make(Headers, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, Header{Key: k, Value: m.properties[k]})
	}
	return out
}

// PropertyMap returns a copy of the properties.
func (m *OutboundMessage) PropertyMap() map[string]any {
	out := make(map[string]any, len(m.properties))
	for k, v := range m.properties {
		out[k] = v
	}
	return out
}

// MessageID returns the identifier stamped by Session.Send, or "" before a
// successful send.
func (m *OutboundMessage) MessageID() string {
	return m.messageID
}

// Timestamp returns the send time stamped by Session.Send.
func (m *OutboundMessage) Timestamp() time.Time {
	return m.timestamp
}

// MarkSent is called by drivers once the broker accepted the message.
func (m *OutboundMessage) MarkSent(id string, at time.Time) {
	m.messageID = id
	m.timestamp = at
}
