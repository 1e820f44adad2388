package redislist

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/glimte/queuegate/broker"
)

// envelope is the list entry format
type envelope struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Headers   map[string]any `json:"headers,omitempty"`
	Body      string         `json:"body"`
}

func encode(msg *broker.OutboundMessage, id string, at time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		ID:        id,
		Timestamp: at,
		Headers:   msg.PropertyMap(),
		Body:      msg.Text(),
	})
}

// decode parses the entry at index of list key. Entries that are not
// envelopes are returned with the raw entry as body and an id derived from
// their position and content.
func decode(raw, key string, index int64) *broker.Message {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil || env.ID == "" {
		return &broker.Message{
			ID:         broker.DerivedMessageID(key, int(index), []byte(raw)),
			Properties: map[string]any{},
			Body:       []byte(raw),
		}
	}

	props := make(map[string]any, len(env.Headers))
	for k, v := range env.Headers {
		props[k] = fromJSON(v)
	}
	return &broker.Message{
		ID:         env.ID,
		Timestamp:  env.Timestamp,
		Properties: props,
		Body:       []byte(env.Body),
	}
}

func fromJSON(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
