// Package message defines the dispatchable message shape shared by the
// registry, the bus, and the store.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

const logPrefix = "message:message"

// DefaultPrefix namespaces endpoint message types.
const DefaultPrefix = "@@querypipe"

// ErrEmptyType is returned when a message type would be empty.
var ErrEmptyType = errors.New("message type requires a non-empty string")

// Payload identifies one endpoint invocation.
type Payload struct {
	Name    string          `json:"name"`
	Key     string          `json:"key"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Message is the wire shape of a dispatched action.
type Message struct {
	Type    string          `json:"type"`
	Payload *Payload        `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Type joins prefix and name with a single "/". A leading "/" in name is
// not duplicated.
func Type(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(name, "/")
}

// New returns a payload-less message of the given type under prefix.
func New(prefix, typ string) (Message, error) {
	if typ == "" {
		return Message{}, fmt.Errorf("%s - %w", logPrefix, ErrEmptyType)
	}
	return Message{Type: Type(prefix, typ)}, nil
}

// WithData returns a message of typ carrying v encoded as JSON.
func WithData(typ string, v any) (Message, error) {
	if typ == "" {
		return Message{}, fmt.Errorf("%s - %w", logPrefix, ErrEmptyType)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("%s - failed to encode data for %s: %w", logPrefix, typ, err)
	}
	return Message{Type: typ, Data: data}, nil
}

// Name returns the endpoint name carried by the payload, if any.
func (m Message) Name() string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Name
}

// Key returns the cache key carried by the payload, if any.
func (m Message) Key() string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Key
}

// Options returns the raw params carried by the payload, if any.
func (m Message) Options() json.RawMessage {
	if m.Payload == nil {
		return nil
	}
	return m.Payload.Options
}

// TypeOf reads the "type" member of an encoded message without decoding it.
func TypeOf(data []byte) string {
	return gjson.GetBytes(data, "type").String()
}

// Dump renders m as indented JSON for debug logging.
func Dump(m Message) string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%+v", m)
	}
	return string(pretty.Pretty(data))
}
