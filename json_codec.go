package eventflow

import (
	"encoding/json"
	"reflect"
)

// Versioned can be implemented by domain events in order to tag their
// payloads with an explicit schema version. Events that don't implement
// it are stored as version 1
type Versioned interface {
	EventVersion() int
}

// NewJSONCodec constructs a json codec with all events that
// need to be stored registered upfront
func NewJSONCodec(evts ...any) *JSONCodec {
	c := JSONCodec{
		types: make(map[string]reflect.Type),
	}

	for _, evt := range evts {
		t := reflect.TypeOf(evt)
		c.types[t.Name()] = t
	}

	return &c
}

// JSONCodec provides default json Codec implementation
// It will marshal and unmarshal events to/from json and store the
// type name and schema version alongside
type JSONCodec struct {
	types map[string]reflect.Type
}

// Encode marshals incoming event to its json representation
func (c *JSONCodec) Encode(evt any) (*EncodedEvent, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}

	version := 1

	if v, ok := evt.(Versioned); ok {
		version = v.EventVersion()
	}

	return &EncodedEvent{
		Type:    reflect.TypeOf(evt).Name(),
		Version: version,
		Data:    string(data),
	}, nil
}

// Decode unmarshals incoming event to its corresponding registered go type
func (c *JSONCodec) Decode(evt *EncodedEvent) (any, error) {
	t, ok := c.types[evt.Type]
	if !ok {
		return nil, ErrEventNotRegistered
	}

	v := reflect.New(t)

	err := json.Unmarshal([]byte(evt.Data), v.Interface())
	if err != nil {
		return nil, err
	}

	return v.Elem().Interface(), nil
}
