// Package cdc decodes change-data-capture envelopes and encodes the records
// the pipeline forwards to its sinks.
//
// An envelope is a JSON object in the Debezium shape
//
//	{"before": {...}, "after": {...}, "source": {...}, "op": "u", "ts_ms": 1700000000000}
//
// Only "after" is ever inspected. Every other member is carried as raw JSON
// and written back unchanged, in its original position.
package cdc

import (
	"encoding/json"
	"errors"
	"io"
)

// AfterKey is the envelope member holding the row state after the change.
const AfterKey = "after"

// DecodeError reports a payload that is not a JSON object.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "decode change event: " + e.Reason }

// Event is one decoded change event.
type Event struct {
	// Raw is the payload the event was decoded from.
	Raw []byte
	// Fields are the top-level envelope members in document order.
	Fields Object

	after    Object
	hasAfter bool
}

// Decode parses raw into an Event. It fails with *DecodeError when raw is
// not a single JSON object. An "after" member that is not an object is not an
// error; the event simply has no transformable fields.
func Decode(raw []byte) (*Event, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, &DecodeError{Reason: decodeReason(err)}
	}

	evt := &Event{Raw: raw, Fields: fields}
	if value, ok := fields.Get(AfterKey); ok && IsObject(value) {
		after, err := decodeObject(value)
		if err != nil {
			return nil, &DecodeError{Reason: "after: " + decodeReason(err)}
		}
		evt.after = after
		evt.hasAfter = true
	}
	return evt, nil
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, errNotObject):
		return "payload is not a JSON object"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "unexpected end of JSON input"
	default:
		return err.Error()
	}
}

// After returns the decoded "after" mapping. ok is false when the member is
// absent or is not a mapping.
func (e *Event) After() (after Object, ok bool) {
	return e.after, e.hasAfter
}

// WithAfter returns a copy of the event whose "after" mapping is replaced.
// The receiver is not modified.
func (e *Event) WithAfter(after Object) (*Event, error) {
	encoded, err := after.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return &Event{
		Raw:      e.Raw,
		Fields:   e.Fields.With(AfterKey, json.RawMessage(encoded)),
		after:    after,
		hasAfter: true,
	}, nil
}

// Encode serializes the event back to compact JSON.
func (e *Event) Encode() ([]byte, error) {
	return e.Fields.MarshalJSON()
}
