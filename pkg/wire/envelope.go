package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Reserved envelope fields, everything else belongs to the payload.
const (
	FieldType      = "type"
	FieldTimestamp = "timestamp"
	FieldID        = "id"
)

// Envelope is the typed wrapper placed around a payload before
// transmission. On the wire it is a flat JSON object:
// {"type": ..., "timestamp": ..., "id": ..., <payload fields>}.
type Envelope struct {
	ID        string
	Type      string
	Timestamp int64 // unix milliseconds
	Payload   map[string]any
}

var _ Marshaler = Envelope{}

func (e Envelope) Marshal() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		if isReserved(k) {
			return nil, fmt.Errorf("%w: %q", ErrReservedField, k)
		}
		flat[k] = v
	}
	flat[FieldType] = e.Type
	flat[FieldTimestamp] = e.Timestamp
	if e.ID != "" {
		flat[FieldID] = e.ID
	}
	return json.Marshal(flat)
}

// UnmarshalEnvelope parses a flat JSON envelope. Numbers in the payload are
// kept as json.Number so large integers survive the round trip.
func UnmarshalEnvelope(buf []byte) (Envelope, error) {
	var env Envelope

	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var flat map[string]any
	if err := dec.Decode(&flat); err != nil {
		return env, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if flat == nil {
		return env, fmt.Errorf("%w: envelope is not an object", ErrMalformed)
	}

	typ, ok := flat[FieldType].(string)
	if !ok || typ == "" {
		return env, fmt.Errorf("%w: envelope has no type", ErrMalformed)
	}
	env.Type = typ

	if ts, ok := flat[FieldTimestamp].(json.Number); ok {
		ms, err := ts.Int64()
		if err != nil {
			return env, fmt.Errorf("%w: invalid timestamp: %w", ErrMalformed, err)
		}
		env.Timestamp = ms
	}
	if id, ok := flat[FieldID].(string); ok {
		env.ID = id
	}

	env.Payload = maps.Clone(flat)
	delete(env.Payload, FieldType)
	delete(env.Payload, FieldTimestamp)
	delete(env.Payload, FieldID)
	return env, nil
}

func isReserved(field string) bool {
	return field == FieldType || field == FieldTimestamp || field == FieldID
}
