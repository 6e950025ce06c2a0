package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jimsync/jim/pkg/engine"
)

// DecodeValue decodes a feed value. Envelopes keep their type; plain strings
// become text, integers long numbers and booleans booleans. Other numbers are
// kept as text so the import can convert them to the attribute's type. Null
// decodes to nil.
func DecodeValue(raw json.RawMessage) (engine.Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '{':
		return engine.UnmarshalValue(raw)
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return engine.TextValue(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return engine.BoolValue(b), nil
	case '[':
		return nil, fmt.Errorf("nested arrays are not values")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("invalid value %s: %w", raw, err)
	}
	if i, err := n.Int64(); err == nil {
		return engine.LongValue(i), nil
	}
	return engine.TextValue(n.String()), nil
}

// EncodeValue encodes a value as a typed envelope.
func EncodeValue(v engine.Value) (json.RawMessage, error) {
	return engine.MarshalValue(v)
}

// DecodeAttribute decodes every value of an attribute, dropping nulls.
func DecodeAttribute(a AttributeMessage) (engine.ImportObjectAttribute, error) {
	attr := engine.ImportObjectAttribute{Name: a.Name, Values: make([]engine.Value, 0, len(a.Values))}
	for i, raw := range a.Values {
		v, err := DecodeValue(raw)
		if err != nil {
			return attr, fmt.Errorf("attribute %s value %d: %w", a.Name, i, err)
		}
		if v != nil {
			attr.Values = append(attr.Values, v)
		}
	}
	return attr, nil
}

// EncodeAttribute encodes the values of an attribute as envelopes.
func EncodeAttribute(a engine.ImportObjectAttribute) (AttributeMessage, error) {
	msg := AttributeMessage{Name: a.Name, Values: make([]json.RawMessage, 0, len(a.Values))}
	for _, v := range a.Values {
		raw, err := EncodeValue(v)
		if err != nil {
			return msg, fmt.Errorf("attribute %s: %w", a.Name, err)
		}
		msg.Values = append(msg.Values, raw)
	}
	return msg, nil
}
