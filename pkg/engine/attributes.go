package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AttributeSet holds the values of an object keyed by attribute ID.
// Single-valued attributes hold at most one value, multi-valued attributes hold
// a set with no duplicates by underlying scalar.
type AttributeSet map[string][]Value

// Get returns the values of an attribute.
func (s AttributeSet) Get(attributeID string) []Value {
	return s[attributeID]
}

// First returns the first value of an attribute, or nil.
func (s AttributeSet) First(attributeID string) Value {
	if vs := s[attributeID]; len(vs) > 0 {
		return vs[0]
	}
	return nil
}

// AttributeIDs returns the attribute IDs with at least one value, sorted.
func (s AttributeSet) AttributeIDs() []string {
	ids := make([]string, 0, len(s))
	for id, vs := range s {
		if len(vs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a copy that shares no slices with s.
func (s AttributeSet) Clone() AttributeSet {
	out := make(AttributeSet, len(s))
	for id, vs := range s {
		out[id] = append([]Value(nil), vs...)
	}
	return out
}

// ByName re-keys the set by attribute name using the object type. Every
// attribute the type defines is present; unset ones map to an empty slice.
// Attributes unknown to the type are left out.
func (s AttributeSet) ByName(t *ObjectType) map[string][]Value {
	if t == nil {
		return map[string][]Value{}
	}
	out := make(map[string][]Value, len(t.Attributes))
	for _, def := range t.Attributes {
		out[def.Name] = s[def.ID]
	}
	return out
}

// SetValues replaces the values of an attribute after checking them against its definition.
// An empty slice clears the attribute.
func (s AttributeSet) SetValues(def AttributeDefinition, values []Value) error {
	clean := make([]Value, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		if v.DataType() != def.Type {
			return fmt.Errorf("%w: attribute %s is %s, got %s", ErrTypeMismatch, def.Name, def.Type, v.DataType())
		}
		key := ValueKey(v, true)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		clean = append(clean, v)
	}

	if !def.IsMultiValued() && len(clean) > 1 {
		return fmt.Errorf("attribute %s is single-valued, got %d values", def.Name, len(clean))
	}
	if len(clean) == 0 {
		delete(s, def.ID)
		return nil
	}
	s[def.ID] = clean
	return nil
}

// AddValue adds v to a multi-valued attribute, or replaces a single-valued one.
// It returns false if the value was already present.
func (s AttributeSet) AddValue(def AttributeDefinition, v Value) (bool, error) {
	if v == nil {
		return false, nil
	}
	if v.DataType() != def.Type {
		return false, fmt.Errorf("%w: attribute %s is %s, got %s", ErrTypeMismatch, def.Name, def.Type, v.DataType())
	}
	if !def.IsMultiValued() {
		if ValuesEqual(s.First(def.ID), v, true) {
			return false, nil
		}
		s[def.ID] = []Value{v}
		return true, nil
	}
	for _, existing := range s[def.ID] {
		if ValuesEqual(existing, v, true) {
			return false, nil
		}
	}
	s[def.ID] = append(s[def.ID], v)
	return true, nil
}

// RemoveValue removes v from an attribute. It returns false if v was absent.
func (s AttributeSet) RemoveValue(def AttributeDefinition, v Value, caseSensitive bool) bool {
	vs := s[def.ID]
	for i, existing := range vs {
		if ValuesEqual(existing, v, caseSensitive) {
			out := append(append([]Value(nil), vs[:i]...), vs[i+1:]...)
			if len(out) == 0 {
				delete(s, def.ID)
			} else {
				s[def.ID] = out
			}
			return true
		}
	}
	return false
}

func (s AttributeSet) setSingle(def AttributeDefinition, want AttributeDataType, v Value) error {
	if def.Type != want {
		return fmt.Errorf("%w: attribute %s is %s, not %s", ErrTypeMismatch, def.Name, def.Type, want)
	}
	if def.IsMultiValued() {
		return fmt.Errorf("%w: attribute %s is multi-valued", ErrTypeMismatch, def.Name)
	}
	s[def.ID] = []Value{v}
	return nil
}

// SetText sets a single-valued text attribute.
func (s AttributeSet) SetText(def AttributeDefinition, v string) error {
	return s.setSingle(def, AttributeDataTypeText, TextValue(v))
}

// SetInt sets a single-valued number attribute.
func (s AttributeSet) SetInt(def AttributeDefinition, v int32) error {
	return s.setSingle(def, AttributeDataTypeNumber, IntValue(v))
}

// SetLong sets a single-valued long number attribute.
func (s AttributeSet) SetLong(def AttributeDefinition, v int64) error {
	return s.setSingle(def, AttributeDataTypeLongNumber, LongValue(v))
}

// SetTime sets a single-valued date/time attribute.
func (s AttributeSet) SetTime(def AttributeDefinition, v time.Time) error {
	return s.setSingle(def, AttributeDataTypeDateTime, TimeValue(v))
}

// SetBool sets a single-valued boolean attribute.
func (s AttributeSet) SetBool(def AttributeDefinition, v bool) error {
	return s.setSingle(def, AttributeDataTypeBoolean, BoolValue(v))
}

// SetGUID sets a single-valued guid attribute.
func (s AttributeSet) SetGUID(def AttributeDefinition, v uuid.UUID) error {
	return s.setSingle(def, AttributeDataTypeGUID, GUIDValue(v))
}

// SetBinary sets a single-valued binary attribute.
func (s AttributeSet) SetBinary(def AttributeDefinition, v []byte) error {
	return s.setSingle(def, AttributeDataTypeBinary, BinaryValue(v))
}

// SetReference sets a single-valued reference attribute.
func (s AttributeSet) SetReference(def AttributeDefinition, v ReferenceValue) error {
	return s.setSingle(def, AttributeDataTypeReference, v)
}

// MarshalJSON encodes every value as a typed envelope.
func (s AttributeSet) MarshalJSON() ([]byte, error) {
	out := make(map[string][]json.RawMessage, len(s))
	for id, vs := range s {
		raws := make([]json.RawMessage, 0, len(vs))
		for _, v := range vs {
			raw, err := MarshalValue(v)
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", id, err)
			}
			raws = append(raws, raw)
		}
		out[id] = raws
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a set encoded by MarshalJSON.
func (s *AttributeSet) UnmarshalJSON(data []byte) error {
	var in map[string][]json.RawMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(AttributeSet, len(in))
	for id, raws := range in {
		for _, raw := range raws {
			v, err := UnmarshalValue(raw)
			if err != nil {
				return fmt.Errorf("attribute %s: %w", id, err)
			}
			if v != nil {
				out[id] = append(out[id], v)
			}
		}
	}
	*s = out
	return nil
}

// valueSet is an insertion-ordered set of values keyed by ValueKey.
type valueSet struct {
	keys   []string
	values map[string]Value
}

func newValueSet(caseSensitive bool, values []Value) *valueSet {
	s := &valueSet{values: make(map[string]Value, len(values))}
	for _, v := range values {
		s.add(v, caseSensitive)
	}
	return s
}

func (s *valueSet) add(v Value, caseSensitive bool) bool {
	if v == nil {
		return false
	}
	key := ValueKey(v, caseSensitive)
	if _, ok := s.values[key]; ok {
		return false
	}
	s.keys = append(s.keys, key)
	s.values[key] = v
	return true
}

func (s *valueSet) has(key string) bool {
	_, ok := s.values[key]
	return ok
}

func (s *valueSet) list() []Value {
	out := make([]Value, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, s.values[k])
	}
	return out
}

// DiffValueSets returns the values present in expected but not actual (toAdd)
// and present in actual but not expected (toRemove). Order of inputs is ignored.
func DiffValueSets(expected, actual []Value, caseSensitive bool) (toAdd, toRemove []Value) {
	exp := newValueSet(caseSensitive, expected)
	act := newValueSet(caseSensitive, actual)
	for _, k := range exp.keys {
		if !act.has(k) {
			toAdd = append(toAdd, exp.values[k])
		}
	}
	for _, k := range act.keys {
		if !exp.has(k) {
			toRemove = append(toRemove, act.values[k])
		}
	}
	return toAdd, toRemove
}

// ValueSetsEqual reports whether two value lists hold the same set.
func ValueSetsEqual(a, b []Value, caseSensitive bool) bool {
	add, remove := DiffValueSets(a, b, caseSensitive)
	return len(add) == 0 && len(remove) == 0
}
