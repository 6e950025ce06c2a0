package engine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AttributeDataType is the declared type of an attribute definition.
type AttributeDataType string

const (
	// AttributeDataTypeText holds free text.
	AttributeDataTypeText AttributeDataType = "text"

	// AttributeDataTypeNumber holds a 32-bit integer.
	AttributeDataTypeNumber AttributeDataType = "number"

	// AttributeDataTypeLongNumber holds a 64-bit integer.
	AttributeDataTypeLongNumber AttributeDataType = "long_number"

	// AttributeDataTypeDateTime holds an instant in time.
	AttributeDataTypeDateTime AttributeDataType = "datetime"

	// AttributeDataTypeBoolean holds true or false.
	AttributeDataTypeBoolean AttributeDataType = "boolean"

	// AttributeDataTypeGUID holds a unique identifier.
	AttributeDataTypeGUID AttributeDataType = "guid"

	// AttributeDataTypeBinary holds an opaque byte blob.
	AttributeDataTypeBinary AttributeDataType = "binary"

	// AttributeDataTypeReference holds a link to another object.
	AttributeDataTypeReference AttributeDataType = "reference"
)

// Validate checks if the data type is valid.
func (t AttributeDataType) Validate() error {
	switch t {
	case AttributeDataTypeText, AttributeDataTypeNumber, AttributeDataTypeLongNumber,
		AttributeDataTypeDateTime, AttributeDataTypeBoolean, AttributeDataTypeGUID,
		AttributeDataTypeBinary, AttributeDataTypeReference:
		return nil
	default:
		return fmt.Errorf("invalid attribute data type: %s", t)
	}
}

// Value is a single typed attribute value.
// The set of implementations is closed: only the types in this file satisfy it.
type Value interface {
	// DataType returns the variant of this value.
	DataType() AttributeDataType

	// String renders the value for logs and error messages.
	String() string

	attributeValue()
}

// TextValue is a text attribute value.
type TextValue string

// IntValue is a 32-bit integer attribute value.
type IntValue int32

// LongValue is a 64-bit integer attribute value.
type LongValue int64

// TimeValue is a date/time attribute value.
type TimeValue time.Time

// BoolValue is a boolean attribute value.
type BoolValue bool

// GUIDValue is a unique-identifier attribute value.
type GUIDValue uuid.UUID

// BinaryValue is a binary attribute value.
type BinaryValue []byte

// ReferenceValue links to another object.
// ObjectID is set once the reference is resolved. Unresolved carries the raw
// value before resolution: a foreign identifier (such as a DN) on import, or
// the metaverse object id of the referenced identity on export.
type ReferenceValue struct {
	ObjectID   string
	Unresolved string
}

func (TextValue) attributeValue()      {}
func (IntValue) attributeValue()       {}
func (LongValue) attributeValue()      {}
func (TimeValue) attributeValue()      {}
func (BoolValue) attributeValue()      {}
func (GUIDValue) attributeValue()      {}
func (BinaryValue) attributeValue()    {}
func (ReferenceValue) attributeValue() {}

// DataType implements Value.
func (TextValue) DataType() AttributeDataType { return AttributeDataTypeText }

// DataType implements Value.
func (IntValue) DataType() AttributeDataType { return AttributeDataTypeNumber }

// DataType implements Value.
func (LongValue) DataType() AttributeDataType { return AttributeDataTypeLongNumber }

// DataType implements Value.
func (TimeValue) DataType() AttributeDataType { return AttributeDataTypeDateTime }

// DataType implements Value.
func (BoolValue) DataType() AttributeDataType { return AttributeDataTypeBoolean }

// DataType implements Value.
func (GUIDValue) DataType() AttributeDataType { return AttributeDataTypeGUID }

// DataType implements Value.
func (BinaryValue) DataType() AttributeDataType { return AttributeDataTypeBinary }

// DataType implements Value.
func (ReferenceValue) DataType() AttributeDataType { return AttributeDataTypeReference }

func (v TextValue) String() string { return string(v) }
func (v IntValue) String() string  { return strconv.FormatInt(int64(v), 10) }
func (v LongValue) String() string { return strconv.FormatInt(int64(v), 10) }
func (v TimeValue) String() string { return time.Time(v).UTC().Format(time.RFC3339Nano) }
func (v BoolValue) String() string { return strconv.FormatBool(bool(v)) }
func (v GUIDValue) String() string { return uuid.UUID(v).String() }
func (v BinaryValue) String() string {
	return base64.StdEncoding.EncodeToString(v)
}

func (v ReferenceValue) String() string {
	if v.ObjectID != "" {
		return v.ObjectID
	}
	return v.Unresolved
}

// IsResolved reports whether the reference points at a known object.
func (v ReferenceValue) IsResolved() bool {
	return v.ObjectID != ""
}

// ValueKey returns the identity of a value for set membership.
// Two values with equal keys are the same set member.
func ValueKey(v Value, caseSensitive bool) string {
	if v == nil {
		return ""
	}
	if ref, ok := v.(ReferenceValue); ok {
		if ref.ObjectID != "" {
			return "reference:" + ref.ObjectID
		}
		return "reference?" + ref.Unresolved
	}
	s := v.String()
	if !caseSensitive && v.DataType() == AttributeDataTypeText {
		s = strings.ToLower(s)
	}
	return string(v.DataType()) + ":" + s
}

// ValuesEqual compares two scalars with type-appropriate equality.
// Binary compares byte-exact, text compares ordinally (or case-folded when
// caseSensitive is false), everything else by value.
func ValuesEqual(a, b Value, caseSensitive bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.DataType() != b.DataType() {
		return false
	}

	switch av := a.(type) {
	case TextValue:
		bv := b.(TextValue)
		if caseSensitive {
			return av == bv
		}
		return strings.EqualFold(string(av), string(bv))
	case BinaryValue:
		return bytes.Equal(av, b.(BinaryValue))
	case TimeValue:
		return time.Time(av).Equal(time.Time(b.(TimeValue)))
	case ReferenceValue:
		bv := b.(ReferenceValue)
		if av.ObjectID != "" || bv.ObjectID != "" {
			return av.ObjectID == bv.ObjectID
		}
		return av.Unresolved == bv.Unresolved
	default:
		return a == b
	}
}

// ConvertValue converts v to the target data type.
// A nil value converts to nil. Conversions that cannot preserve the value
// return an error.
func ConvertValue(v Value, target AttributeDataType) (Value, error) {
	if v == nil {
		return nil, nil
	}
	if v.DataType() == target {
		return v, nil
	}

	switch target {
	case AttributeDataTypeText:
		if _, ok := v.(ReferenceValue); ok {
			break
		}
		return TextValue(v.String()), nil

	case AttributeDataTypeNumber:
		switch src := v.(type) {
		case LongValue:
			if src < math.MinInt32 || src > math.MaxInt32 {
				return nil, fmt.Errorf("%w: %d overflows number", ErrTypeMismatch, src)
			}
			return IntValue(src), nil
		case TextValue:
			n, err := strconv.ParseInt(strings.TrimSpace(string(src)), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, src)
			}
			return IntValue(n), nil
		case BoolValue:
			if src {
				return IntValue(1), nil
			}
			return IntValue(0), nil
		}

	case AttributeDataTypeLongNumber:
		switch src := v.(type) {
		case IntValue:
			return LongValue(src), nil
		case TextValue:
			n, err := strconv.ParseInt(strings.TrimSpace(string(src)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a long number", ErrTypeMismatch, src)
			}
			return LongValue(n), nil
		case TimeValue:
			return LongValue(time.Time(src).Unix()), nil
		}

	case AttributeDataTypeDateTime:
		switch src := v.(type) {
		case TextValue:
			t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(src)))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not an RFC 3339 timestamp", ErrTypeMismatch, src)
			}
			return TimeValue(t), nil
		case LongValue:
			return TimeValue(time.Unix(int64(src), 0).UTC()), nil
		}

	case AttributeDataTypeBoolean:
		switch src := v.(type) {
		case TextValue:
			b, err := strconv.ParseBool(strings.TrimSpace(string(src)))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a boolean", ErrTypeMismatch, src)
			}
			return BoolValue(b), nil
		case IntValue:
			return BoolValue(src != 0), nil
		case LongValue:
			return BoolValue(src != 0), nil
		}

	case AttributeDataTypeGUID:
		switch src := v.(type) {
		case TextValue:
			id, err := uuid.Parse(strings.TrimSpace(string(src)))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a guid", ErrTypeMismatch, src)
			}
			return GUIDValue(id), nil
		case BinaryValue:
			id, err := uuid.FromBytes(src)
			if err != nil {
				return nil, fmt.Errorf("%w: binary value is not a guid", ErrTypeMismatch)
			}
			return GUIDValue(id), nil
		}

	case AttributeDataTypeBinary:
		switch src := v.(type) {
		case GUIDValue:
			id := uuid.UUID(src)
			return BinaryValue(id[:]), nil
		case TextValue:
			b, err := base64.StdEncoding.DecodeString(string(src))
			if err != nil {
				return nil, fmt.Errorf("%w: text is not base64", ErrTypeMismatch)
			}
			return BinaryValue(b), nil
		}

	case AttributeDataTypeReference:
		if src, ok := v.(TextValue); ok {
			return ReferenceValue{Unresolved: string(src)}, nil
		}
	}

	return nil, fmt.Errorf("%w: cannot convert %s to %s", ErrTypeMismatch, v.DataType(), target)
}

// valueEnvelope is the JSON form of a Value.
type valueEnvelope struct {
	Type  AttributeDataType `json:"type"`
	Value json.RawMessage   `json:"value"`
}

type referenceJSON struct {
	ObjectID   string `json:"object_id,omitempty"`
	Unresolved string `json:"unresolved,omitempty"`
}

// MarshalValue encodes a value as a {"type", "value"} envelope.
func MarshalValue(v Value) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	var payload interface{}
	switch val := v.(type) {
	case TextValue:
		payload = string(val)
	case IntValue:
		payload = int32(val)
	case LongValue:
		payload = int64(val)
	case TimeValue:
		payload = time.Time(val).UTC().Format(time.RFC3339Nano)
	case BoolValue:
		payload = bool(val)
	case GUIDValue:
		payload = uuid.UUID(val).String()
	case BinaryValue:
		payload = []byte(val)
	case ReferenceValue:
		payload = referenceJSON{ObjectID: val.ObjectID, Unresolved: val.Unresolved}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueEnvelope{Type: v.DataType(), Value: raw})
}

// UnmarshalValue decodes an envelope produced by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var env valueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode value envelope: %w", err)
	}

	switch env.Type {
	case AttributeDataTypeText:
		var s string
		err := json.Unmarshal(env.Value, &s)
		return TextValue(s), err
	case AttributeDataTypeNumber:
		var n int32
		err := json.Unmarshal(env.Value, &n)
		return IntValue(n), err
	case AttributeDataTypeLongNumber:
		var n int64
		err := json.Unmarshal(env.Value, &n)
		return LongValue(n), err
	case AttributeDataTypeDateTime:
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		return TimeValue(t), err
	case AttributeDataTypeBoolean:
		var b bool
		err := json.Unmarshal(env.Value, &b)
		return BoolValue(b), err
	case AttributeDataTypeGUID:
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		return GUIDValue(id), err
	case AttributeDataTypeBinary:
		var b []byte
		err := json.Unmarshal(env.Value, &b)
		return BinaryValue(b), err
	case AttributeDataTypeReference:
		var ref referenceJSON
		err := json.Unmarshal(env.Value, &ref)
		return ReferenceValue{ObjectID: ref.ObjectID, Unresolved: ref.Unresolved}, err
	default:
		return nil, fmt.Errorf("unknown value type: %q", env.Type)
	}
}
