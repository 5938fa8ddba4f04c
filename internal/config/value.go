package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Kind is the declared primitive type of a configuration value as it
// travels on the bus.
type Kind int

const (
	KindBoolean Kind = iota + 1
	KindDouble
	KindString
	KindBooleanArray
	KindDoubleArray
	KindStringArray
)

// Bus type tags, one per Kind.
var kindTags = [...]string{
	KindBoolean:      "boolean",
	KindDouble:       "double",
	KindString:       "string",
	KindBooleanArray: "boolean[]",
	KindDoubleArray:  "double[]",
	KindStringArray:  "string[]",
}

func (k Kind) String() string {
	if k <= 0 || int(k) >= len(kindTags) {
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
	return kindTags[k]
}

// ParseKind maps a bus type tag to a Kind. Tags outside the recognized set
// return an *UnsupportedTypeError.
func ParseKind(tag string) (Kind, error) {
	for k := KindBoolean; int(k) < len(kindTags); k++ {
		if kindTags[k] == tag {
			return k, nil
		}
	}
	return 0, &UnsupportedTypeError{Tag: tag}
}

// Value is a tagged configuration value. Bool, Float, String, BoolArray,
// FloatArray and StringArray are its only implementations.
type Value interface {
	Kind() Kind
	String() string
	isValue()
}

type (
	Bool        bool
	Float       float64
	String      string
	BoolArray   []bool
	FloatArray  []float64
	StringArray []string
)

func (Bool) Kind() Kind        { return KindBoolean }
func (Float) Kind() Kind       { return KindDouble }
func (String) Kind() Kind      { return KindString }
func (BoolArray) Kind() Kind   { return KindBooleanArray }
func (FloatArray) Kind() Kind  { return KindDoubleArray }
func (StringArray) Kind() Kind { return KindStringArray }

func (v Bool) String() string   { return strconv.FormatBool(bool(v)) }
func (v Float) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v String) String() string { return strconv.Quote(string(v)) }

// LogValue logs a String unquoted.
func (v String) LogValue() slog.Value { return slog.StringValue(string(v)) }

func (v BoolArray) String() string {
	parts := make([]string, len(v))
	for i, b := range v {
		parts[i] = strconv.FormatBool(b)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (v FloatArray) String() string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (v StringArray) String() string {
	parts := make([]string, len(v))
	for i, s := range v {
		parts[i] = strconv.Quote(s)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (Bool) isValue()        {}
func (Float) isValue()       {}
func (String) isValue()      {}
func (BoolArray) isValue()   {}
func (FloatArray) isValue()  {}
func (StringArray) isValue() {}

// ValueFromJSON decodes raw as a value of the kind named by tag. A missing or
// null payload, or one that does not decode as kind, is ErrTypeMismatch.
func ValueFromJSON(tag string, raw []byte) (Value, error) {
	kind, err := ParseKind(tag)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("config: decode %s value: %w: no value", kind, ErrTypeMismatch)
	}

	var v Value
	switch kind {
	case KindBoolean:
		var b bool
		err = json.Unmarshal(raw, &b)
		v = Bool(b)
	case KindDouble:
		var f float64
		err = json.Unmarshal(raw, &f)
		v = Float(f)
	case KindString:
		var s string
		err = json.Unmarshal(raw, &s)
		v = String(s)
	case KindBooleanArray:
		var bs []bool
		err = json.Unmarshal(raw, &bs)
		v = BoolArray(bs)
	case KindDoubleArray:
		var fs []float64
		err = json.Unmarshal(raw, &fs)
		v = FloatArray(fs)
	case KindStringArray:
		var ss []string
		err = json.Unmarshal(raw, &ss)
		v = StringArray(ss)
	default:
		return nil, &UnsupportedTypeError{Tag: tag}
	}
	if err != nil {
		return nil, fmt.Errorf("config: decode %s value: %w: %w", kind, ErrTypeMismatch, err)
	}
	return v, nil
}

// ValueJSON returns the JSON encoding of v's payload, without its tag.
func ValueJSON(v Value) ([]byte, error) {
	switch v := v.(type) {
	case Bool:
		return json.Marshal(bool(v))
	case Float:
		return json.Marshal(float64(v))
	case String:
		return json.Marshal(string(v))
	case BoolArray:
		return json.Marshal([]bool(v))
	case FloatArray:
		return json.Marshal([]float64(v))
	case StringArray:
		return json.Marshal([]string(v))
	default:
		return nil, fmt.Errorf("config: unknown value type %T", v)
	}
}

// Equal reports whether a and b carry the same kind and payload.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch a := a.(type) {
	case Bool, Float, String:
		return a == b
	case BoolArray:
		return equalSlices(a, b.(BoolArray))
	case FloatArray:
		return equalSlices(a, b.(FloatArray))
	case StringArray:
		return equalSlices(a, b.(StringArray))
	default:
		return false
	}
}

func equalSlices[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
