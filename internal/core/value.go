package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindJSON
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Value is the tagged union carried by a flag. The zero Value is null.
// KindJSON holds an object or array kept as compacted raw JSON.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	raw  json.RawMessage
}

func Null() Value            { return Value{} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }

// JSON wraps a raw JSON document. Scalars are normalised into their own kind.
func JSON(raw json.RawMessage) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(raw); err != nil {
		return Value{}, err
	}
	return v, nil
}

// FromAny converts a decoded Go value (as produced by encoding/json) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case string:
		return String(t), nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return Value{}, fmt.Errorf("encode value: %w", err)
		}
		return JSON(raw)
	}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) BoolValue() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) NumberValue() (float64, bool) {
	return v.n, v.kind == KindNumber
}

func (v Value) StringValue() (string, bool) {
	return v.s, v.kind == KindString
}

// RawJSON returns the JSON encoding of any kind of value.
func (v Value) RawJSON() json.RawMessage {
	raw, _ := v.MarshalJSON()
	return raw
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindJSON:
		return bytes.Equal(v.raw, o.raw)
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	default:
		return string(v.RawJSON())
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindJSON:
		return append([]byte(nil), v.raw...), nil
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("decode value: empty input")
	}

	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("decode value: invalid literal %q", data)
		}
		*v = Null()
	case 't', 'f':
		switch string(data) {
		case "true":
			*v = Bool(true)
		case "false":
			*v = Bool(false)
		default:
			return fmt.Errorf("decode value: invalid literal %q", data)
		}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		*v = String(s)
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		*v = Value{kind: KindJSON, raw: buf.Bytes()}
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		*v = Number(n)
	}
	return nil
}
