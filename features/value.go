// Package features turns named input records into the fixed-order numeric
// vectors consumed by trained predictors.
package features

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

type ValueKind uint8

const (
	KindMissing ValueKind = iota
	KindNumber
	KindString
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	}
	return fmt.Sprintf("value_kind(%d)", uint8(k))
}

// Value is a scalar field of an input record. The zero Value is missing.
type Value struct {
	kind ValueKind
	num  float64
	str  string
	b    bool
}

func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

func String(s string) Value {
	return Value{kind: KindString, str: s}
}

func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) IsMissing() bool {
	return v.kind == KindMissing
}

// Float coerces the value for a numeric feature. Numbers pass through,
// booleans and the strings "true"/"false" become 1 or 0, and other strings
// are parsed as decimal floats. Non-finite numbers do not coerce.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		if !finite(v.num) {
			return 0, false
		}
		return v.num, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		s := strings.TrimSpace(v.str)
		switch s {
		case "true":
			return 1, true
		case "false":
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || !finite(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Text coerces the value for a categorical or text feature. Numbers use
// their shortest decimal form and booleans become "true" or "false".
func (v Value) Text() (string, bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	}
	return "", false
}

func (v Value) String() string {
	if s, ok := v.Text(); ok {
		return s
	}
	return "<missing>"
}

// Interface returns the value as float64, string, bool or nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	}
	return nil
}

func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == other.num || (math.IsNaN(v.num) && math.IsNaN(other.num))
	case KindString:
		return v.str == other.str
	case KindBool:
		return v.b == other.b
	}
	return true
}

// FromAny converts a decoded JSON scalar (or a Go numeric type) into a Value.
// nil becomes a missing value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsInf(v.num, 0) || math.IsNaN(v.num)) {
		return json.Marshal(strconv.FormatFloat(v.num, 'f', -1, 64))
	}
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	parsed, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
