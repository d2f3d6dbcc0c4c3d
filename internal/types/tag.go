package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind ist der Datentyp eines Tags
type Kind string

const (
	KindAnalog Kind = "analog"
	KindBinary Kind = "binary"
)

// activeEpsilon: analoge Alarmwerte gelten als aktiv wenn |v-1.0| < epsilon
const activeEpsilon = 1e-9

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAnalog, KindBinary:
		return Kind(s), nil
	case "bool", "boolean":
		return KindBinary, nil
	case "float", "real":
		return KindAnalog, nil
	}
	return "", &ParseError{Input: s, Reason: "unknown tag kind"}
}

// Tag beschreibt einen benannten Datenpunkt im AddressSpace
type Tag struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Unit string `json:"unit,omitempty"`
}

// Value is the canonical representation of a tag value. Binary values stay
// booleans internally; they only turn into 1.0/0.0 when an adapter needs a number.
type Value struct {
	Kind   Kind
	Analog float64
	Binary bool
}

func AnalogValue(f float64) Value {
	return Value{Kind: KindAnalog, Analog: f}
}

func BinaryValue(b bool) Value {
	return Value{Kind: KindBinary, Binary: b}
}

// Float kodiert den Wert als Zahl (bool -> 1.0/0.0)
func (v Value) Float() float64 {
	if v.Kind == KindBinary {
		if v.Binary {
			return 1.0
		}
		return 0.0
	}
	return v.Analog
}

// IsActive reports whether the value represents an active alarm: boolean true,
// or an analog value equal to 1.0 within a small epsilon.
func (v Value) IsActive() bool {
	if v.Kind == KindBinary {
		return v.Binary
	}
	return math.Abs(v.Analog-1.0) < activeEpsilon
}

// Interface returns float64 or bool.
func (v Value) Interface() any {
	if v.Kind == KindBinary {
		return v.Binary
	}
	return v.Analog
}

func (v Value) String() string {
	if v.Kind == KindBinary {
		return fmt.Sprintf("%t", v.Binary)
	}
	return fmt.Sprintf("%.3f", v.Analog)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON accepts a JSON number or boolean.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueFrom(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueFrom converts decoded JSON/YAML/OPC UA values.
func ValueFrom(raw any) (Value, error) {
	switch x := raw.(type) {
	case bool:
		return BinaryValue(x), nil
	case float64:
		return AnalogValue(x), nil
	case float32:
		return AnalogValue(float64(x)), nil
	case int:
		return AnalogValue(float64(x)), nil
	case int16:
		return AnalogValue(float64(x)), nil
	case int32:
		return AnalogValue(float64(x)), nil
	case int64:
		return AnalogValue(float64(x)), nil
	case uint16:
		return AnalogValue(float64(x)), nil
	case uint32:
		return AnalogValue(float64(x)), nil
	case uint64:
		return AnalogValue(float64(x)), nil
	}
	return Value{}, fmt.Errorf("unsupported value type: %T", raw)
}

// Coerce converts v to the given kind. Numbers become binary by comparing with 0.
func (v Value) Coerce(kind Kind) Value {
	if v.Kind == kind {
		return v
	}
	if kind == KindBinary {
		return BinaryValue(v.Analog != 0)
	}
	return AnalogValue(v.Float())
}
