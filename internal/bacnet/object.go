// Package bacnet holds the BACnet object view of the simulated device.
package bacnet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

type ObjectType string

const (
	AnalogValue ObjectType = "analogValue"
	BinaryValue ObjectType = "binaryValue"
)

// PropertyPresentValue is the only property the table serves.
const PropertyPresentValue = "presentValue"

// BACnet error codes (Clause 18)
const (
	ErrorCodeInvalidDataType   = 9
	ErrorCodeUnknownObject     = 31
	ErrorCodeUnknownProperty   = 32
	ErrorCodeWriteAccessDenied = 40
)

func ParseObjectType(s string) (ObjectType, error) {
	switch strings.ToLower(s) {
	case "analogvalue", "analog-value", "av":
		return AnalogValue, nil
	case "binaryvalue", "binary-value", "bv":
		return BinaryValue, nil
	}
	return "", &types.ParseError{Input: s, Reason: "unknown object type"}
}

// Kind is the value kind of the object's present value.
func (t ObjectType) Kind() types.Kind {
	if t == BinaryValue {
		return types.KindBinary
	}
	return types.KindAnalog
}

type ObjectID struct {
	Type     ObjectType `json:"type"`
	Instance uint32     `json:"instance"`
}

// ParseObjectID parses "analogValue:1" or "analogValue,1".
func ParseObjectID(s string) (ObjectID, error) {
	typ, inst, ok := strings.Cut(s, ":")
	if !ok {
		typ, inst, ok = strings.Cut(s, ",")
	}
	if !ok {
		return ObjectID{}, &types.ParseError{Input: s, Reason: "expected <type>:<instance>"}
	}

	objectType, err := ParseObjectType(strings.TrimSpace(typ))
	if err != nil {
		return ObjectID{}, &types.ParseError{Input: s, Reason: "unknown object type " + typ}
	}
	n, err := strconv.ParseUint(strings.TrimSpace(inst), 10, 22)
	if err != nil {
		return ObjectID{}, &types.ParseError{Input: s, Reason: "instance must be 0..4194303"}
	}
	return ObjectID{Type: objectType, Instance: uint32(n)}, nil
}

func (id ObjectID) String() string {
	return fmt.Sprintf("%s:%d", id.Type, id.Instance)
}

type Object struct {
	ID           ObjectID    `json:"id"`
	Name         string      `json:"object_name"`
	Units        string      `json:"units,omitempty"`
	Tag          string      `json:"tag,omitempty"`
	PresentValue types.Value `json:"present_value"`
}

// ObjectError is a BACnet error-class/error-code answer.
type ObjectError struct {
	ID     ObjectID
	Code   uint32
	Detail string
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("bacnet %s: %s", e.ID, e.Detail)
}
