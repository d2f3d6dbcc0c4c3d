// Package opcua parses OPC UA node addresses and polls OPC UA servers.
package opcua

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"github.com/gopcua/opcua/ua"
)

type IDKind byte

const (
	IDString     IDKind = 's'
	IDNumeric    IDKind = 'i'
	IDByteString IDKind = 'b'
)

// NodeAddress is a parsed "ns=<int>;<kind>=<id>" string.
type NodeAddress struct {
	Namespace uint16
	Kind      IDKind
	ID        string
	Numeric   uint32
}

// ParseNodeAddress parses "ns=2;s=Var1", "ns=3;i=1001" or "ns=2;b=raw". An
// unknown kind is read as a string id made of the whole id part.
func ParseNodeAddress(s string) (NodeAddress, error) {
	nsPart, idPart, ok := strings.Cut(strings.TrimSpace(s), ";")
	if !ok {
		return NodeAddress{}, &types.ParseError{Input: s, Reason: "missing ';' between namespace and id"}
	}

	nsKey, nsValue, ok := strings.Cut(nsPart, "=")
	if !ok || strings.TrimSpace(nsKey) != "ns" {
		return NodeAddress{}, &types.ParseError{Input: s, Reason: "namespace must start with 'ns='"}
	}
	ns, err := strconv.ParseUint(strings.TrimSpace(nsValue), 10, 16)
	if err != nil {
		return NodeAddress{}, &types.ParseError{Input: s, Reason: "namespace index must be an integer 0..65535"}
	}

	addr := NodeAddress{Namespace: uint16(ns), Kind: IDString}
	kind, id, hasKind := strings.Cut(idPart, "=")

	switch {
	case hasKind && kind == "s":
		addr.ID = id
	case hasKind && kind == "i":
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return NodeAddress{}, &types.ParseError{Input: s, Reason: "numeric id must be an unsigned 32-bit integer"}
		}
		addr.Kind = IDNumeric
		addr.ID = id
		addr.Numeric = uint32(n)
	case hasKind && kind == "b":
		addr.Kind = IDByteString
		addr.ID = id
	default:
		// unbekannter Typ: kompletter Id-Teil als String-Id
		addr.ID = idPart
	}

	if addr.ID == "" {
		return NodeAddress{}, &types.ParseError{Input: s, Reason: "empty node id"}
	}
	return addr, nil
}

// MustParseNodeAddress panics on malformed input. Only for constants.
func MustParseNodeAddress(s string) NodeAddress {
	addr, err := ParseNodeAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("ns=%d;%c=%s", a.Namespace, a.Kind, a.ID)
}

// NodeID converts the address into a gopcua node id.
func (a NodeAddress) NodeID() *ua.NodeID {
	switch a.Kind {
	case IDNumeric:
		return ua.NewNumericNodeID(a.Namespace, a.Numeric)
	case IDByteString:
		return ua.NewByteStringNodeID(a.Namespace, []byte(a.ID))
	default:
		return ua.NewStringNodeID(a.Namespace, a.ID)
	}
}
