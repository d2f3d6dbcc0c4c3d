// Package s7 holds the Siemens S7 data block image of the simulated device.
package s7

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

// Width of an S7 address
type Width byte

const (
	WidthBit   Width = 'X'
	WidthByte  Width = 'B'
	WidthWord  Width = 'W'
	WidthDWord Width = 'D'
)

func (w Width) Size() int {
	switch w {
	case WidthWord:
		return 2
	case WidthDWord:
		return 4
	default:
		return 1
	}
}

// Address is a DB address in STEP 7 notation, e.g. DB1.DBX8.0 or DB1.DBD4.
type Address struct {
	DB     int
	Width  Width
	Offset int
	Bit    int
}

// ParseAddress parses DB<n>.DBX<byte>.<bit>, DB<n>.DBB<byte>, DB<n>.DBW<byte>
// and DB<n>.DBD<byte>.
func ParseAddress(s string) (Address, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	dbPart, rest, ok := strings.Cut(upper, ".")
	if !ok || !strings.HasPrefix(dbPart, "DB") || !strings.HasPrefix(rest, "DB") || len(rest) < 4 {
		return Address{}, &types.ParseError{Input: s, Reason: "expected DB<n>.DB<X|B|W|D><offset>"}
	}

	db, err := strconv.Atoi(dbPart[2:])
	if err != nil || db < 1 {
		return Address{}, &types.ParseError{Input: s, Reason: "invalid DB number"}
	}

	addr := Address{DB: db, Width: Width(rest[2])}
	offsetPart := rest[3:]

	switch addr.Width {
	case WidthBit:
		byteStr, bitStr, ok := strings.Cut(offsetPart, ".")
		if !ok {
			return Address{}, &types.ParseError{Input: s, Reason: "bit address needs <byte>.<bit>"}
		}
		bit, err := strconv.Atoi(bitStr)
		if err != nil || bit < 0 || bit > 7 {
			return Address{}, &types.ParseError{Input: s, Reason: "bit must be 0..7"}
		}
		addr.Bit = bit
		offsetPart = byteStr
	case WidthByte, WidthWord, WidthDWord:
	default:
		return Address{}, &types.ParseError{Input: s, Reason: fmt.Sprintf("unknown width %q", rest[2])}
	}

	offset, err := strconv.Atoi(offsetPart)
	if err != nil || offset < 0 {
		return Address{}, &types.ParseError{Input: s, Reason: "invalid byte offset"}
	}
	addr.Offset = offset
	return addr, nil
}

func (a Address) String() string {
	if a.Width == WidthBit {
		return fmt.Sprintf("DB%d.DBX%d.%d", a.DB, a.Offset, a.Bit)
	}
	return fmt.Sprintf("DB%d.DB%c%d", a.DB, a.Width, a.Offset)
}
