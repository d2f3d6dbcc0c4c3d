package opcua

import (
	"errors"
	"testing"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

func TestParseNodeAddress_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want NodeAddress
		str  string
	}{
		{"ns=2;s=Var1", NodeAddress{Namespace: 2, Kind: IDString, ID: "Var1"}, "ns=2;s=Var1"},
		{"ns=3;i=1001", NodeAddress{Namespace: 3, Kind: IDNumeric, ID: "1001", Numeric: 1001}, "ns=3;i=1001"},
		{"ns=2;b=Zm9v", NodeAddress{Namespace: 2, Kind: IDByteString, ID: "Zm9v"}, "ns=2;b=Zm9v"},
		{"ns=0;s=a=b", NodeAddress{Namespace: 0, Kind: IDString, ID: "a=b"}, "ns=0;s=a=b"},
		{"ns=2;x=Foo", NodeAddress{Namespace: 2, Kind: IDString, ID: "x=Foo"}, "ns=2;s=x=Foo"},
		{"ns=2;Pressure", NodeAddress{Namespace: 2, Kind: IDString, ID: "Pressure"}, "ns=2;s=Pressure"},
		{" ns=65535;s=Max ", NodeAddress{Namespace: 65535, Kind: IDString, ID: "Max"}, "ns=65535;s=Max"},
	}

	for _, tt := range tests {
		got, err := ParseNodeAddress(tt.in)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: got %+v, want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.str {
			t.Errorf("%q: String() = %q, want %q", tt.in, got.String(), tt.str)
		}
	}
}

func TestParseNodeAddress_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"ns=2;s=Var1", "ns=3;i=7", "ns=1;b=raw", "ns=2;x=Foo"} {
		first, err := ParseNodeAddress(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		second, err := ParseNodeAddress(first.String())
		if err != nil {
			t.Fatalf("%q: reparse failed: %v", first.String(), err)
		}
		if first != second {
			t.Errorf("%q: round trip changed address: %+v -> %+v", in, first, second)
		}
	}
}

func TestParseNodeAddress_Malformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"Var1",
		"ns=2",
		"nx=2;s=Var1",
		"ns=abc;s=Var1",
		"ns=70000;s=Var1",
		"ns=-1;s=Var1",
		"ns=2;i=abc",
		"ns=2;i=4294967296",
		"ns=2;s=",
		"ns=2;",
	} {
		_, err := ParseNodeAddress(in)
		var perr *types.ParseError
		if !errors.As(err, &perr) {
			t.Errorf("%q: expected ParseError, got %v", in, err)
		}
	}
}

func TestNodeAddress_NodeID(t *testing.T) {
	t.Parallel()

	id := MustParseNodeAddress("ns=3;i=1001").NodeID()
	if id.Namespace() != 3 || id.IntID() != 1001 {
		t.Fatalf("unexpected numeric node id: %s", id)
	}

	id = MustParseNodeAddress("ns=2;s=Var1").NodeID()
	if id.Namespace() != 2 || id.StringID() != "Var1" {
		t.Fatalf("unexpected string node id: %s", id)
	}
}
