// Package transport defines the protocol-neutral contract between the poll
// client, the simulation loop and the protocol packages.
package transport

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

// Adapter is the client side of a protocol.
type Adapter interface {
	Name() string
	// Connect returns a *ConnectionError on failure.
	Connect(ctx context.Context) error
	// ReadGroup returns one value per element of the group.
	ReadGroup(ctx context.Context, group Group) ([]types.Value, error)
	WriteValue(ctx context.Context, target Target, value types.Value) error
	// Disconnect is idempotent.
	Disconnect() error
}

// Publisher is the push side: it receives every snapshot the simulation commits.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, snap addrspace.Snapshot) error
}

// Group is one block read per poll cycle, e.g. a Modbus table range or a list
// of OPC UA nodes.
type Group struct {
	Name    string
	Space   string
	Start   uint16
	Count   uint16
	Kind    types.Kind
	Targets []Target
}

// Size is the number of values a read returns.
func (g Group) Size() int {
	if len(g.Targets) > 0 {
		return len(g.Targets)
	}
	return int(g.Count)
}

func (g Group) String() string {
	if len(g.Targets) > 0 {
		return fmt.Sprintf("%s[%d targets]", g.Name, len(g.Targets))
	}
	return fmt.Sprintf("%s[%s %d..%d]", g.Name, g.Space, g.Start, int(g.Start)+int(g.Count)-1)
}

// Target addresses a single value: a node id, a register, a tag name.
type Target struct {
	Address string
	Kind    types.Kind
	// WriteOnCondition ist der Wert der beim Alarm-Quittieren geschrieben wird
	WriteOnCondition *types.Value
}
