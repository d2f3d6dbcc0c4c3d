package opcua

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"go.uber.org/zap"
)

type VariableConfig struct {
	Name    string  `mapstructure:"name" json:"name"`
	NodeID  string  `mapstructure:"nodeid" json:"node_id"`
	Initial float64 `mapstructure:"initial_value" json:"initial_value"`
}

func DefaultVariables() []VariableConfig {
	return []VariableConfig{
		{Name: "Variable1", NodeID: "ns=2;s=Var1"},
		{Name: "Variable2", NodeID: "ns=2;s=Var2"},
		{Name: "Variable3", NodeID: "ns=2;s=Var3"},
	}
}

// Variable is one counter as seen by clients.
type Variable struct {
	Name   string      `json:"name"`
	NodeID NodeAddress `json:"-"`
	Node   string      `json:"node_id"`
	Value  float64     `json:"value"`
}

// Schrittfunktionen je Variable: +1.0, +0.5, (v+1) mod 5
var steps = []func(float64) float64{
	func(v float64) float64 { return v + 1.0 },
	func(v float64) float64 { return v + 0.5 },
	func(v float64) float64 { return math.Mod(v+1, 5) },
}

// CounterSet holds the demo variables of the OPC UA device and advances them
// once per published snapshot.
type CounterSet struct {
	mu     sync.RWMutex
	vars   []Variable
	logger *zap.Logger
}

func NewCounterSet(cfgs []VariableConfig, logger *zap.Logger) (*CounterSet, error) {
	if len(cfgs) == 0 {
		cfgs = DefaultVariables()
	}
	if len(cfgs) > len(steps) {
		return nil, fmt.Errorf("at most %d variables supported, got %d", len(steps), len(cfgs))
	}

	cs := &CounterSet{logger: logger}
	seen := make(map[NodeAddress]bool)
	for _, cfg := range cfgs {
		addr, err := ParseNodeAddress(cfg.NodeID)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", cfg.Name, err)
		}
		if seen[addr] {
			return nil, fmt.Errorf("variable %s: node id %s used twice", cfg.Name, addr)
		}
		seen[addr] = true
		cs.vars = append(cs.vars, Variable{Name: cfg.Name, NodeID: addr, Node: addr.String(), Value: cfg.Initial})
	}
	return cs, nil
}

func (c *CounterSet) Name() string {
	return "opcua-variables"
}

func (c *CounterSet) Publish(ctx context.Context, snap addrspace.Snapshot) error {
	c.Step()
	return nil
}

// Step advances every variable once.
func (c *CounterSet) Step() {
	c.mu.Lock()
	fields := make([]zap.Field, 0, len(c.vars))
	for i := range c.vars {
		c.vars[i].Value = steps[i](c.vars[i].Value)
		fields = append(fields, zap.Float64(c.vars[i].Name, c.vars[i].Value))
	}
	c.mu.Unlock()

	c.logger.Debug("OPC UA variables updated", fields...)
}

func (c *CounterSet) Variables() []Variable {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Variable, len(c.vars))
	copy(out, c.vars)
	return out
}

// Lookup findet eine Variable über ihre Node-Adresse
func (c *CounterSet) Lookup(addr NodeAddress) (Variable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, v := range c.vars {
		if v.NodeID == addr {
			return v, true
		}
	}
	return Variable{}, false
}
