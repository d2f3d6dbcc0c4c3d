package rest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/device"
)

const (
	DefaultPayload = `{"status": "OK"}`
	payloadValue   = "value"
	payloadMax     = 1000
)

// Payload is the JSON document served at the configured endpoint. Its
// "value" field is redrawn on every published snapshot.
type Payload struct {
	mu      sync.RWMutex
	doc     map[string]any
	invalid bool
	source  device.Source
}

// NewPayload parses raw. Invalid JSON, or JSON that is not an object, is
// replaced by an error document. An empty raw string means DefaultPayload.
func NewPayload(raw string, source device.Source) *Payload {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultPayload
	}
	p := &Payload{source: source}
	if err := json.Unmarshal([]byte(raw), &p.doc); err != nil || p.doc == nil {
		p.invalid = true
		p.doc = map[string]any{"status": "ERROR", "message": "Invalid JSON in config"}
	}
	return p
}

// Invalid reports whether the configured payload failed to parse.
func (p *Payload) Invalid() bool {
	return p.invalid
}

func (p *Payload) Name() string {
	return "http-payload"
}

func (p *Payload) Publish(ctx context.Context, snap addrspace.Snapshot) error {
	if p.source == nil {
		return nil
	}
	v := device.RandomInt(p.source, payloadMax)

	p.mu.Lock()
	p.doc[payloadValue] = v
	p.mu.Unlock()
	return nil
}

// Document returns a copy of the current document.
func (p *Payload) Document() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]any, len(p.doc))
	for k, v := range p.doc {
		out[k] = v
	}
	return out
}
