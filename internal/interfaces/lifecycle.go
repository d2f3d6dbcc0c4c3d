package interfaces

import (
	"context"
)

// SystemStatus represents the current simulator state
type SystemStatus struct {
	State            string   `json:"state"`
	Profile          string   `json:"profile"`
	Revision         uint64   `json:"revision"`
	Ticks            uint64   `json:"ticks"`
	LoopRunning      bool     `json:"loop_running"`
	Publishers       []string `json:"publishers"`
	WebSocketClients int      `json:"websocket_clients"`
	Timestamp        int64    `json:"timestamp"`
}

type LifecycleManager interface {
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
