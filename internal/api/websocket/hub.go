package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"go.uber.org/zap"
)

// SnapshotProvider liefert den aktuellen Stand für neu verbundene Clients
type SnapshotProvider interface {
	Snapshot() addrspace.Snapshot
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Snapshot requests from clients
	requests chan *Client

	// closed when Run returns
	done chan struct{}

	mu sync.RWMutex

	logger *zap.Logger

	snapshots SnapshotProvider
}

// NewHub creates a new Hub instance. snapshots may be nil.
func NewHub(snapshots SnapshotProvider, logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		requests:   make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
		snapshots:  snapshots,
	}
}

// Run starts the hub's main event loop. It returns when ctx is done and
// closes every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))
			h.sendCurrent(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case client := <-h.requests:
			h.mu.RLock()
			_, ok := h.clients[client]
			h.mu.RUnlock()
			if ok {
				h.sendCurrent(client)
			}

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// langsamer Client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// sendCurrent pushes the latest snapshot to a freshly registered client.
func (h *Hub) sendCurrent(client *Client) {
	if h.snapshots == nil {
		return
	}
	data, err := json.Marshal(NewSnapshotMessage(h.snapshots.Snapshot()))
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// enqueue hands a client over to the hub loop unless the hub has stopped.
func (h *Hub) enqueue(ch chan *Client, client *Client) bool {
	select {
	case ch <- client:
		return true
	case <-h.done:
		return false
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

func (h *Hub) Name() string {
	return "websocket"
}

// Publish broadcasts the snapshot as a tag_snapshot message.
func (h *Hub) Publish(ctx context.Context, snap addrspace.Snapshot) error {
	h.Broadcast(NewSnapshotMessage(snap))
	return nil
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
