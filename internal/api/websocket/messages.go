package websocket

import (
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/google/uuid"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeTagSnapshot  MessageType = "tag_snapshot"
	MessageTypeSystemStatus MessageType = "system_status"
)

// Client requests
const (
	RequestSnapshot = "get_snapshot"
)

// Message represents a WebSocket message
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// TagSnapshotData is the payload of a tag_snapshot message.
type TagSnapshotData struct {
	Revision uint64         `json:"revision"`
	Taken    time.Time      `json:"taken"`
	Tags     map[string]any `json:"tags"`
}

// SystemStatusData wird beim Zustandswechsel des Simulators gesendet
type SystemStatusData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewSnapshotMessage(snap addrspace.Snapshot) Message {
	tags := make(map[string]any, len(snap.Values))
	for name, value := range snap.Values {
		tags[name] = value.Interface()
	}
	return NewMessage(MessageTypeTagSnapshot, TagSnapshotData{
		Revision: snap.Revision,
		Taken:    snap.Taken,
		Tags:     tags,
	})
}

func NewSystemStatusMessage(state, previous string) Message {
	return NewMessage(MessageTypeSystemStatus, SystemStatusData{
		State:    state,
		Previous: previous,
	})
}
