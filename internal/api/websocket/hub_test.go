package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type received struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id"`
	Data TagSnapshotData `json:"data"`
}

func newSpace(t *testing.T) *addrspace.Space {
	t.Helper()
	space := addrspace.New()
	if err := space.Register(types.Tag{Name: "level", Kind: types.KindAnalog, Unit: "percent"}, types.AnalogValue(50)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := space.Register(types.Tag{Name: "alarm", Kind: types.KindBinary}, types.BinaryValue(false)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return space
}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg received
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestHub_PublishBroadcastsSnapshot(t *testing.T) {
	t.Parallel()

	space := newSpace(t)
	hub := NewHub(space, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, hub)

	first := readMessage(t, conn)
	if first.Type != MessageTypeTagSnapshot || first.Data.Revision != 0 || first.ID == "" {
		t.Fatalf("initial message = %+v", first)
	}
	if first.Data.Tags["level"] != 50.0 || first.Data.Tags["alarm"] != false {
		t.Fatalf("initial tags = %v", first.Data.Tags)
	}
	if hub.GetClientCount() != 1 {
		t.Fatalf("clients = %d", hub.GetClientCount())
	}

	snap, err := space.Commit(map[string]types.Value{"level": types.AnalogValue(81), "alarm": types.BinaryValue(true)})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := hub.Publish(ctx, snap); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	next := readMessage(t, conn)
	if next.Data.Revision != snap.Revision || next.Data.Tags["alarm"] != true {
		t.Fatalf("published message = %+v", next)
	}
	if next.ID == first.ID {
		t.Fatalf("message ids must differ")
	}
}

func TestHub_SnapshotRequest(t *testing.T) {
	t.Parallel()

	space := newSpace(t)
	hub := NewHub(space, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, hub)
	readMessage(t, conn)

	if _, err := space.Write("level", types.AnalogValue(12)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": RequestSnapshot}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Data.Tags["level"] != 12.0 || msg.Data.Revision != 1 {
		t.Fatalf("requested snapshot = %+v", msg)
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	conn := dial(t, hub)
	deadline := time.Now().Add(5 * time.Second)
	for hub.GetClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-stopped

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected closed connection")
	}
	if err := hub.Publish(context.Background(), addrspace.Snapshot{}); err != nil {
		t.Fatalf("Publish after stop: %v", err)
	}
}
