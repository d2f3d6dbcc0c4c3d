package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/api/rest"
	"github.com/KevinKickass/OpenFieldSim/internal/bacnet"
	"github.com/KevinKickass/OpenFieldSim/internal/device"
	"github.com/KevinKickass/OpenFieldSim/internal/devices"
	"github.com/KevinKickass/OpenFieldSim/internal/s7"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newSimulator(t *testing.T) (*device.Tank, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tank, err := device.NewTank(device.Config{InitialLevel: 85, InitialTemperature: 21, HighThreshold: 80, LowThreshold: 20})
	if err != nil {
		t.Fatalf("NewTank: %v", err)
	}
	manager, err := devices.NewManager(nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := bacnet.DefaultConfig()
	s7Cfg := s7.DefaultConfig()
	reps, err := manager.Build("", tank.Space(), devices.Options{BACnet: &cfg, S7: &s7Cfg})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := reps.S7.Publish(context.Background(), tank.Space().Snapshot()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	server := rest.NewServer(rest.Options{Space: tank.Space(), BACnet: reps.BACnet, S7: reps.S7}, zap.NewNop())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return tank, srv
}

func TestAdapter_ReadAndWriteTags(t *testing.T) {
	t.Parallel()

	tank, srv := newSimulator(t)
	a := NewAdapter(srv.URL+"/", time.Second, zap.NewNop())
	ctx := context.Background()

	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Disconnect()

	group := transport.Group{Name: "tags", Space: "tags", Targets: []transport.Target{
		{Address: device.TagLevel, Kind: types.KindAnalog},
		{Address: device.TagTemperature, Kind: types.KindAnalog},
		{Address: device.TagAlarm, Kind: types.KindBinary},
		{Address: "bacnet/analogValue:1", Kind: types.KindAnalog},
	}}
	values, err := a.ReadGroup(ctx, group)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if values[0].Analog != 85 || values[1].Analog != 21 || !values[2].Binary {
		t.Fatalf("values = %+v", values)
	}
	// das BACnet-Objekt wurde noch nicht publiziert, steht also auf dem Initialwert
	if values[3].Analog != 85 {
		t.Fatalf("bacnet value = %+v", values[3])
	}

	if err := a.WriteValue(ctx, transport.Target{Address: device.TagAlarm, Kind: types.KindBinary}, types.BinaryValue(false)); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	if tank.Space().Snapshot().Values[device.TagAlarm].Binary {
		t.Fatalf("alarm still active after clear")
	}

	if err := a.WriteValue(ctx, transport.Target{Address: "bacnet/binaryValue:3"}, types.AnalogValue(1)); err != nil {
		t.Fatalf("WriteValue bacnet: %v", err)
	}
	if !tank.Space().Snapshot().Values[device.TagAlarm].Binary {
		t.Fatalf("bacnet write did not reach the alarm tag")
	}
}

func TestAdapter_ServerReportedKind(t *testing.T) {
	t.Parallel()

	_, srv := newSimulator(t)
	a := NewAdapter(srv.URL, time.Second, zap.NewNop())

	// ohne Kind im Target entscheidet das "kind"-Feld der Antwort
	values, err := a.ReadGroup(context.Background(), transport.Group{Name: "tags", Space: "tags", Targets: []transport.Target{
		{Address: device.TagAlarm},
		{Address: "s7/DB1.DBX8.0"},
		{Address: "s7/DB1.DBD0"},
	}})
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if values[0].Kind != types.KindBinary || !values[0].Binary {
		t.Fatalf("alarm = %+v", values[0])
	}
	if values[1].Kind != types.KindBinary || !values[1].Binary {
		t.Fatalf("alarm bit = %+v", values[1])
	}
	if values[2].Kind != types.KindAnalog || values[2].Analog != 85 {
		t.Fatalf("level REAL = %+v", values[2])
	}
}

func TestAdapter_S7Counter(t *testing.T) {
	t.Parallel()

	_, srv := newSimulator(t)
	a := NewAdapter(srv.URL, time.Second, zap.NewNop())
	ctx := context.Background()

	if err := a.WriteValue(ctx, transport.Target{Address: "s7/db1.dbb21"}, types.AnalogValue(9)); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	values, err := a.ReadGroup(ctx, transport.Group{Name: "db", Space: SpaceDB, Start: 20, Count: 4})
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(values) != 4 || values[1].Analog != 9 || values[0].Analog != 0 {
		t.Fatalf("db bytes = %+v", values)
	}

	_, err = a.ReadGroup(ctx, transport.Group{Name: "db", Space: SpaceDB, Start: 250, Count: 10})
	var perr *transport.ProtocolError
	if !errors.As(err, &perr) || perr.Code != http.StatusBadRequest {
		t.Fatalf("range past the DB end: expected 400 ProtocolError, got %v", err)
	}
	err = a.WriteValue(ctx, transport.Target{Address: "s7/DB2.DBB0"}, types.AnalogValue(1))
	if !errors.As(err, &perr) || perr.Code != http.StatusNotFound {
		t.Fatalf("unknown DB: expected 404 ProtocolError, got %v", err)
	}
	var parseErr *types.ParseError
	if err := a.WriteValue(ctx, transport.Target{Address: "s7/M1.0"}, types.AnalogValue(1)); !errors.As(err, &parseErr) {
		t.Fatalf("bad address: expected ParseError, got %v", err)
	}
}

func TestAdapter_Errors(t *testing.T) {
	t.Parallel()

	_, srv := newSimulator(t)
	a := NewAdapter(srv.URL, time.Second, zap.NewNop())
	ctx := context.Background()

	_, err := a.ReadGroup(ctx, transport.Group{Targets: []transport.Target{{Address: "pressure"}}})
	var perr *transport.ProtocolError
	if !errors.As(err, &perr) || perr.Code != http.StatusNotFound {
		t.Fatalf("unknown tag: expected 404 ProtocolError, got %v", err)
	}

	err = a.WriteValue(ctx, transport.Target{Address: device.TagLevel}, types.BinaryValue(true))
	if !errors.As(err, &perr) || perr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("type mismatch: expected 422 ProtocolError, got %v", err)
	}
	if transport.Classify(err) != "protocol" {
		t.Fatalf("classify = %s", transport.Classify(err))
	}

	var parseErr *types.ParseError
	if _, err := a.ReadGroup(ctx, transport.Group{Targets: []transport.Target{{Address: "bacnet/analogInput:1"}}}); !errors.As(err, &parseErr) {
		t.Fatalf("bad object: expected ParseError, got %v", err)
	}
	if _, err := a.ReadGroup(ctx, transport.Group{Targets: []transport.Target{{Address: "a/b"}}}); !errors.As(err, &parseErr) {
		t.Fatalf("bad tag: expected ParseError, got %v", err)
	}
}

func TestAdapter_ConnectAndTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, 20*time.Millisecond, zap.NewNop())
	_, err := a.ReadGroup(context.Background(), transport.Group{Targets: []transport.Target{{Address: "level"}}})
	var terr *transport.TransportError
	if !errors.As(err, &terr) || !terr.Timeout {
		t.Fatalf("expected timeout TransportError, got %v", err)
	}

	down := NewAdapter("http://127.0.0.1:1", time.Second, zap.NewNop())
	var cerr *transport.ConnectionError
	if err := down.Connect(context.Background()); !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}
