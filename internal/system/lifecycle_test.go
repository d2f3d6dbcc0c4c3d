package system

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/config"
	"github.com/KevinKickass/OpenFieldSim/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", config.RoleSimulator, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Simulation.ServerLoopTime = 1
	cfg.Simulation.Seed = 7
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.HTTP.Port = 0
	cfg.GRPC.Port = 0
	cfg.Broker.Enabled = false
	return cfg
}

func TestPhase_CanMove(t *testing.T) {
	t.Parallel()

	ok := [][2]Phase{
		{PhaseCreated, PhaseStarting},
		{PhaseStarting, PhaseRunning},
		{PhaseStarting, PhaseFailed},
		{PhaseRunning, PhaseStopping},
		{PhaseFailed, PhaseStopping},
		{PhaseStopping, PhaseStopped},
		{PhaseCreated, PhaseStopping},
	}
	for _, tr := range ok {
		if !tr[0].CanMove(tr[1]) {
			t.Errorf("%s -> %s rejected", tr[0], tr[1])
		}
	}

	bad := [][2]Phase{
		{PhaseStopped, PhaseStarting},
		{PhaseRunning, PhaseStarting},
		{PhaseStopping, PhaseRunning},
		{PhaseFailed, PhaseRunning},
		{PhaseCreated, PhaseRunning},
		{Phase(42), PhaseStopping},
	}
	for _, tr := range bad {
		if tr[0].CanMove(tr[1]) {
			t.Errorf("%s -> %s allowed", tr[0], tr[1])
		}
	}

	if got := Phase(42).String(); got != "Phase(42)" {
		t.Errorf("unknown phase = %q", got)
	}
}

func TestLifecycle_StartAndShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zap.InfoLevel)
	lm, err := NewLifecycleManager(testConfig(t), zap.New(core))
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}
	if lm.Phase() != PhaseCreated {
		t.Fatalf("phase = %s", lm.Phase())
	}
	updates := lm.SubscribeStatus()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if lm.Phase() != PhaseRunning {
		t.Fatalf("phase = %s", lm.Phase())
	}
	if st := <-updates; st.Phase != PhaseStarting || st.Previous != PhaseCreated {
		t.Fatalf("status update = %+v", st)
	}
	if st := <-updates; st.Phase != PhaseRunning || st.Previous != PhaseStarting {
		t.Fatalf("status update = %+v", st)
	}

	// zweiter Start wird abgewiesen
	var terr *TransitionError
	if err := lm.Start(ctx); !errors.As(err, &terr) || terr.From != PhaseRunning {
		t.Fatalf("second Start = %v", err)
	}
	if lm.ModbusAddr() == nil || lm.RESTAddr() == nil || lm.GRPCAddr() == nil {
		t.Fatalf("listeners not bound")
	}

	// REST sieht denselben Lifecycle
	resp, err := http.Get("http://" + lm.RESTAddr().String() + "/api/v1/system/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	var status interfaces.SystemStatus
	err = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != "RUNNING" || status.Profile != "water-tank" {
		t.Fatalf("status = %+v", status)
	}
	want := map[string]bool{"modbus": false, "bacnet": false, "s7": false, "opcua-variables": false, "http-payload": false, "websocket": false}
	for _, name := range status.Publishers {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("publisher %s missing from %v", name, status.Publishers)
		}
	}

	conn, err := grpc.NewClient(lm.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc client: %v", err)
	}
	defer conn.Close()
	health := healthpb.NewHealthClient(conn)
	hr, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if hr.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health = %s", hr.Status)
	}

	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	select {
	case <-lm.Done():
	default:
		t.Fatalf("Done not closed after Shutdown")
	}
	if lm.Phase() != PhaseStopped {
		t.Fatalf("phase = %s", lm.Phase())
	}
	if st := <-updates; st.Phase != PhaseStopping {
		t.Fatalf("status update = %+v", st)
	}
	if st := <-updates; st.Phase != PhaseStopped {
		t.Fatalf("status update = %+v", st)
	}
	if lm.GetCurrentStatus().LoopRunning {
		t.Fatalf("loop still running after shutdown")
	}
	if logs.FilterMessage("Simulation loop started").Len() != 1 {
		t.Fatalf("loop start not logged")
	}
	if logs.FilterMessage("Graceful shutdown completed").Len() != 1 {
		t.Fatalf("shutdown not logged")
	}
	lm.UnsubscribeStatus(updates)
}

func TestLifecycle_StartFailsOnBusyPort(t *testing.T) {
	gin.SetMode(gin.TestMode)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	cfg := testConfig(t)
	cfg.Server.Enabled = false
	cfg.GRPC.Enabled = false
	cfg.HTTP.Port = busy.Addr().(*net.TCPAddr).Port

	lm, err := NewLifecycleManager(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}
	ctx := context.Background()
	if err := lm.Start(ctx); err == nil {
		t.Fatalf("expected Start to fail on a busy port")
	}
	if lm.Phase() != PhaseFailed {
		t.Fatalf("phase = %s", lm.Phase())
	}
	if st := lm.GetCurrentStatus(); st.State != "FAILED" {
		t.Fatalf("status = %+v", st)
	}
	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if lm.Phase() != PhaseStopped {
		t.Fatalf("phase = %s", lm.Phase())
	}
}
