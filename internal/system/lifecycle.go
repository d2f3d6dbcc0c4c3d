package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/api/rest"
	"github.com/KevinKickass/OpenFieldSim/internal/api/websocket"
	"github.com/KevinKickass/OpenFieldSim/internal/config"
	"github.com/KevinKickass/OpenFieldSim/internal/device"
	"github.com/KevinKickass/OpenFieldSim/internal/devices"
	"github.com/KevinKickass/OpenFieldSim/internal/interfaces"
	"github.com/KevinKickass/OpenFieldSim/internal/modbus"
	"github.com/KevinKickass/OpenFieldSim/internal/mqtt"
	"github.com/KevinKickass/OpenFieldSim/internal/opcua"
	"github.com/KevinKickass/OpenFieldSim/internal/simulation"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name of the simulation loop.
const HealthService = "openfieldsim.Simulation"

// LifecycleManager owns the simulated device and every server exposing it.
type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	tank      *device.Tank
	reps      *devices.Representations
	loop      *simulation.Loop
	counters  *opcua.CounterSet
	payload   *rest.Payload
	hub       *websocket.Hub
	publisher *mqtt.Publisher

	modbusServer *modbus.Server
	restServer   *rest.Server
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server

	cancel context.CancelFunc
	runWg  sync.WaitGroup

	phaseMu   sync.RWMutex
	phase     Phase
	lastError string

	listenersMu     sync.RWMutex
	statusListeners []chan PhaseChange

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager builds the tank, its representations and the servers.
// Nothing is bound or connected until Start.
func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	tank, err := device.NewTank(cfg.TankConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create tank: %w", err)
	}

	deviceManager, err := devices.NewManager(cfg.Devices.SearchPaths, logger.Named("devices"))
	if err != nil {
		return nil, fmt.Errorf("failed to create device manager: %w", err)
	}

	var opts devices.Options
	if cfg.Server.Enabled {
		mc := cfg.ModbusServer()
		opts.Modbus = &mc
	}
	if cfg.BACnet.Enabled {
		bc := cfg.BACnetTable()
		opts.BACnet = &bc
	}
	if cfg.S7.Enabled {
		sc := cfg.S7DB()
		opts.S7 = &sc
	}
	reps, err := deviceManager.Build(cfg.Devices.Profile, tank.Space(), opts)
	if err != nil {
		return nil, err
	}

	seed := cfg.Simulation.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	source := device.NewRandSource(seed)

	lm := &LifecycleManager{
		config:        cfg,
		logger:        logger,
		tank:          tank,
		reps:          reps,
		loop:          simulation.NewLoop(tank, source, cfg.LoopPeriod(), logger.Named("simulation")),
		shutdownChan:  make(chan struct{}),
	}

	for _, p := range reps.Publishers() {
		lm.loop.AddPublisher(p)
	}

	lm.counters, err = opcua.NewCounterSet(cfg.OPCUAVariables(), logger.Named("opcua"))
	if err != nil {
		return nil, fmt.Errorf("failed to create opcua variables: %w", err)
	}
	lm.loop.AddPublisher(lm.counters)

	if reps.Modbus != nil {
		lm.modbusServer = modbus.NewServer(cfg.ModbusServer(), reps.ModbusStore, reps.Modbus, logger.Named("modbus"))
	}

	if cfg.HTTP.Enabled {
		lm.payload = rest.NewPayload(cfg.JSONData.Payload, source)
		if lm.payload.Invalid() {
			logger.Error("Failed to parse payload as valid JSON, serving error document")
		}
		lm.hub = websocket.NewHub(tank.Space(), logger.Named("websocket"))
		lm.loop.AddPublisher(lm.payload)
		lm.loop.AddPublisher(lm.hub)

		lm.restServer = rest.NewServer(rest.Options{
			Addr:      cfg.HTTPAddr(),
			Endpoint:  cfg.HTTP.Endpoint,
			Payload:   lm.payload,
			Space:     tank.Space(),
			BACnet:    reps.BACnet,
			S7:        reps.S7,
			Variables: lm.counters,
			Hub:       lm.hub,
			Lifecycle: lm,
		}, logger.Named("rest"))
	}

	if cfg.Broker.Enabled {
		lm.publisher, err = mqtt.NewPublisher(cfg.MQTTOptions(), cfg.MQTTPublisher(), logger.Named("mqtt"))
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt publisher: %w", err)
		}
		lm.loop.AddPublisher(lm.publisher)
	}

	if cfg.GRPC.Enabled {
		lm.grpcServer = grpc.NewServer()
		lm.health = health.NewServer()
		lm.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
		healthpb.RegisterHealthServer(lm.grpcServer, lm.health)
	}

	return lm, nil
}

// Start connects, binds every listener and starts the simulation loop.
// Any failure leaves the manager in FAILED; call Shutdown to release what
// was already started. Start runs at most once.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	if err := lm.enter(PhaseStarting, nil); err != nil {
		return err
	}
	lm.logger.Info("Starting OpenFieldSim simulator",
		zap.String("profile", lm.reps.Profile.DeviceProfile.ID),
		zap.Duration("loop_period", lm.loop.Period()))

	runCtx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	if lm.publisher != nil {
		policy := transport.DefaultRetryPolicy()
		if lm.config.Broker.ConnectRetries >= 0 {
			policy.Attempts = uint64(lm.config.Broker.ConnectRetries)
		}
		if err := transport.ConnectWithRetry(ctx, lm.publisher, policy, lm.logger); err != nil {
			return lm.fail(fmt.Errorf("failed to connect to mqtt broker: %w", err))
		}
	}

	if lm.modbusServer != nil {
		if err := lm.modbusServer.Listen(); err != nil {
			return lm.fail(fmt.Errorf("failed to start modbus server: %w", err))
		}
		lm.goRun("modbus server", func() error { return lm.modbusServer.Serve(runCtx) })
	}

	if lm.restServer != nil {
		if err := lm.restServer.Start(); err != nil {
			return lm.fail(fmt.Errorf("failed to start REST API: %w", err))
		}
		lm.goRun("websocket hub", func() error {
			lm.hub.Run(runCtx)
			return nil
		})
	}

	if lm.grpcServer != nil {
		if err := lm.startGRPCServer(); err != nil {
			return lm.fail(fmt.Errorf("failed to start gRPC: %w", err))
		}
	}

	lm.goRun("simulation loop", func() error { return lm.loop.Run(runCtx) })

	if err := lm.enter(PhaseRunning, nil); err != nil {
		// Shutdown kam dazwischen
		return err
	}
	if lm.health != nil {
		lm.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	}

	lm.logger.Info("System started successfully",
		zap.Bool("modbus", lm.modbusServer != nil),
		zap.Bool("bacnet", lm.reps.BACnet != nil),
		zap.Bool("s7", lm.reps.S7 != nil),
		zap.Bool("http", lm.restServer != nil),
		zap.Bool("grpc", lm.grpcServer != nil),
		zap.Bool("mqtt", lm.publisher != nil))

	return nil
}

func (lm *LifecycleManager) goRun(name string, fn func() error) {
	lm.runWg.Add(1)
	go func() {
		defer lm.runWg.Done()
		if err := fn(); err != nil {
			lm.logger.Error("Component failed", zap.String("component", name), zap.Error(err))
		}
	}()
}

func (lm *LifecycleManager) fail(err error) error {
	lm.enter(PhaseFailed, err)
	return err
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcListener = lis

	lm.runWg.Add(1)
	go func() {
		defer lm.runWg.Done()
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.enter(PhaseStopping, nil)
		if lm.health != nil {
			lm.health.Shutdown()
		}

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.enter(PhaseStopped, nil)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 4)

	// 1. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, lm.config.ShutdownTimeout())
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 2. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	// 3. Loop, Modbus-Server und Hub über den Run-Context beenden
	if lm.cancel != nil {
		lm.cancel()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.runWg.Wait()
	}()

	// Wait for all shutdowns
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed", zap.Uint64("ticks", lm.tank.Ticks()))
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		err = fmt.Errorf("shutdown timeout exceeded")
	case err = <-errChan:
	}

	// MQTT erst nach dem letzten Publish trennen
	if lm.publisher != nil {
		lm.publisher.Close()
	}
	return err
}

// enter moves to next and notifies subscribers. A move the phase table does
// not allow returns a TransitionError and changes nothing.
func (lm *LifecycleManager) enter(next Phase, cause error) error {
	lm.phaseMu.Lock()
	previous := lm.phase
	if !previous.CanMove(next) {
		lm.phaseMu.Unlock()
		err := &TransitionError{From: previous, To: next}
		lm.logger.Warn("Lifecycle transition rejected", zap.Error(err))
		return err
	}
	lm.phase = next
	if cause != nil {
		lm.lastError = cause.Error()
	}
	change := PhaseChange{
		Phase:    next,
		Previous: previous,
		At:       time.Now(),
		Cause:    lm.lastError,
	}
	lm.phaseMu.Unlock()

	lm.logger.Info("Lifecycle phase changed",
		zap.Stringer("from", previous),
		zap.Stringer("to", next))
	lm.broadcastStatus(change)
	return nil
}

// Phase returns the current lifecycle phase.
func (lm *LifecycleManager) Phase() Phase {
	lm.phaseMu.RLock()
	defer lm.phaseMu.RUnlock()
	return lm.phase
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.phaseMu.RLock()
	phase := lm.phase
	lm.phaseMu.RUnlock()

	var publishers []string
	for _, p := range lm.reps.Publishers() {
		publishers = append(publishers, p.Name())
	}
	publishers = append(publishers, lm.counters.Name())
	if lm.payload != nil {
		publishers = append(publishers, lm.payload.Name(), lm.hub.Name())
	}
	if lm.publisher != nil {
		publishers = append(publishers, lm.publisher.Name())
	}

	clients := 0
	if lm.hub != nil {
		clients = lm.hub.GetClientCount()
	}

	return interfaces.SystemStatus{
		State:            phase.String(),
		Profile:          lm.reps.Profile.DeviceProfile.ID,
		Revision:         lm.tank.Space().Revision(),
		Ticks:            lm.tank.Ticks(),
		LoopRunning:      lm.loop.IsRunning(),
		Publishers:       publishers,
		WebSocketClients: clients,
		Timestamp:        time.Now().Unix(),
	}
}

func (lm *LifecycleManager) broadcastStatus(status PhaseChange) {
	if lm.hub != nil {
		lm.hub.Broadcast(websocket.NewSystemStatusMessage(status.Phase.String(), status.Previous.String()))
	}

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan PhaseChange {
	ch := make(chan PhaseChange, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan PhaseChange) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Addresses of the bound listeners, nil when disabled or not started.

func (lm *LifecycleManager) ModbusAddr() net.Addr {
	if lm.modbusServer == nil {
		return nil
	}
	return lm.modbusServer.Addr()
}

func (lm *LifecycleManager) RESTAddr() net.Addr {
	if lm.restServer == nil {
		return nil
	}
	return lm.restServer.Addr()
}

func (lm *LifecycleManager) GRPCAddr() net.Addr {
	if lm.grpcListener == nil {
		return nil
	}
	return lm.grpcListener.Addr()
}
