// Package simulation drives the device model on a fixed period and pushes
// every committed snapshot to the registered publishers.
package simulation

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/device"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"go.uber.org/zap"
)

const DefaultPeriod = 5 * time.Second

type Loop struct {
	tank   *device.Tank
	source device.Source
	period time.Duration
	logger *zap.Logger

	mu         sync.RWMutex
	publishers []transport.Publisher
	running    bool
}

func NewLoop(tank *device.Tank, source device.Source, period time.Duration, logger *zap.Logger) *Loop {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Loop{
		tank:   tank,
		source: source,
		period: period,
		logger: logger,
	}
}

// AddPublisher registriert einen Push-Empfänger
func (l *Loop) AddPublisher(p transport.Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishers = append(l.publishers, p)
}

func (l *Loop) Period() time.Duration {
	return l.period
}

func (l *Loop) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Run publishes the initial state, then ticks every period until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	l.logger.Info("Simulation loop started", zap.Duration("period", l.period))

	l.publish(ctx, l.tank.Space().Snapshot())

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Simulation loop stopped", zap.Uint64("ticks", l.tank.Ticks()))
			return nil
		case <-ticker.C:
			l.Step(ctx)
		}
	}
}

// Step runs exactly one tick. The commit finishes before any publisher sees
// the snapshot, and every publisher gets the same snapshot.
func (l *Loop) Step(ctx context.Context) addrspace.Snapshot {
	snap := l.tank.Tick(l.source)
	alarms := l.tank.Alarms()

	l.logger.Info("Tank update",
		zap.Float64("level", l.tank.Level()),
		zap.Float64("temperature", l.tank.Temperature()),
		zap.Bool("high_alarm", alarms.High),
		zap.Bool("low_alarm", alarms.Low),
		zap.Uint64("revision", snap.Revision))

	l.publish(ctx, snap)
	return snap
}

func (l *Loop) publish(ctx context.Context, snap addrspace.Snapshot) {
	l.mu.RLock()
	publishers := make([]transport.Publisher, len(l.publishers))
	copy(publishers, l.publishers)
	l.mu.RUnlock()

	for _, p := range publishers {
		if err := p.Publish(ctx, snap); err != nil {
			l.logger.Error("Publish failed",
				zap.String("publisher", p.Name()),
				zap.Uint64("revision", snap.Revision),
				zap.Error(err))
		}
	}
}
