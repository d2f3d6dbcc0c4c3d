package simulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/device"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	name string
	err  error

	mu    sync.Mutex
	snaps []addrspace.Snapshot
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(ctx context.Context, snap addrspace.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

func newLoop(t *testing.T, period time.Duration, logger *zap.Logger) (*Loop, *device.Tank) {
	t.Helper()
	tank, err := device.NewTank(device.DefaultConfig())
	if err != nil {
		t.Fatalf("NewTank: %v", err)
	}
	src := device.SourceFunc(func(min, max float64) float64 { return 1 })
	return NewLoop(tank, src, period, logger), tank
}

func TestStep_AllPublishersSeeSameSnapshot(t *testing.T) {
	t.Parallel()

	loop, _ := newLoop(t, time.Second, zap.NewNop())
	a := &recordingPublisher{name: "a"}
	b := &recordingPublisher{name: "b"}
	loop.AddPublisher(a)
	loop.AddPublisher(b)

	snap := loop.Step(context.Background())

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("publish counts: a=%d b=%d", a.count(), b.count())
	}
	if a.snaps[0].Revision != snap.Revision || b.snaps[0].Revision != snap.Revision {
		t.Fatalf("revisions differ: %d %d %d", a.snaps[0].Revision, b.snaps[0].Revision, snap.Revision)
	}
	la, _ := a.snaps[0].Value(device.TagLevel)
	lb, _ := b.snaps[0].Value(device.TagLevel)
	if la != lb {
		t.Fatalf("level differs: %v vs %v", la, lb)
	}
}

func TestStep_PublisherErrorIsLoggedAndOthersContinue(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	loop, _ := newLoop(t, time.Second, zap.New(core))
	failing := &recordingPublisher{name: "mqtt", err: errors.New("broker gone")}
	ok := &recordingPublisher{name: "modbus"}
	loop.AddPublisher(failing)
	loop.AddPublisher(ok)

	loop.Step(context.Background())

	if ok.count() != 1 {
		t.Fatalf("second publisher skipped")
	}
	entries := logs.FilterMessage("Publish failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one publish failure log, got %d", len(entries))
	}
	if entries[0].ContextMap()["publisher"] != "mqtt" {
		t.Fatalf("publisher field missing: %v", entries[0].ContextMap())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	loop, tank := newLoop(t, 5*time.Millisecond, zap.NewNop())
	p := &recordingPublisher{name: "p"}
	loop.AddPublisher(p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for tank.Ticks() < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop did not tick")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	// initialer Snapshot + ein Publish pro Tick
	if got, want := uint64(p.count()), tank.Ticks()+1; got != want {
		t.Fatalf("publishes: got %d, want %d", got, want)
	}
	if loop.IsRunning() {
		t.Fatalf("loop still marked running")
	}
	// jeder Tick schreibt alle drei Tags
	if rev := tank.Space().Revision(); rev != tank.Ticks()*3 {
		t.Fatalf("revision %d not a multiple of complete ticks %d", rev, tank.Ticks())
	}
}

func TestNewLoop_DefaultPeriod(t *testing.T) {
	t.Parallel()

	loop, _ := newLoop(t, 0, zap.NewNop())
	if loop.Period() != DefaultPeriod {
		t.Fatalf("period: %v", loop.Period())
	}
}
