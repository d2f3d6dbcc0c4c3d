package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// ---- Test doubles ----

type writeCall struct {
	target transport.Target
	value  types.Value
}

type stubAdapter struct {
	mu          sync.Mutex
	connectErr  error
	readErrs    map[string]error
	readValues  map[string][]types.Value
	writeErr    error
	reads       []string
	writes      []writeCall
	disconnects int
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Connect(ctx context.Context) error { return a.connectErr }

func (a *stubAdapter) ReadGroup(ctx context.Context, g transport.Group) ([]types.Value, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads = append(a.reads, g.Name)
	if err := a.readErrs[g.Name]; err != nil {
		return nil, err
	}
	return a.readValues[g.Name], nil
}

func (a *stubAdapter) WriteValue(ctx context.Context, t transport.Target, v types.Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, writeCall{target: t, value: v})
	return a.writeErr
}

func (a *stubAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
	return nil
}

func modbusGroups() []transport.Group {
	return []transport.Group{
		{Name: "coils", Space: "coils", Start: 0, Count: 10, Kind: types.KindBinary},
		{Name: "discretes", Space: "discretes", Start: 0, Count: 10, Kind: types.KindBinary},
		{Name: "holding", Space: "holding", Start: 0, Count: 5, Kind: types.KindAnalog},
		{Name: "input", Space: "input", Start: 0, Count: 5, Kind: types.KindAnalog},
	}
}

func tagGroups() []transport.Group {
	return []transport.Group{
		{Name: "tank", Targets: []transport.Target{
			{Address: "level", Kind: types.KindAnalog},
			{Address: "temperature", Kind: types.KindAnalog},
			{Address: "alarm", Kind: types.KindAnalog},
		}},
	}
}

func alarmClear() *AlarmClear {
	return &AlarmClear{
		Group:    "tank",
		Index:    2,
		Target:   transport.Target{Address: "alarm", Kind: types.KindAnalog},
		Inactive: types.AnalogValue(0.0),
	}
}

func newClient(t *testing.T, a transport.Adapter, cfg Config, logger *zap.Logger) *Client {
	t.Helper()
	c, err := NewClient(a, cfg, logger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// ---- Tests ----

func TestCycle_FailureIsolatedPerGroup(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	a := &stubAdapter{
		readErrs: map[string]error{
			"discretes": transport.TimeoutError("read", "discretes", context.DeadlineExceeded),
		},
		readValues: map[string][]types.Value{
			"coils":   make([]types.Value, 10),
			"holding": make([]types.Value, 5),
			"input":   make([]types.Value, 5),
		},
	}
	c := newClient(t, a, Config{Groups: modbusGroups()}, zap.New(core))

	report := c.Cycle(context.Background())

	if len(a.reads) != 4 {
		t.Fatalf("expected 4 reads, got %v", a.reads)
	}
	if report.Succeeded() != 3 || report.Failed() != 1 {
		t.Fatalf("succeeded=%d failed=%d", report.Succeeded(), report.Failed())
	}
	res, _ := report.Result("discretes")
	if !transport.IsTimeout(res.Err) {
		t.Fatalf("expected timeout on discretes, got %v", res.Err)
	}

	failed := logs.FilterMessage("Group read failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected one failure log, got %d", len(failed))
	}
	if failed[0].ContextMap()["kind"] != "timeout" {
		t.Fatalf("kind not logged: %v", failed[0].ContextMap())
	}
}

func TestCycle_ZeroCountGroupSkipped(t *testing.T) {
	t.Parallel()

	groups := modbusGroups()
	groups[1].Count = 0
	a := &stubAdapter{}
	c := newClient(t, a, Config{Groups: groups}, zap.NewNop())

	report := c.Cycle(context.Background())

	for _, name := range a.reads {
		if name == "discretes" {
			t.Fatalf("zero-count group was read")
		}
	}
	res, ok := report.Result("discretes")
	if !ok || !res.Skipped {
		t.Fatalf("expected skipped result, got %+v", res)
	}
}

func TestCycle_ProtocolAndTransportErrorsBothLogged(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	a := &stubAdapter{
		readErrs: map[string]error{
			"coils":   &transport.ProtocolError{Op: "read", Target: "coils", Code: 0x02, Detail: "illegal data address"},
			"holding": transport.Wrap("read", "holding", errors.New("connection reset")),
		},
	}
	c := newClient(t, a, Config{Groups: modbusGroups()}, zap.New(core))

	report := c.Cycle(context.Background())
	if report.Failed() != 2 {
		t.Fatalf("failed: %d", report.Failed())
	}

	kinds := map[string]bool{}
	for _, e := range logs.FilterMessage("Group read failed").All() {
		kinds[e.ContextMap()["kind"].(string)] = true
	}
	if !kinds["protocol"] || !kinds["transport"] {
		t.Fatalf("expected protocol and transport kinds, got %v", kinds)
	}
}

func TestCycle_ActiveAlarmClearedExactlyOnce(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{readValues: map[string][]types.Value{
		"tank": {types.AnalogValue(91), types.AnalogValue(20.3), types.AnalogValue(1.0)},
	}}
	c := newClient(t, a, Config{Groups: tagGroups(), AlarmClear: alarmClear()}, zap.NewNop())

	report := c.Cycle(context.Background())

	if len(a.writes) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(a.writes))
	}
	w := a.writes[0]
	if w.target.Address != "alarm" || w.value.Float() != 0.0 {
		t.Fatalf("unexpected write %+v", w)
	}
	if report.AlarmWrite == nil || report.AlarmWrite.Err != nil {
		t.Fatalf("alarm write not reported: %+v", report.AlarmWrite)
	}
}

func TestCycle_BinaryAlarmCleared(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{readValues: map[string][]types.Value{
		"alarm": {types.BinaryValue(true)},
	}}
	groups := []transport.Group{{Name: "alarm", Targets: []transport.Target{{Address: "binaryValue:3", Kind: types.KindBinary}}}}
	c := newClient(t, a, Config{Groups: groups, AlarmClear: &AlarmClear{
		Group:    "alarm",
		Target:   transport.Target{Address: "binaryValue:3", Kind: types.KindBinary},
		Inactive: types.BinaryValue(false),
	}}, zap.NewNop())

	c.Cycle(context.Background())

	if len(a.writes) != 1 || a.writes[0].value.Binary {
		t.Fatalf("unexpected writes %+v", a.writes)
	}
}

func TestCycle_InactiveAlarmNotWritten(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{readValues: map[string][]types.Value{
		"tank": {types.AnalogValue(50), types.AnalogValue(20), types.AnalogValue(0.0)},
	}}
	c := newClient(t, a, Config{Groups: tagGroups(), AlarmClear: alarmClear()}, zap.NewNop())

	report := c.Cycle(context.Background())
	if len(a.writes) != 0 || report.AlarmWrite != nil {
		t.Fatalf("unexpected write %+v", a.writes)
	}
}

func TestCycle_NoWriteWhenAlarmReadFailed(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{readErrs: map[string]error{
		"tank": transport.Wrap("read", "tank", errors.New("eof")),
	}}
	c := newClient(t, a, Config{Groups: tagGroups(), AlarmClear: alarmClear()}, zap.NewNop())

	c.Cycle(context.Background())
	if len(a.writes) != 0 {
		t.Fatalf("write issued after failed read")
	}
}

func TestCycle_WriteFailureLoggedNotRetried(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	a := &stubAdapter{
		readValues: map[string][]types.Value{
			"tank": {types.AnalogValue(95), types.AnalogValue(20), types.AnalogValue(1.0)},
		},
		writeErr: &transport.ProtocolError{Op: "write", Target: "alarm", Code: 0x80740000, Detail: "BadTypeMismatch"},
	}
	c := newClient(t, a, Config{Groups: tagGroups(), AlarmClear: alarmClear()}, zap.New(core))

	report := c.Cycle(context.Background())

	if len(a.writes) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(a.writes))
	}
	if report.AlarmWrite == nil || report.AlarmWrite.Err == nil {
		t.Fatalf("write error not reported")
	}
	if logs.FilterMessage("Alarm clear failed").Len() != 1 {
		t.Fatalf("write failure not logged")
	}
}

func TestCycle_SinkObservesSuccessfulReads(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{
		readErrs:   map[string]error{"holding": errors.New("boom")},
		readValues: map[string][]types.Value{"coils": make([]types.Value, 10)},
	}
	c := newClient(t, a, Config{Groups: modbusGroups()}, zap.NewNop())

	var seen []string
	c.SetSink(SinkFunc(func(r GroupResult) { seen = append(seen, r.Group.Name) }))
	c.Cycle(context.Background())

	if len(seen) != 3 {
		t.Fatalf("sink saw %v", seen)
	}
}

func TestNewClient_InvalidAlarmClear(t *testing.T) {
	t.Parallel()

	ac := alarmClear()
	ac.Group = "missing"
	_, err := NewClient(&stubAdapter{}, Config{Groups: tagGroups(), AlarmClear: ac}, zap.NewNop())
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}

	ac = alarmClear()
	ac.Index = 3
	if _, err := NewClient(&stubAdapter{}, Config{Groups: tagGroups(), AlarmClear: ac}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for out of range index")
	}
}

func dbGroups() []transport.Group {
	return []transport.Group{{Name: "db", Space: "db", Start: 0, Count: 4, Kind: types.KindAnalog}}
}

func counter() *Counter {
	return &Counter{Group: "db", Index: 1, Target: transport.Target{Address: "s7/DB1.DBB1"}, Step: 1, Modulo: 256}
}

func TestCycle_CounterIncremented(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{readValues: map[string][]types.Value{
		"db": {types.AnalogValue(3), types.AnalogValue(41), types.AnalogValue(0), types.AnalogValue(0)},
	}}
	c := newClient(t, a, Config{Groups: dbGroups(), Counter: counter()}, zap.NewNop())

	report := c.Cycle(context.Background())
	if report.CounterWrite == nil || report.CounterWrite.Err != nil {
		t.Fatalf("counter write = %+v", report.CounterWrite)
	}
	if len(a.writes) != 1 || a.writes[0].target.Address != "s7/DB1.DBB1" || a.writes[0].value.Analog != 42 {
		t.Fatalf("writes = %+v", a.writes)
	}
}

func TestCounter_NextWraps(t *testing.T) {
	t.Parallel()

	ct := counter()
	tests := []struct{ in, want float64 }{{0, 1}, {254, 255}, {255, 0}, {300, 45}}
	for _, tt := range tests {
		if got := ct.Next(types.AnalogValue(tt.in)); got.Analog != tt.want {
			t.Errorf("Next(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	ct.Step = -1
	if got := ct.Next(types.AnalogValue(0)); got.Analog != 255 {
		t.Errorf("Next(0) with step -1 = %v, want 255", got)
	}
	ct.Modulo = 0
	if got := ct.Next(types.AnalogValue(0)); got.Analog != -1 {
		t.Errorf("Next(0) without wrap = %v, want -1", got)
	}
}

func TestCycle_NoCounterWriteWhenReadFailed(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	a := &stubAdapter{readErrs: map[string]error{"db": &transport.ProtocolError{Op: "read", Code: 400}}}
	c := newClient(t, a, Config{Groups: dbGroups(), Counter: counter()}, zap.New(core))

	report := c.Cycle(context.Background())
	if report.CounterWrite != nil || len(a.writes) != 0 {
		t.Fatalf("counter written after failed read: %+v", a.writes)
	}
	if logs.FilterMessage("Counter write skipped, counter read unavailable").Len() != 1 {
		t.Fatalf("skip not logged")
	}
}

func TestNewClient_InvalidCounter(t *testing.T) {
	t.Parallel()

	ct := counter()
	ct.Index = 4
	var cfgErr *types.ConfigError
	_, err := NewClient(&stubAdapter{}, Config{Groups: dbGroups(), Counter: ct}, zap.NewNop())
	if !errors.As(err, &cfgErr) || cfgErr.Section != "counter" {
		t.Fatalf("expected counter ConfigError, got %v", err)
	}
}

func TestRun_DisconnectsOnCancel(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{readValues: map[string][]types.Value{"coils": make([]types.Value, 10)}}
	c := newClient(t, a, Config{Groups: modbusGroups(), Interval: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for c.Cycles() < 2 {
		select {
		case <-deadline:
			t.Fatalf("no cycles")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.disconnects != 1 {
		t.Fatalf("disconnects: %d", a.disconnects)
	}
}

func TestRun_DisconnectsOnConnectFailure(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{connectErr: &transport.ConnectionError{Adapter: "stub", Endpoint: "127.0.0.1:5020", Err: errors.New("refused")}}
	c := newClient(t, a, Config{Groups: modbusGroups(), Retry: transport.RetryPolicy{Attempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}}, zap.NewNop())

	err := c.Run(context.Background())
	var cerr *transport.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if a.disconnects != 1 {
		t.Fatalf("disconnects: %d", a.disconnects)
	}
	if c.Cycles() != 0 {
		t.Fatalf("cycled without connection")
	}
}

func TestRun_Once(t *testing.T) {
	t.Parallel()

	a := &stubAdapter{}
	c := newClient(t, a, Config{Groups: modbusGroups(), Once: true}, zap.NewNop())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Cycles() != 1 || a.disconnects != 1 {
		t.Fatalf("cycles=%d disconnects=%d", c.Cycles(), a.disconnects)
	}
}
