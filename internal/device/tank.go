// Package device contains the simulated physical process.
package device

import (
	"fmt"
	"math"
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/alarm"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

// Tag-Namen des Tanks
const (
	TagLevel       = "level"
	TagTemperature = "temperature"
	TagAlarm       = "alarm"
)

const (
	LevelMin = 0.0
	LevelMax = 100.0

	levelStepMin = -1.0
	levelStepMax = 2.0
	tempStepMin  = -0.1
	tempStepMax  = 0.1
)

type Config struct {
	InitialLevel       float64 `mapstructure:"initial_level"`
	InitialTemperature float64 `mapstructure:"initial_temperature"`
	HighThreshold      float64 `mapstructure:"high_threshold"`
	LowThreshold       float64 `mapstructure:"low_threshold"`
}

func DefaultConfig() Config {
	return Config{
		InitialLevel:       50.0,
		InitialTemperature: 20.0,
		HighThreshold:      alarm.DefaultHighThreshold,
		LowThreshold:       alarm.DefaultLowThreshold,
	}
}

func (c Config) Thresholds() alarm.Thresholds {
	return alarm.Thresholds{High: c.HighThreshold, Low: c.LowThreshold}
}

// Tank simulates a water tank. Only the simulation loop mutates it; other
// writers (external alarm clears) go through the AddressSpace directly.
type Tank struct {
	mu          sync.Mutex
	space       *addrspace.Space
	thresholds  alarm.Thresholds
	level       float64
	temperature float64
	alarms      alarm.State
	ticks       uint64
}

func NewTank(cfg Config) (*Tank, error) {
	th := cfg.Thresholds()
	if err := th.Validate(); err != nil {
		return nil, err
	}

	t := &Tank{
		space:       addrspace.New(),
		thresholds:  th,
		level:       clamp(cfg.InitialLevel, LevelMin, LevelMax),
		temperature: cfg.InitialTemperature,
	}
	t.alarms = th.Evaluate(t.level)

	tags := []struct {
		tag   types.Tag
		value types.Value
	}{
		{types.Tag{Name: TagLevel, Kind: types.KindAnalog, Unit: "percent"}, types.AnalogValue(t.level)},
		{types.Tag{Name: TagTemperature, Kind: types.KindAnalog, Unit: "degreesCelsius"}, types.AnalogValue(t.temperature)},
		{types.Tag{Name: TagAlarm, Kind: types.KindBinary}, types.BinaryValue(t.alarms.Active())},
	}
	for _, def := range tags {
		if err := t.space.Register(def.tag, def.value); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", def.tag.Name, err)
		}
	}

	return t, nil
}

// Tick advances the process one step and commits level, temperature and
// alarm in one atomic write. It cannot fail.
func (t *Tank) Tick(src Source) addrspace.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.level = clamp(t.level+src.Uniform(levelStepMin, levelStepMax), LevelMin, LevelMax)
	t.temperature += src.Uniform(tempStepMin, tempStepMax)
	t.alarms = t.thresholds.Evaluate(t.level)
	t.ticks++

	snap, err := t.space.Commit(map[string]types.Value{
		TagLevel:       types.AnalogValue(t.level),
		TagTemperature: types.AnalogValue(t.temperature),
		TagAlarm:       types.BinaryValue(t.alarms.Active()),
	})
	if err != nil {
		// Tags und Typen werden in NewTank festgelegt
		panic(fmt.Sprintf("tank commit failed: %v", err))
	}
	return snap
}

func (t *Tank) Space() *addrspace.Space {
	return t.space
}

func (t *Tank) Level() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func (t *Tank) Temperature() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.temperature
}

// Alarms returns the alarm state computed by the last tick.
func (t *Tank) Alarms() alarm.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alarms
}

func (t *Tank) Thresholds() alarm.Thresholds {
	return t.thresholds
}

func (t *Tank) Ticks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
