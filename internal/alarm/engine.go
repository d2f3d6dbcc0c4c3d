// Package alarm evaluates the level thresholds of the simulated tank.
package alarm

import (
	"fmt"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

// Defaults aus der Simulator-Konfiguration
const (
	DefaultHighThreshold = 80.0
	DefaultLowThreshold  = 20.0
)

type Thresholds struct {
	High float64 `mapstructure:"high_threshold"`
	Low  float64 `mapstructure:"low_threshold"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{High: DefaultHighThreshold, Low: DefaultLowThreshold}
}

// Validate requires 0 <= Low < High <= 100.
func (t Thresholds) Validate() error {
	if t.Low < 0 || t.High > 100 {
		return &types.ConfigError{Section: "device", Key: "thresholds",
			Err: fmt.Errorf("thresholds must be within [0,100], got low=%.2f high=%.2f", t.Low, t.High)}
	}
	if t.Low >= t.High {
		return &types.ConfigError{Section: "device", Key: "thresholds",
			Err: fmt.Errorf("low threshold %.2f must be below high threshold %.2f", t.Low, t.High)}
	}
	return nil
}

// Evaluate compares the level against both thresholds. Both comparisons
// include the boundary.
func Evaluate(level, high, low float64) (highAlarm, lowAlarm bool) {
	return level >= high, level <= low
}

// Active ist true wenn mindestens ein Alarm anliegt
func Active(highAlarm, lowAlarm bool) bool {
	return highAlarm || lowAlarm
}

type State struct {
	High bool `json:"high"`
	Low  bool `json:"low"`
}

func (t Thresholds) Evaluate(level float64) State {
	h, l := Evaluate(level, t.High, t.Low)
	return State{High: h, Low: l}
}

func (s State) Active() bool {
	return Active(s.High, s.Low)
}

func (s State) String() string {
	switch {
	case s.High && s.Low:
		return "HIGH+LOW"
	case s.High:
		return "HIGH"
	case s.Low:
		return "LOW"
	default:
		return "NORMAL"
	}
}
