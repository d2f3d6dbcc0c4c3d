package system

import (
	"fmt"
	"time"
)

// Phase of the simulator lifecycle. The zero value is PhaseCreated.
type Phase uint8

const (
	PhaseCreated Phase = iota
	// Listener werden gebunden, Broker verbunden
	PhaseStarting
	PhaseRunning
	PhaseStopping
	PhaseStopped
	// Start abgebrochen; nur Shutdown führt hier heraus
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseCreated:  "CREATED",
	PhaseStarting: "STARTING",
	PhaseRunning:  "RUNNING",
	PhaseStopping: "STOPPING",
	PhaseStopped:  "STOPPED",
	PhaseFailed:   "FAILED",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Erlaubte Folgephasen als Bitmaske
var successors = [...]uint8{
	PhaseCreated:  1<<PhaseStarting | 1<<PhaseStopping,
	PhaseStarting: 1<<PhaseRunning | 1<<PhaseFailed | 1<<PhaseStopping,
	PhaseRunning:  1<<PhaseStopping | 1<<PhaseFailed,
	PhaseStopping: 1 << PhaseStopped,
	PhaseFailed:   1 << PhaseStopping,
}

// CanMove reports whether the lifecycle may go from p to next.
func (p Phase) CanMove(next Phase) bool {
	if int(p) >= len(successors) {
		return false
	}
	return successors[p]&(1<<next) != 0
}

// TransitionError is returned for a phase change the lifecycle does not allow,
// e.g. a second Start.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle cannot move from %s to %s", e.From, e.To)
}

// PhaseChange is sent to status subscribers on every transition.
type PhaseChange struct {
	Phase    Phase
	Previous Phase
	At       time.Time
	// Cause ist der Fehler, der zu PhaseFailed geführt hat
	Cause string
}
