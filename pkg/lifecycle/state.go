// Package lifecycle runs the valet service through a small state machine:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Start and Stop run ordered hooks between the transitions (warming the
// signing-key cache, ensuring the upload bucket, closing clients). Any
// non-terminal state may move to Failed, and both terminal states may move
// back to Starting for a restart. Readiness follows the state: a [Service]
// is ready only while Running and while every registered [Check] passes.
//
// State is guarded by a [sync.RWMutex]; hooks and checks run outside it.
// Start, Stop and Ready create OpenTelemetry spans under the tracer scope
// "github.com/StricklySoft/stricklysoft-valet/pkg/lifecycle".
package lifecycle

// State is a lifecycle state. The zero value is not valid; services begin
// in [StateUnknown].
type State string

const (
	// StateUnknown is the state of a service that was never started.
	StateUnknown State = "unknown"

	// StateStarting is held while start hooks run.
	StateStarting State = "starting"

	// StateRunning is the only state in which the service reports ready.
	StateRunning State = "running"

	// StateStopping is held while stop hooks run.
	StateStopping State = "stopping"

	// StateStopped follows a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed follows a failed hook or an explicit failure report.
	StateFailed State = "failed"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is [StateStopped] or [StateFailed].
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Stopping, Failed
//	Running  → Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether the machine allows moving from one state
// to another. Self-transitions are never allowed.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
