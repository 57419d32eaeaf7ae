package task

import "time"

// State is the lifecycle phase of a task as tracked by the registry.
type State string

const (
	StateUnknown  State = "unknown"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// AllStates lists every state, in display order.
var AllStates = []State{StateUnknown, StateStarting, StateRunning, StateStopping, StateStopped, StateError}

func (s State) IsValid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StateStopping, StateStopped, StateError:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateUnknown:  {StateStarting, StateRunning, StateStopped, StateStopping, StateError},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateStarting, StateStopping, StateStopped, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateRunning, StateStarting, StateStopping, StateError},
	StateError:    {StateRunning, StateStarting, StateStopping},
}

// CanTransition reports whether a record may move from one state to another.
// Rewriting a record in its current state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}
