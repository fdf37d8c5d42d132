// Package lifecycle drives one reservation attempt through create, check-in
// and cancel against the backend.
package lifecycle

// State is the client-side state of a reservation attempt.
type State string

const (
	StateIdle           State = "idle"
	StateCreating       State = "creating"
	StateAwaitingAction State = "awaiting_action"
	StateActivating     State = "activating"
	StateCancelling     State = "cancelling"
	StateDone           State = "done"
)

// InFlight reports whether a backend call is outstanding in this state.
func (s State) InFlight() bool {
	return s == StateCreating || s == StateActivating || s == StateCancelling
}

// FSM holds the allowed state transitions.
type FSM struct {
	transitions map[State][]State
}

// NewFSM creates a new FSM with predefined transitions.
func NewFSM() *FSM {
	return &FSM{
		transitions: map[State][]State{
			StateIdle:           {StateCreating, StateAwaitingAction, StateDone},
			StateCreating:       {StateAwaitingAction, StateIdle},
			StateAwaitingAction: {StateActivating, StateCancelling, StateIdle},
			StateActivating:     {StateDone, StateAwaitingAction},
			StateCancelling:     {StateIdle, StateAwaitingAction},
			StateDone:           {StateIdle},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to State) bool {
	allowed, ok := f.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}
