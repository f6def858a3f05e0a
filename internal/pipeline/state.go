package pipeline

import "fmt"

// State is the last stage a subject pipeline completed.
type State string

const (
	StatePending        State = "pending"
	StateIncoming       State = "incoming"
	StateIncomingNative State = "incoming-native"
	StateBids           State = "bids"
	StateMain           State = "main"
	StateFinalized      State = "finalized"
	StateFailed         State = "failed"
	StateSkipped        State = "skipped"
)

var allStates = []State{
	StatePending,
	StateIncoming,
	StateIncomingNative,
	StateBids,
	StateMain,
	StateFinalized,
	StateFailed,
	StateSkipped,
}

// allowedTransitions enumerates every legal edge of the subject state machine.
// Failed is reachable from every non-terminal state.
var allowedTransitions = map[State][]State{
	StatePending:        {StateIncoming, StateSkipped, StateFailed},
	StateIncoming:       {StateIncomingNative, StateFailed},
	StateIncomingNative: {StateBids, StateFailed},
	StateBids:           {StateMain, StateFailed},
	StateMain:           {StateFinalized, StateFailed},
}

// States lists every state in pipeline order.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed || s == StateSkipped
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error for an illegal edge.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid state transition %s -> %s", from, to)
	}
	return nil
}
