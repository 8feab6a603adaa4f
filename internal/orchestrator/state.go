package orchestrator

import (
	"fmt"
	"slices"
	"sync"
)

// State is the lifecycle state of a run.
type State int

const (
	// StateInitialized is a run that has not started planning.
	StateInitialized State = iota
	// StatePlanning computes cache keys and looks them up.
	StatePlanning
	// StateScheduling synthesizes cache misses on the worker pool.
	StateScheduling
	// StateAssembling concatenates results in script order.
	StateAssembling
	// StateCompleted means every utterance has audio.
	StateCompleted
	// StatePartiallyFailed means at least one utterance failed and was
	// replaced by silence.
	StatePartiallyFailed
	// StateAborted means the run was cancelled.
	StateAborted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StatePlanning:
		return "planning"
	case StateScheduling:
		return "scheduling"
	case StateAssembling:
		return "assembling"
	case StateCompleted:
		return "completed"
	case StatePartiallyFailed:
		return "partially_failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in manifests.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateInitialized; st <= StateAborted; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown run state %q", text)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StatePartiallyFailed || s == StateAborted
}

// stateMachine enforces the run lifecycle.
type stateMachine struct {
	mu          sync.Mutex
	current     State
	transitions map[State][]State
	onEnter     func(from, to State)
}

func newStateMachine(onEnter func(from, to State)) *stateMachine {
	return &stateMachine{
		current: StateInitialized,
		transitions: map[State][]State{
			StateInitialized: {StatePlanning, StateAborted},
			StatePlanning:    {StateScheduling, StateAborted},
			StateScheduling:  {StateAssembling, StateAborted},
			StateAssembling:  {StateCompleted, StatePartiallyFailed, StateAborted},
		},
		onEnter: onEnter,
	}
}

// Transition moves to the given state or reports why it cannot.
func (sm *stateMachine) Transition(to State) error {
	sm.mu.Lock()
	from := sm.current
	if !slices.Contains(sm.transitions[from], to) {
		sm.mu.Unlock()
		return fmt.Errorf("illegal run transition %s -> %s", from, to)
	}
	sm.current = to
	sm.mu.Unlock()

	if sm.onEnter != nil {
		sm.onEnter(from, to)
	}
	return nil
}

// Current returns the current state.
func (sm *stateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}
