// Package txstate implements the transaction state machine each
// transaction moves through from submission to confirmation or failure.
package txstate

import (
	"fmt"
	"sync"
)

// State is one node in the transaction lifecycle graph.
type State int

const (
	Pending State = iota
	Voting
	ThresholdReached
	Signing
	Signed
	Broadcasting
	Confirmed
	Failed
	AbortedByzantine
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Voting:
		return "voting"
	case ThresholdReached:
		return "threshold_reached"
	case Signing:
		return "signing"
	case Signed:
		return "signed"
	case Broadcasting:
		return "broadcasting"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	case AbortedByzantine:
		return "aborted_byzantine"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates every edge of the state graph. Any pair not
// listed here is rejected by Machine.Transition.
var legalTransitions = map[State]map[State]bool{
	Pending:           {Voting: true, Failed: true},
	Voting:            {ThresholdReached: true, Failed: true, AbortedByzantine: true},
	ThresholdReached:  {Signing: true, Failed: true},
	Signing:           {Signed: true, Failed: true, AbortedByzantine: true},
	Signed:            {Broadcasting: true, Failed: true},
	Broadcasting:      {Confirmed: true, Failed: true},
	Confirmed:         {},
	Failed:            {},
	AbortedByzantine:  {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Terminal reports whether a state has no further legal transitions.
func (s State) Terminal() bool {
	edges, ok := legalTransitions[s]
	return ok && len(edges) == 0
}

// ErrIllegalTransition is returned when a caller attempts an edge not
// present in the state graph; callers compare with errors.Is after
// wrapping, or inspect the embedded From/To fields directly.
type ErrIllegalTransition struct {
	From, To State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("txstate: illegal transition %s -> %s", e.From, e.To)
}

// Machine guards one transaction's state with compare-and-swap semantics:
// callers must present the state they observed, and the transition only
// applies if it still matches, matching the CAS contract C1's
// update_tx_state exposes.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine starts a machine in Pending.
func NewMachine() *Machine {
	return &Machine{state: Pending}
}

// FromState restores a machine to a state loaded from storage, e.g. after
// a node restart.
func FromState(s State) *Machine {
	return &Machine{state: s}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition performs a CAS: it only applies from -> to if the machine is
// currently in from and from -> to is a legal edge.
func (m *Machine) Transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("txstate: CAS failed, expected %s but state is %s", from, m.state)
	}
	if !CanTransition(from, to) {
		return &ErrIllegalTransition{From: from, To: to}
	}
	m.state = to
	return nil
}
