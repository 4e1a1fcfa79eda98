// Package paywall models the gate decision flow and the offer contract shown
// to subjects who ran out of quota.
package paywall

import "fmt"

// State is a step of the paywall flow.
type State string

const (
	StateIdle           State = "idle"
	StateChecking       State = "checking"
	StateAllowed        State = "allowed"
	StateWarned         State = "warned"
	StateBlocked        State = "blocked"
	StateOfferPresented State = "offer_presented"
	StatePurchased      State = "purchased"
	StateDeclined       State = "declined"
	StateAbandoned      State = "abandoned"
)

var transitions = map[State][]State{
	StateIdle:           {StateChecking},
	StateChecking:       {StateAllowed, StateWarned, StateBlocked},
	StateBlocked:        {StateOfferPresented},
	StateOfferPresented: {StatePurchased, StateDeclined, StateAbandoned},
}

// Terminal reports whether no further transition is possible.
// Warned ends the check because the operation proceeds.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Flow tracks one pass through the paywall. It is scoped to a single call and
// never shared.
type Flow struct {
	state   State
	history []State
}

// NewFlow starts a flow in Idle.
func NewFlow() *Flow {
	return &Flow{state: StateIdle, history: []State{StateIdle}}
}

// Resume starts a flow at an intermediate state, e.g. a confirmation arriving
// for an offer presented in an earlier request.
func Resume(s State) *Flow {
	return &Flow{state: s, history: []State{s}}
}

// State returns the current state.
func (f *Flow) State() State { return f.state }

// History returns the visited states in order.
func (f *Flow) History() []State {
	return append([]State(nil), f.history...)
}

// To moves the flow to the next state.
func (f *Flow) To(next State) error {
	if !CanTransition(f.state, next) {
		return fmt.Errorf("illegal paywall transition %s -> %s", f.state, next)
	}
	f.state = next
	f.history = append(f.history, next)
	return nil
}
