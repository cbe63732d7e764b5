/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package paymentstate validates transitions between payment intent states.
// It performs no I/O; callers persist the new state only after Validate
// succeeds.
package paymentstate

import (
	"errors"
	"fmt"
	"sort"
)

const (
	Created        = "created"
	AddressCreated = "address_created"
	Processing     = "processing"
	Pending        = "pending"
	Confirmed      = "confirmed"
	Failed         = "failed"
	Expired        = "expired"
)

var (
	ErrInvalidState      = errors.New("invalid payment state")
	ErrIllegalTransition = errors.New("illegal payment state transition")
)

// transitions is the adjacency table. A state missing from its own entry
// cannot transition to itself.
var transitions = map[string]map[string]bool{
	Created:        {AddressCreated: true, Processing: true, Pending: true},
	AddressCreated: {Pending: true, Confirmed: true, Failed: true, Expired: true},
	Processing:     {Confirmed: true, Failed: true, Expired: true},
	Pending:        {Confirmed: true, Failed: true, Expired: true},
	Confirmed:      {},
	Failed:         {},
	Expired:        {},
}

var initialStates = map[string]bool{
	Created:        true,
	AddressCreated: true,
	Pending:        true,
}

// TransitionError describes a rejected transition. It matches ErrInvalidState
// or ErrIllegalTransition through errors.Is.
type TransitionError struct {
	From   string
	To     string
	Reason string
	kind   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return e.kind
}

// Validate checks whether an intent in state current may move to next.
// An empty current means the intent is being created.
func Validate(current, next string) error {
	if current == "" {
		if !initialStates[next] {
			return &TransitionError{
				From:   current,
				To:     next,
				Reason: fmt.Sprintf("%q is not an initial payment state", next),
				kind:   ErrInvalidState,
			}
		}
		return nil
	}

	allowed, ok := transitions[current]
	if !ok {
		return &TransitionError{
			From:   current,
			To:     next,
			Reason: fmt.Sprintf("unknown current state %q", current),
			kind:   ErrInvalidState,
		}
	}

	if !allowed[next] {
		reason := fmt.Sprintf("cannot move from %s to %s", current, next)
		if IsTerminal(current) {
			reason = fmt.Sprintf("%s is terminal, cannot move to %s", current, next)
		}
		return &TransitionError{From: current, To: next, Reason: reason, kind: ErrIllegalTransition}
	}
	return nil
}

// IsValid reports whether state is a member of the state set.
func IsValid(state string) bool {
	_, ok := transitions[state]
	return ok
}

// IsTerminal reports whether state has no outgoing transitions.
func IsTerminal(state string) bool {
	next, ok := transitions[state]
	return ok && len(next) == 0
}

// IsInitial reports whether a new intent may start in state.
func IsInitial(state string) bool {
	return initialStates[state]
}

// States returns every known state in a stable order.
func States() []string {
	states := make([]string, 0, len(transitions))
	for s := range transitions {
		states = append(states, s)
	}
	sort.Strings(states)
	return states
}

// NextStates returns the legal successors of state.
func NextStates(state string) []string {
	var next []string
	for s := range transitions[state] {
		next = append(next, s)
	}
	sort.Strings(next)
	return next
}

// NonTerminal returns the states an intent may still leave.
func NonTerminal() []string {
	var states []string
	for _, s := range States() {
		if !IsTerminal(s) {
			states = append(states, s)
		}
	}
	return states
}
