// Package pauser implements the venue's circuit breaker: an immutable set of
// principals who may flip a single global pause gate. The set is fixed at
// construction, with no add or remove afterwards, so it cannot be captured
// post-deployment.
package pauser

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrNoPausersProvided is returned when constructing with an empty set.
	ErrNoPausersProvided = errors.New("pauser: no pausers provided")

	// ErrInvalidMember is returned when a member id is empty.
	ErrInvalidMember = errors.New("pauser: invalid member identity")

	// ErrNotPauser is returned when a non-member calls Pause or Unpause.
	ErrNotPauser = errors.New("pauser: caller is not a pauser")

	// ErrPaused is returned by engine operations while the gate is set.
	ErrPaused = errors.New("pauser: venue is paused")
)

// Authority holds the immutable pauser set and the pause gate.
type Authority struct {
	members map[string]bool
	paused  atomic.Bool
}

// New constructs an Authority from at least one non-empty member id.
func New(members []string) (*Authority, error) {
	if len(members) == 0 {
		return nil, ErrNoPausersProvided
	}
	set := make(map[string]bool, len(members))
	for _, m := range members {
		if m == "" {
			return nil, ErrInvalidMember
		}
		set[m] = true
	}
	return &Authority{members: set}, nil
}

// IsMember reports whether id belongs to the pauser set. O(1).
func (a *Authority) IsMember(id string) bool {
	return a.members[id]
}

// Paused reports the gate state.
func (a *Authority) Paused() bool {
	return a.paused.Load()
}

// Pause sets the gate. Member-only.
func (a *Authority) Pause(caller string) error {
	if !a.members[caller] {
		return ErrNotPauser
	}
	a.paused.Store(true)
	return nil
}

// Unpause clears the gate. Member-only.
func (a *Authority) Unpause(caller string) error {
	if !a.members[caller] {
		return ErrNotPauser
	}
	a.paused.Store(false)
	return nil
}

// Gate returns ErrPaused while the gate is set. Engine operations that
// mutate sessions, orders or balances call this before proceeding.
func (a *Authority) Gate() error {
	if a.paused.Load() {
		return ErrPaused
	}
	return nil
}
