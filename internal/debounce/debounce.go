// Package debounce turns a stream of face matches into at most one unlock
// per hold window.
//
// The machine starts in LockedReady. A match below the threshold moves it to
// UnlockPending; the caller publishes the unlock and then calls Commit, which
// enters Hold. Hold only ends by time: Expire returns the machine to
// LockedReady once the hold duration has elapsed. A Machine is owned by a
// single goroutine and is not safe for concurrent use.
package debounce

import (
	"fmt"
	"time"
)

// State of the door actuation.
type State int

const (
	LockedReady State = iota
	UnlockPending
	Hold
)

func (s State) String() string {
	switch s {
	case LockedReady:
		return "LOCKED_READY"
	case UnlockPending:
		return "UNLOCK_PENDING"
	case Hold:
		return "HOLD"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DoorState is a snapshot of the actuation state.
type DoorState struct {
	IsOpen       bool
	LastOpenAt   time.Time
	HoldDuration time.Duration
}

// Machine is the debounce state machine.
type Machine struct {
	threshold float64
	hold      time.Duration

	state      State
	lastOpenAt time.Time
}

// New creates a machine in LockedReady.
func New(threshold float64, hold time.Duration) *Machine {
	return &Machine{threshold: threshold, hold: hold}
}

// Threshold is the distance below which a face counts as a match.
func (m *Machine) Threshold() float64 { return m.threshold }

// Matches reports whether distance is a strong enough match.
func (m *Machine) Matches(distance float64) bool { return distance < m.threshold }

// Expire re-arms the machine once the hold window has elapsed.
// It reports whether a transition happened.
func (m *Machine) Expire(now time.Time) bool {
	if m.state == Hold && now.Sub(m.lastOpenAt) >= m.hold {
		m.state = LockedReady
		return true
	}
	return false
}

// Evaluate decides whether a match at distance should unlock the door.
// It returns true exactly once per hold window, leaving the machine in
// UnlockPending until Commit is called.
func (m *Machine) Evaluate(now time.Time, distance float64) bool {
	m.Expire(now)
	if m.state != LockedReady || !m.Matches(distance) {
		return false
	}
	m.state = UnlockPending
	return true
}

// Commit records that the unlock was issued and starts the hold window.
// It is a no-op unless the machine is UnlockPending.
func (m *Machine) Commit(now time.Time) {
	if m.state != UnlockPending {
		return
	}
	m.state = Hold
	m.lastOpenAt = now
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// DoorState returns a snapshot of the door.
func (m *Machine) DoorState() DoorState {
	return DoorState{
		IsOpen:       m.state != LockedReady,
		LastOpenAt:   m.lastOpenAt,
		HoldDuration: m.hold,
	}
}
