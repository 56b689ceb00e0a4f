// Package mode coordinates the switch between normal recognition and
// enrollment. Pausing suppresses unlock decisions; it does not stop the loop.
package mode

import (
	"log/slog"
	"sync/atomic"
)

// Mode names reported by Coordinator.Mode.
const (
	Normal     = "normal"
	Enrollment = "enrollment"
)

// Coordinator is the shared enrollment signal. While paused, recognition
// keeps running but never actuates the lock.
type Coordinator struct {
	paused atomic.Bool
}

// New returns a coordinator in normal mode.
func New() *Coordinator { return &Coordinator{} }

// Pause enters enrollment mode. It reports whether the mode changed.
func (c *Coordinator) Pause() bool {
	changed := c.paused.CompareAndSwap(false, true)
	if changed {
		slog.Info("unlocking paused", "mode", Enrollment)
	}
	return changed
}

// Resume returns to normal mode. It reports whether the mode changed.
func (c *Coordinator) Resume() bool {
	changed := c.paused.CompareAndSwap(true, false)
	if changed {
		slog.Info("unlocking resumed", "mode", Normal)
	}
	return changed
}

// IsPaused reports whether enrollment mode is active.
func (c *Coordinator) IsPaused() bool { return c.paused.Load() }

// Mode returns the current mode name.
func (c *Coordinator) Mode() string {
	if c.IsPaused() {
		return Enrollment
	}
	return Normal
}
