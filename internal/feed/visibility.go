package feed

import (
	"log/slog"
	"sync"
	"time"
)

// connectionPauser is the slice of the Manager the coordinator drives.
type connectionPauser interface {
	PauseConnection()
	ResumeConnection()
}

// VisibilityCoordinator translates page/app visibility transitions into
// pause/resume. Momentary tab switches are debounced: the connection is
// paused only after the page has stayed hidden for the full delay, and
// resumed immediately on visibility return.
type VisibilityCoordinator struct {
	target connectionPauser
	delay  time.Duration
	logger *slog.Logger

	// gen invalidates in-flight pause callbacks: Visible and Stop bump
	// it, so a timer that fired concurrently finds itself stale and
	// does not pause. Target calls happen under mu, which keeps pause
	// and resume ordered.
	mu        sync.Mutex
	gen       uint64
	hideTimer *time.Timer
}

// NewVisibilityCoordinator creates a coordinator driving target.
func NewVisibilityCoordinator(target connectionPauser, delay time.Duration, logger *slog.Logger) *VisibilityCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisibilityCoordinator{
		target: target,
		delay:  delay,
		logger: logger,
	}
}

// Hidden reports that the page went hidden. The pause fires only if no
// Visible call arrives within the debounce delay.
func (v *VisibilityCoordinator) Hidden() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hideTimer != nil {
		return
	}
	v.gen++
	gen := v.gen
	v.hideTimer = time.AfterFunc(v.delay, func() { v.pause(gen) })
}

func (v *VisibilityCoordinator) pause(gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		// A Visible or Stop call won the race against the timer.
		return
	}
	v.hideTimer = nil

	v.logger.Info("page hidden past debounce, pausing connection", "delay", v.delay)
	v.target.PauseConnection()
}

// Visible reports that the page became visible. A pending pause is
// cancelled; an already-applied pause is resumed immediately.
func (v *VisibilityCoordinator) Visible() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.gen++
	if v.hideTimer != nil {
		stopped := v.hideTimer.Stop()
		v.hideTimer = nil
		if stopped {
			// Cancelled before the debounce elapsed: never paused.
			return
		}
		// The timer fired but its callback has not paused yet; the
		// generation bump above makes it a no-op. Fall through: if the
		// pause did already apply, resume undoes it, and resuming a
		// never-paused connection is a no-op.
	}
	v.target.ResumeConnection()
}

// Stop cancels any pending pause. Call on shutdown.
func (v *VisibilityCoordinator) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	if v.hideTimer != nil {
		v.hideTimer.Stop()
		v.hideTimer = nil
	}
}
