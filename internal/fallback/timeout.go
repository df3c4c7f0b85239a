package fallback

import (
	"sync/atomic"
	"time"
)

// TimeoutController holds the deadline applied to network attempts. It starts
// at the ceiling and drops to the floor after the first attempt that runs out
// of time. It never recovers on its own: a single unreachable origin slows
// every later request down to the floor until the process restarts.
type TimeoutController struct {
	ceiling time.Duration
	floor   time.Duration

	degraded atomic.Bool
	reason   atomic.Pointer[string]
}

func NewTimeoutController(ceiling, floor time.Duration) *TimeoutController {
	if floor > ceiling {
		floor = ceiling
	}
	return &TimeoutController{ceiling: ceiling, floor: floor}
}

func (t *TimeoutController) Current() time.Duration {
	if t.degraded.Load() {
		return t.floor
	}
	return t.ceiling
}

// ReportFailure records a network attempt that exceeded Current. It returns
// true when this call moved the controller to the floor.
func (t *TimeoutController) ReportFailure(reason string) bool {
	if !t.degraded.CompareAndSwap(false, true) {
		return false
	}
	t.reason.Store(&reason)
	return true
}

func (t *TimeoutController) Degraded() bool { return t.degraded.Load() }

// Reason is the reason given by the failure that degraded the controller.
func (t *TimeoutController) Reason() string {
	if r := t.reason.Load(); r != nil {
		return *r
	}
	return ""
}
