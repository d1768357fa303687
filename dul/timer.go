package dul

import (
	"sync"
	"time"
)

// Timer is the ARTIM (Association Request/Reject/Release Timer) primitive:
// a one-shot countdown whose expiry is delivered on a channel owned by the
// state machine that armed it.
//
// Stop synchronizes with an in-flight firing: once Stop returns, no expiry
// for that arm cycle can ever be observed on C, even if the deadline and the
// Stop raced. Each Start invalidates earlier arm cycles the same way.
type Timer struct {
	mu    sync.Mutex
	cycle uint64
	timer *time.Timer
	c     chan struct{}
}

// NewTimer returns a disarmed timer.
func NewTimer() *Timer {
	return &Timer{c: make(chan struct{}, 1)}
}

// C is the expiry channel. At most one expiry is pending at a time.
func (t *Timer) C() <-chan struct{} {
	return t.c
}

// Start arms the timer for d, replacing any earlier arm cycle.
func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarmLocked()
	t.cycle++
	cycle := t.cycle
	t.timer = time.AfterFunc(d, func() { t.fire(cycle) })
}

// Reset re-arms the timer for d. It is Start under another name, kept for
// call sites that read better with reset semantics.
func (t *Timer) Reset(d time.Duration) {
	t.Start(d)
}

// Stop disarms the timer. Any expiry already delivered but not yet consumed
// is withdrawn.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarmLocked()
	t.cycle++
}

func (t *Timer) fire(cycle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cycle != t.cycle {
		// Stopped or re-armed after this firing was scheduled.
		return
	}
	select {
	case t.c <- struct{}{}:
	default:
	}
}

// disarmLocked cancels the pending time.Timer and withdraws an undelivered
// expiry. Callers must hold t.mu.
func (t *Timer) disarmLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	select {
	case <-t.c:
	default:
	}
}
