package dul

import (
	"sync"
	"testing"
	"time"
)

func TestTimerFires(t *testing.T) {
	tm := NewTimer()
	tm.Start(10 * time.Millisecond)

	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("Timer never fired")
	}
}

func TestTimerStopWithdrawsExpiry(t *testing.T) {
	tm := NewTimer()
	tm.Start(5 * time.Millisecond)

	// Let the deadline pass so an expiry is likely already queued, then
	// stop. Nothing may be observable afterwards.
	time.Sleep(20 * time.Millisecond)
	tm.Stop()

	select {
	case <-tm.C():
		t.Fatal("Observed an expiry after Stop returned")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestTimerRestartInvalidatesEarlierCycle(t *testing.T) {
	tm := NewTimer()
	tm.Start(5 * time.Millisecond)
	tm.Start(200 * time.Millisecond)

	select {
	case <-tm.C():
		t.Fatal("Expiry from a superseded arm cycle leaked through")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("Re-armed timer never fired")
	}
}

func TestTimerStopRace(t *testing.T) {
	tm := NewTimer()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		tm.Start(time.Microsecond)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tm.Stop()
		}()
		wg.Wait()

		select {
		case <-tm.C():
			t.Fatal("Expiry observed after Stop returned")
		default:
		}
	}
}

func TestTimerIdempotentStop(t *testing.T) {
	tm := NewTimer()
	tm.Stop()
	tm.Stop()
	tm.Start(time.Hour)
	tm.Stop()
	tm.Stop()

	select {
	case <-tm.C():
		t.Fatal("Disarmed timer fired")
	case <-time.After(10 * time.Millisecond):
	}
}
