package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerDoesNotFireBeforeInterval(t *testing.T) {
	var fired atomic.Int32
	tm := New(50*time.Millisecond, func(Event) { fired.Add(1) })
	tm.SpinOnce()
	if fired.Load() != 0 {
		t.Fatalf("expected no fire before interval elapses, got %d", fired.Load())
	}
}

func TestTimerFiresAfterInterval(t *testing.T) {
	var fired atomic.Int32
	tm := New(10*time.Millisecond, func(Event) { fired.Add(1) })
	time.Sleep(20 * time.Millisecond)
	tm.SpinOnce()
	if fired.Load() != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", fired.Load())
	}
}

func TestTimerChainsExpectedBoundaryForward(t *testing.T) {
	var events []Event
	tm := New(10*time.Millisecond, func(e Event) { events = append(events, e) })

	time.Sleep(15 * time.Millisecond)
	tm.SpinOnce()
	time.Sleep(15 * time.Millisecond)
	tm.SpinOnce()

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[1].LastExpected.Equal(events[0].CurrentExpected) {
		t.Fatalf("second event's LastExpected must chain from first's CurrentExpected")
	}
}

func TestTimerShutdownStopsFiring(t *testing.T) {
	var fired atomic.Int32
	tm := New(5*time.Millisecond, func(Event) { fired.Add(1) })
	tm.Shutdown()
	if tm.OK() {
		t.Fatal("expected OK()==false after Shutdown")
	}
	time.Sleep(20 * time.Millisecond)
	tm.SpinOnce()
	if fired.Load() != 0 {
		t.Fatalf("expected no fire after shutdown, got %d", fired.Load())
	}
}
