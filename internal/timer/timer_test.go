package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestOneShotFiresOnce(t *testing.T) {
	var calls int32
	tm := New(5*time.Millisecond, func() { atomic.AddInt32(&calls, 1) }, OneShot)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if tm.IsActive() {
		t.Fatal("expected one-shot timer to be inactive after firing")
	}
}

func TestPeriodicFiresRepeatedly(t *testing.T) {
	var calls int32
	tm := New(5*time.Millisecond, func() { atomic.AddInt32(&calls, 1) }, Periodic)
	time.Sleep(35 * time.Millisecond)
	tm.Cancel()
	got := atomic.LoadInt32(&calls)
	if got < 2 {
		t.Fatalf("calls = %d, want at least 2", got)
	}
	if tm.IsActive() {
		t.Fatal("expected cancelled timer to be inactive")
	}
}

func TestCancelNeverInvokesCallbackAgain(t *testing.T) {
	var calls int32
	tm := New(5*time.Millisecond, func() { atomic.AddInt32(&calls, 1) }, Periodic)
	time.Sleep(12 * time.Millisecond)
	tm.Cancel()
	seenAtCancel := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != seenAtCancel {
		t.Fatalf("callback invoked after cancel: before=%d after=%d", seenAtCancel, got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	tm := New(time.Hour, func() {}, OneShot)
	tm.Cancel()
	tm.Cancel()
	if tm.IsActive() {
		t.Fatal("expected inactive after cancel")
	}
}

func TestCancelFromOwnCallback(t *testing.T) {
	done := make(chan struct{})
	var tm *Timer
	tm = New(5*time.Millisecond, func() {
		tm.Cancel()
		close(done)
	}, Periodic)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	time.Sleep(20 * time.Millisecond)
	if tm.IsActive() {
		t.Fatal("expected inactive after self-cancel")
	}
}
