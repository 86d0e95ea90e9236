// Package timer implements the scoped, cancellable one-shot/periodic timer
// primitive; in this module its user is the web-audio deferred write
// retry. Grounded on _examples/original_source/common/source/Timer.cpp.
package timer

import (
	"sync"
	"time"
)

// Type selects one-shot vs periodic firing.
type Type int

const (
	OneShot Type = iota
	Periodic
)

// Timer is a single scheduled callback. The callback runs on a private
// goroutine; synchronizing it with a caller's own single-threaded state
// (typically a MainThread) is the caller's responsibility — the callback
// must tolerate the owner having already torn itself down, normally by
// checking a weak reference before doing any work.
type Timer struct {
	mu       sync.Mutex
	active   bool
	timeout  time.Duration
	callback func()
	kind     Type
	cancelCh chan struct{}
	done     chan struct{}
}

// Factory creates timers. A single default factory is shared process-wide
// (mirroring the original's weakly-held singleton ITimerFactory), but
// tests that want isolation can call CreateTimer on their own Factory{}
// value instead of going through New.
type Factory struct{}

var (
	defaultFactoryOnce sync.Once
	defaultFactory     *Factory
)

// DefaultFactory returns the shared process-wide factory, creating it on
// first use.
func DefaultFactory() *Factory {
	defaultFactoryOnce.Do(func() { defaultFactory = &Factory{} })
	return defaultFactory
}

// CreateTimer starts a new timer immediately: construction starts the clock.
func (f *Factory) CreateTimer(timeout time.Duration, callback func(), kind Type) *Timer {
	t := &Timer{
		active:   true,
		timeout:  timeout,
		callback: callback,
		kind:     kind,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

// New is a convenience wrapper around DefaultFactory().CreateTimer.
func New(timeout time.Duration, callback func(), kind Type) *Timer {
	return DefaultFactory().CreateTimer(timeout, callback, kind)
}

func (t *Timer) run() {
	defer close(t.done)
	ticker := time.NewTimer(t.timeout)
	defer ticker.Stop()
	for {
		select {
		case <-t.cancelCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			active := t.active
			cb := t.callback
			t.mu.Unlock()
			if !active {
				return
			}
			if cb != nil {
				cb()
			}
			if t.kind != Periodic {
				t.mu.Lock()
				t.active = false
				t.mu.Unlock()
				return
			}
			ticker.Reset(t.timeout)
		}
	}
}

// Cancel stops the timer. It is idempotent and safe to call from the
// timer's own callback (it never blocks waiting on its own goroutine).
func (t *Timer) Cancel() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()

	select {
	case <-t.cancelCh:
	default:
		close(t.cancelCh)
	}
}

// IsActive reports whether the timer is still scheduled to fire: true
// between construction and first expiry for a one-shot timer, or until
// Cancel for a periodic one.
func (t *Timer) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
