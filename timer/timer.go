// Package timer provides the view-change timer driven by a dBFT node loop.
//
// Each arm is tagged with the round (height, view) it belongs to, so the
// consumer can discard expirations that outlived their round:
//  1. RealTimer - Production timer using time.AfterFunc
//  2. MockTimer - Controllable timer for testing
package timer

import (
	"sync"
	"time"
)

// Expiry identifies the round a fired timer was armed for.
type Expiry struct {
	Height uint32
	View   uint8
}

// Timer provides round-tagged timeouts.
// All implementations must be safe for concurrent use.
type Timer interface {
	// Arm (re)starts the timer for the given round. Any pending expiry of a
	// previous arm is discarded.
	Arm(height uint32, view uint8, d time.Duration)

	// Stop stops the timer.
	Stop()

	// C returns a channel that receives when the timer expires.
	C() <-chan Expiry
}

// RealTimer implements Timer using time.AfterFunc.
type RealTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	ch    chan Expiry
	// gen invalidates callbacks of superseded arms that already started running.
	gen uint64
}

// NewRealTimer creates a new RealTimer.
func NewRealTimer() *RealTimer {
	return &RealTimer{
		ch: make(chan Expiry, 1),
	}
}

// Arm starts the timer for (height, view).
func (t *RealTimer) Arm(height uint32, view uint8, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
	gen := t.gen
	exp := Expiry{Height: height, View: view}

	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen {
			return
		}
		select {
		case t.ch <- exp:
		default:
			// Channel full, timer already fired
		}
	})
}

// Stop stops the timer.
func (t *RealTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
}

func (t *RealTimer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	// Drain channel
	select {
	case <-t.ch:
	default:
	}
}

// C returns a channel that receives when the timer expires.
func (t *RealTimer) C() <-chan Expiry {
	return t.ch
}

// MockTimer implements Timer for testing with manual control.
type MockTimer struct {
	mu       sync.Mutex
	ch       chan Expiry
	armed    Expiry
	duration time.Duration
	running  bool
	arms     int
}

// NewMockTimer creates a new MockTimer.
func NewMockTimer() *MockTimer {
	return &MockTimer{
		ch: make(chan Expiry, 1),
	}
}

// Arm records the round and duration but does not fire automatically.
func (t *MockTimer) Arm(height uint32, view uint8, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.armed = Expiry{Height: height, View: view}
	t.duration = d
	t.running = true
	t.arms++

	select {
	case <-t.ch:
	default:
	}
}

// Stop stops the timer.
func (t *MockTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	select {
	case <-t.ch:
	default:
	}
}

// C returns a channel that receives when the timer expires.
func (t *MockTimer) C() <-chan Expiry {
	return t.ch
}

// Fire delivers the armed expiry if the timer is running.
func (t *MockTimer) Fire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	select {
	case t.ch <- t.armed:
	default:
	}
}

// IsRunning returns true if the timer is armed and has not fired.
func (t *MockTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Duration returns the duration of the last arm.
func (t *MockTimer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Armed returns the round of the last arm.
func (t *MockTimer) Armed() Expiry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Arms returns how many times the timer was armed.
func (t *MockTimer) Arms() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arms
}
