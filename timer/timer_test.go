package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRealTimerFiresWithRound tests that the expiry carries the armed round.
func TestRealTimerFiresWithRound(t *testing.T) {
	timer := NewRealTimer()

	timer.Arm(7, 2, 20*time.Millisecond)

	select {
	case exp := <-timer.C():
		assert.Equal(t, Expiry{Height: 7, View: 2}, exp)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer did not fire within expected time")
	}
}

// TestRealTimerStop tests that Stop prevents timer from firing.
func TestRealTimerStop(t *testing.T) {
	timer := NewRealTimer()

	timer.Arm(1, 0, 50*time.Millisecond)
	timer.Stop()

	select {
	case <-timer.C():
		t.Fatal("timer should not fire after Stop()")
	case <-time.After(120 * time.Millisecond):
	}
}

// TestRealTimerRearmReplacesRound tests that a second arm supersedes the first.
func TestRealTimerRearmReplacesRound(t *testing.T) {
	timer := NewRealTimer()

	timer.Arm(1, 0, 30*time.Millisecond)
	timer.Arm(1, 1, 60*time.Millisecond)

	select {
	case exp := <-timer.C():
		assert.Equal(t, uint8(1), exp.View, "expiry of the superseded arm leaked")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer did not fire after rearm")
	}
}

// TestRealTimerConcurrency tests that RealTimer is safe for concurrent use.
func TestRealTimerConcurrency(t *testing.T) {
	timer := NewRealTimer()
	const N = 100

	var wg sync.WaitGroup
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func(idx int) {
			defer wg.Done()
			if idx%2 == 0 {
				timer.Arm(uint32(idx), uint8(idx), time.Duration(10+idx%20)*time.Millisecond)
			} else {
				timer.Stop()
			}
		}(i)
	}
	wg.Wait()
	timer.Stop()
}

func TestMockTimerFire(t *testing.T) {
	timer := NewMockTimer()

	timer.Fire()
	select {
	case <-timer.C():
		t.Fatal("unarmed mock timer fired")
	default:
	}

	timer.Arm(10, 3, time.Second)
	require.True(t, timer.IsRunning())
	assert.Equal(t, time.Second, timer.Duration())
	assert.Equal(t, Expiry{Height: 10, View: 3}, timer.Armed())

	timer.Fire()
	assert.False(t, timer.IsRunning())
	assert.Equal(t, Expiry{Height: 10, View: 3}, <-timer.C())
}

func TestMockTimerStopDrains(t *testing.T) {
	timer := NewMockTimer()

	timer.Arm(1, 0, time.Second)
	timer.Fire()
	timer.Arm(1, 1, time.Second)
	timer.Stop()

	select {
	case <-timer.C():
		t.Fatal("stopped timer still delivered an expiry")
	default:
	}
	assert.Equal(t, 2, timer.Arms())
}

// TestTimerInterface verifies both implementations satisfy Timer.
func TestTimerInterface(t *testing.T) {
	var _ Timer = NewRealTimer()
	var _ Timer = NewMockTimer()
}
