package bridge

import (
	"sync"
	"time"
)

// Clock abstracts time for the bounded wait loops so they can be driven by a
// fake clock in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep pauses the caller for d.
	Sleep(d time.Duration)
}

// RealClock implements Clock with the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

var (
	defaultClockMu sync.RWMutex
	defaultClock   Clock = RealClock{}
)

// SetDefaultClock sets the clock used by channels without their own.
func SetDefaultClock(c Clock) {
	if c == nil {
		c = RealClock{}
	}
	defaultClockMu.Lock()
	defaultClock = c
	defaultClockMu.Unlock()
}

func getClock(c Clock) Clock {
	if c != nil {
		return c
	}
	defaultClockMu.RLock()
	defer defaultClockMu.RUnlock()
	return defaultClock
}

// pollUntil repeatedly services the stack and sleeps for interval until done
// reports true or timeout has elapsed. It reports whether done was reached.
func pollUntil(clock Clock, timeout, interval time.Duration, service func(), done func() bool) bool {
	start := clock.Now()
	for {
		if done() {
			return true
		}
		if clock.Now().Sub(start) >= timeout {
			return false
		}
		if service != nil {
			service()
		}
		clock.Sleep(interval)
	}
}
