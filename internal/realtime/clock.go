package realtime

import "time"

// Timer is a pending callback created by Clock.AfterFunc
type Timer interface {
	Stop() bool
}

// Clock supplies time and timers to the gateway so expiry can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock returns the wall clock
func SystemClock() Clock {
	return systemClock{}
}
