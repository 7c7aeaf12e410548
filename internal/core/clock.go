package core

import "time"

type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Controllers take it as a dependency so timeout
// and retry behaviour can be driven by a manual clock in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
