package ws

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickConn
)

// Policy decides what happens to a subscriber whose send queue is full.
type Policy interface {
	OnBackpressure(c *Conn) BackpressureAction
}

// SimplePolicy kicks slow subscribers.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(*Conn) BackpressureAction { return KickConn }

// DropPolicy drops the frame and keeps the subscriber.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(*Conn) BackpressureAction { return DropFrame }
