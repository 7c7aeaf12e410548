package core

import (
	"context"

	"github.com/pion/rtp"
)

// ConnState is the low-level connectivity state of a peer connection.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateChecking
	ConnStateConnected
	ConnStateCompleted
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateChecking:
		return "checking"
	case ConnStateConnected:
		return "connected"
	case ConnStateCompleted:
		return "completed"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaConnection is one receive-only peer connection. It is owned by exactly
// one session generation.
type MediaConnection interface {
	// CreateOffer sets and returns the local SDP once ICE gathering is done.
	CreateOffer(ctx context.Context) (string, error)
	// ApplyAnswer sets the remote SDP produced by the signaling server.
	ApplyAnswer(sdp string) error
	// OnStateChange sets a callback for connectivity state changes.
	OnStateChange(func(ConnState))
	// OnTrack sets a callback invoked when a new remote track arrives.
	OnTrack(func(Track))
	// Close should stop all underlying media resources.
	Close() error
}

// ConnectionFactory allocates a fresh MediaConnection per generation.
type ConnectionFactory interface {
	NewConnection() (MediaConnection, error)
}

type ConnectionFactoryFunc func() (MediaConnection, error)

func (f ConnectionFactoryFunc) NewConnection() (MediaConnection, error) { return f() }

// Track is a remote media track.
type Track interface {
	ID() string
	Kind() string
	ReadRTP() (*rtp.Packet, error)
	RequestKeyframe() error
	Stop() error
}
