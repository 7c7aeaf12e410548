package session

import (
	"fmt"
	"time"

	"github.com/dkeye/cctv/internal/domain"
)

// Status is the observable surface of a Controller.
type Status struct {
	StreamID    domain.StreamID  `json:"streamId"`
	Name        string           `json:"name"`
	State       domain.State     `json:"state"`
	Loading     bool             `json:"loading"`
	Failed      bool             `json:"failed"`
	ErrorKind   domain.ErrorKind `json:"errorKind,omitempty"`
	Message     string           `json:"message,omitempty"`
	Label       string           `json:"label,omitempty"`
	Attempt     int              `json:"attempt"`
	MaxAttempts int              `json:"maxAttempts"`
	Retrying    bool             `json:"retrying"`
	Generation  uint64           `json:"generation"`

	ConnectedSinceAttemptReset bool      `json:"connectedSinceAttemptReset"`
	UpdatedAt                  time.Time `json:"updatedAt"`
}

// StatusListener receives every status the controller publishes.
type StatusListener interface {
	OnStatus(Status)
}

type StatusListenerFunc func(Status)

func (f StatusListenerFunc) OnStatus(s Status) { f(s) }

// snapshot is the loop-owned state a Status is projected from.
type snapshot struct {
	target    domain.StreamTarget
	cfg       domain.SessionConfig
	state     domain.State
	errKind   domain.ErrorKind
	errMsg    string
	attempt   int
	retrying  bool
	gen       uint64
	connected bool
	at        time.Time
}

func project(s snapshot) Status {
	st := Status{
		StreamID:                   s.target.ID,
		Name:                       s.target.DisplayName(),
		State:                      s.state,
		Loading:                    s.state == domain.StateConnecting,
		Failed:                     s.state == domain.StateFailed,
		Attempt:                    s.attempt,
		MaxAttempts:                s.cfg.MaxReconnectAttempts,
		Generation:                 s.gen,
		ConnectedSinceAttemptReset: s.connected,
		UpdatedAt:                  s.at,
	}
	if st.Failed {
		st.ErrorKind = s.errKind
		st.Message = s.errMsg
		st.Label = s.errKind.Label()
		st.Retrying = s.retrying
	}
	return st
}

// Indicator is the short text a viewer shows next to the video surface.
func (s Status) Indicator() string {
	switch {
	case s.Loading && s.Attempt > 0:
		return fmt.Sprintf("Reconnecting (%d/%d)", s.Attempt, s.MaxAttempts)
	case s.Loading:
		return "Connecting"
	case s.Failed && s.Retrying:
		return fmt.Sprintf("%s, retrying (%d/%d)", s.Label, s.Attempt+1, s.MaxAttempts)
	case s.Failed:
		return s.Label
	case s.State == domain.StateConnected:
		return "Live"
	default:
		return "Idle"
	}
}
