package session

import (
	"time"

	"github.com/dkeye/cctv/internal/domain"
)

// ReconnectPolicy decides whether a failed session is retried automatically
// and after which delay. attempt is the number of automatic reconnects
// already consumed since the last reset.
type ReconnectPolicy interface {
	Next(cfg domain.SessionConfig, attempt int, kind domain.ErrorKind) (time.Duration, bool)
}

// FixedPolicy retries every ReconnectIntervalMs until the attempt budget is spent.
type FixedPolicy struct{}

func (FixedPolicy) Next(cfg domain.SessionConfig, attempt int, _ domain.ErrorKind) (time.Duration, bool) {
	if !cfg.AutoReconnect || attempt >= cfg.MaxReconnectAttempts {
		return 0, false
	}
	return cfg.ReconnectInterval(), true
}

// BackoffPolicy doubles the interval on every attempt, capped at Max.
// The attempt budget is the same as FixedPolicy's.
type BackoffPolicy struct {
	Max time.Duration
}

func (p BackoffPolicy) Next(cfg domain.SessionConfig, attempt int, kind domain.ErrorKind) (time.Duration, bool) {
	base, ok := FixedPolicy{}.Next(cfg, attempt, kind)
	if !ok {
		return 0, false
	}
	delay := base * time.Duration(1<<uint(attempt))
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay, true
}
