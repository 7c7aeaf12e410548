// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"
)

const MaxStreamIDLen = 64

var (
	ErrStreamIDEmpty   = errors.New("stream id empty")
	ErrStreamIDTooLong = errors.New("stream id too long")
	ErrAddressEmpty    = errors.New("stream address empty")
)

type StreamID string

// StreamTarget is the camera feed a session connects to. It is never mutated.
type StreamTarget struct {
	ID      StreamID `json:"id" mapstructure:"id"`
	Name    string   `json:"name" mapstructure:"name"`
	Address string   `json:"address" mapstructure:"address"`
}

// NewStreamTarget is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewStreamTarget(id, name, address string) (StreamTarget, error) {
	t := StreamTarget{ID: StreamID(id), Name: name, Address: address}
	return t, t.Validate()
}

func (t StreamTarget) Validate() error {
	if len(t.ID) == 0 {
		return ErrStreamIDEmpty
	}
	if len(t.ID) > MaxStreamIDLen {
		return ErrStreamIDTooLong
	}
	if t.Address == "" {
		return ErrAddressEmpty
	}
	return nil
}

// DisplayName falls back to the id when no name is configured.
func (t StreamTarget) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return string(t.ID)
}

const (
	DefaultAutoReconnect        = true
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectIntervalMs  = 5000
	DefaultConnectionTimeoutMs  = 15000
)

type SessionConfig struct {
	AutoReconnect        bool `json:"autoReconnect" mapstructure:"auto_reconnect"`
	MaxReconnectAttempts int  `json:"maxReconnectAttempts" mapstructure:"max_reconnect_attempts"`
	ReconnectIntervalMs  int  `json:"reconnectIntervalMs" mapstructure:"reconnect_interval_ms"`
	ConnectionTimeoutMs  int  `json:"connectionTimeoutMs" mapstructure:"connection_timeout_ms"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AutoReconnect:        DefaultAutoReconnect,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectIntervalMs:  DefaultReconnectIntervalMs,
		ConnectionTimeoutMs:  DefaultConnectionTimeoutMs,
	}
}

// Normalize replaces non-positive durations with defaults and clamps a
// negative attempt budget to zero.
func (c SessionConfig) Normalize() SessionConfig {
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectIntervalMs <= 0 {
		c.ReconnectIntervalMs = DefaultReconnectIntervalMs
	}
	if c.ConnectionTimeoutMs <= 0 {
		c.ConnectionTimeoutMs = DefaultConnectionTimeoutMs
	}
	return c
}

func (c SessionConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

func (c SessionConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}
