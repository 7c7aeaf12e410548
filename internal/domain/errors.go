package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindConnectionFailed ErrorKind = "ConnectionFailed"
	KindMediaError       ErrorKind = "MediaError"
	KindIceFailed        ErrorKind = "IceFailed"
	KindServerError      ErrorKind = "ServerError"
	KindTimeout          ErrorKind = "Timeout"
	KindUnknown          ErrorKind = "Unknown"
)

// Label is the message shown to a viewer for a failure of this kind.
func (k ErrorKind) Label() string {
	switch k {
	case KindConnectionFailed:
		return "Unable to establish a connection to the camera"
	case KindMediaError:
		return "Video playback error"
	case KindIceFailed:
		return "Network path to the camera failed"
	case KindServerError:
		return "Streaming server error"
	case KindTimeout:
		return "Connection timed out"
	default:
		return "Unknown error"
	}
}

// StreamError is a classified failure of a stream session.
type StreamError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func NewStreamError(kind ErrorKind, msg string, err error) *StreamError {
	return &StreamError{Kind: kind, Message: msg, Err: err}
}

func Errorf(kind ErrorKind, format string, args ...any) *StreamError {
	return &StreamError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Classify converts any error into a StreamError. Errors that already carry a
// kind keep it, deadline errors become Timeout, everything else is Unknown.
func Classify(err error) *StreamError {
	if err == nil {
		return nil
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewStreamError(KindTimeout, "operation timed out", err)
	}
	return NewStreamError(KindUnknown, err.Error(), err)
}

func KindOf(err error) ErrorKind {
	if se := Classify(err); se != nil {
		return se.Kind
	}
	return ""
}
