package core

import (
	"context"

	"github.com/dkeye/cctv/internal/domain"
)

// Signaler turns a local offer into the remote answer. It holds no state and
// never retries.
type Signaler interface {
	Negotiate(ctx context.Context, offerSDP string, target domain.StreamTarget) (string, error)
}
