package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/asm0dey/relaygo/internal/protocol"
)

// ErrTimeout is the completion error used when a PendingRequest's deadline
// elapses before a response or error envelope arrives.
var ErrTimeout = errors.New("registry: pending request timed out")

// ErrRequestCancelled is the completion error used when the owning tunnel
// is lost (WS close, fatal error, or shutdown) before the request completes.
var ErrRequestCancelled = errors.New("registry: request cancelled, tunnel lost")

// PendingResult is the terminal outcome of a PendingRequest: exactly one of
// Response or Err is set.
type PendingResult struct {
	Response *protocol.ResponsePayload
	Err error
}

// PendingRequest is a one-shot completion primitive: whichever of
// CompleteResponse/CompleteError/Cancel (or the timeout) runs first wins; later callers are
// no-ops. This is what lets the response path and the timeout path race
// safely (spec's "first writer wins").
type PendingRequest struct {
	CorrelationID string

	done chan struct{}
	once sync.Once
	result PendingResult

	timer *time.Timer
}

// NewPendingRequest creates a pending request with a timeout that, if it
// fires before any other completion, completes the request with ErrTimeout.
func NewPendingRequest(correlationID string, timeout time.Duration) *PendingRequest {
	p := &PendingRequest{
		CorrelationID: correlationID,
		done: make(chan struct{}),
	}
	p.timer = time.AfterFunc(timeout, func() {
		p.completeLocked(PendingResult{Err: ErrTimeout})
	})
	return p
}

func (p *PendingRequest) completeLocked(result PendingResult) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		completed = true
		close(p.done)
	})
	return completed
}

// CompleteResponse completes the request with a successful response.
// Returns false if the request was already completed by another path.
func (p *PendingRequest) CompleteResponse(resp *protocol.ResponsePayload) bool {
	ok := p.completeLocked(PendingResult{Response: resp})
	p.timer.Stop()
	return ok
}

// CompleteError completes the request exceptionally (ERROR envelope from
// the tunnel, e.g. UPSTREAM_ERROR or SERVER_ERROR).
func (p *PendingRequest) CompleteError(err error) bool {
	ok := p.completeLocked(PendingResult{Err: err})
	p.timer.Stop()
	return ok
}

// Cancel completes the request with ErrRequestCancelled, used when the
// owning tunnel is lost while the request is still outstanding.
func (p *PendingRequest) Cancel() bool {
	ok := p.completeLocked(PendingResult{Err: ErrRequestCancelled})
	p.timer.Stop()
	return ok
}

// Wait blocks until the request completes or ctx is done, whichever first.
func (p *PendingRequest) Wait(ctx context.Context) (PendingResult, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return PendingResult{}, ctx.Err()
	}
}
