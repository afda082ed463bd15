package registry

import (
	"context"
	"sync"
	"time"

	"github.com/asm0dey/relaygo/internal/protocol"
)

// Session is the tunnel endpoint's handle to the upstream WebSocket. The
// registry depends only on this narrow interface so it never needs to
// import the WebSocket library itself.
type Session interface {
	// Send writes a single encoded envelope as one binary WS message.
	Send(ctx context.Context, env *protocol.Envelope) error
	// Close closes the underlying connection with a policy reason.
	Close(reason string) error
}

// ExternalConn is the external WS proxy endpoint's handle to the
// externally-facing WebSocket connection for one proxy session.
type ExternalConn interface {
	WriteText(ctx context.Context, data []byte) error
	WriteBinary(ctx context.Context, data []byte) error
	CloseWithReason(code int, reason string) error
}

// ExternalProxySession binds one external WebSocket connection to the
// correlationId used to route WEBSOCKET_FRAME envelopes to and from it.
// Its lifetime never exceeds the owning Tunnel's.
type ExternalProxySession struct {
	CorrelationID string
	Subdomain string
	Conn ExternalConn
}

// Tunnel is one registered client connection: a subdomain, a handle to its
// upstream WS session, the pending-request table for in-flight HTTP
// replays, and the external-WS proxy sessions routed through it.
type Tunnel struct {
	Subdomain string
	Session Session
	CreatedAt time.Time

	mu sync.Mutex
	active bool
	pending map[string]*PendingRequest
	proxies map[string]*ExternalProxySession
}

// NewTunnel constructs an active Tunnel bound to session.
func NewTunnel(subdomain string, session Session) *Tunnel {
	return &Tunnel{
		Subdomain: subdomain,
		Session: session,
		CreatedAt: time.Now(),
		active: true,
		pending: make(map[string]*PendingRequest),
		proxies: make(map[string]*ExternalProxySession),
	}
}

// Active reports whether the tunnel is still registered and usable.
func (t *Tunnel) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// RegisterPending inserts a PendingRequest, failing if the correlationId is
// already in use (should be impossible with a fresh ID generator).
func (t *Tunnel) RegisterPending(p *PendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return false
	}
	if _, exists := t.pending[p.CorrelationID]; exists {
		return false
	}
	t.pending[p.CorrelationID] = p
	return true
}

// UnregisterPending removes a pending request without completing it; used
// once a caller has already obtained its terminal result, and by the HTTP
// routing handler when the external client disconnects before a reply.
func (t *Tunnel) UnregisterPending(correlationID string) {
	t.mu.Lock()
	delete(t.pending, correlationID)
	t.mu.Unlock()
}

// PendingCount returns the number of in-flight requests, used by the
// shutdown supervisor to decide when a tunnel has finished draining.
func (t *Tunnel) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tunnel) getPending(correlationID string) (*PendingRequest, bool) {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	t.mu.Unlock()
	return p, ok
}

// CompletePending completes the pending request identified by
// correlationID with a successful response. Returns false if no such
// pending request exists (already completed, or never registered).
func (t *Tunnel) CompletePending(correlationID string, resp *protocol.ResponsePayload) bool {
	p, ok := t.getPending(correlationID)
	if !ok {
		return false
	}
	return p.CompleteResponse(resp)
}

// CompletePendingExceptionally completes the pending request with an error
// (an ERROR envelope received from the client).
func (t *Tunnel) CompletePendingExceptionally(correlationID string, err error) bool {
	p, ok := t.getPending(correlationID)
	if !ok {
		return false
	}
	return p.CompleteError(err)
}

// RegisterProxy adds an external WS proxy session keyed by its correlationId.
func (t *Tunnel) RegisterProxy(p *ExternalProxySession) {
	t.mu.Lock()
	t.proxies[p.CorrelationID] = p
	t.mu.Unlock()
}

// UnregisterProxy removes a proxy session, returning it for cleanup if present.
func (t *Tunnel) UnregisterProxy(correlationID string) (*ExternalProxySession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proxies[correlationID]
	if ok {
		delete(t.proxies, correlationID)
	}
	return p, ok
}

// GetProxy looks up a proxy session by correlationId without removing it.
func (t *Tunnel) GetProxy(correlationID string) (*ExternalProxySession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proxies[correlationID]
	return p, ok
}

// Close deactivates the tunnel, cancels every outstanding pending request
// with ErrRequestCancelled, and removes every external proxy session,
// returning them without closing their connections; the caller closes them
// (with the going-away code). It does not close t.Session either; the
// caller (the tunnel endpoint, which owns the WS lifecycle) does that.
func (t *Tunnel) Close() (cancelledPending []*PendingRequest, closedProxies []*ExternalProxySession) {
	t.mu.Lock()
	t.active = false
	for _, p := range t.pending {
		cancelledPending = append(cancelledPending, p)
	}
	for _, p := range t.proxies {
		closedProxies = append(closedProxies, p)
	}
	t.pending = make(map[string]*PendingRequest)
	t.proxies = make(map[string]*ExternalProxySession)
	t.mu.Unlock()

	for _, p := range cancelledPending {
		p.Cancel()
	}
	return cancelledPending, closedProxies
}
