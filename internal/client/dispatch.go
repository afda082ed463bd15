// Package client implements the tunnel client's dispatch loop: it owns the
// upstream WebSocket to the relay server, replays REQUEST envelopes against
// the local origin, and bridges external WebSocket frames to and from an
// origin WS connection (spec §4.G-§4.J).
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/asm0dey/relaygo/internal/protocol"
)

// AuthError reports a non-retryable rejection of the tunnel handshake
// (bad secret key, policy violation). The reconnector must surface this and
// stop, never retry it (spec §4.J).
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// Client runs one tunnel client's dispatch loop against a relay server. It
// is reused across reconnect attempts; conn and bridges are replaced fresh
// on each successful dial.
type Client struct {
	LocalURL string
	ServerURL string
	MaxBodySize int64
	Logger *slog.Logger

	// Ready is called after each successful registration with the
	// server-assigned public URL (spec §4.G: "surface publicUrl to the
	// operator"). Optional.
	Ready func(publicURL string)

	mu sync.Mutex
	conn *websocket.Conn
	bridges *wsBridgeManager

	// writeMu serializes writes on conn: coder/websocket forbids concurrent
	// writers on one connection, and handleHTTPRequest (its own goroutine
	// per inbound REQUEST) and every originBridge.pump goroutine all call
	// send on the same upstream connection.
	writeMu sync.Mutex
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// connectAndServe dials the upstream WS, waits for CONTROL{REGISTERED}, and
// runs the read/dispatch loop until the connection drops or ctx is
// cancelled. The returned bool reports whether the handshake completed
// (used by the reconnector to decide whether to reset its backoff); the
// error is an *AuthError for a non-retryable rejection, or any other error
// for a connection loss worth retrying.
func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.ServerURL, nil)
	if dialErr != nil {
		if isAuthRejection(dialErr) {
			return false, &AuthError{Reason: "invalid secret key"}
		}
		return false, fmt.Errorf("dial failed: %w", dialErr)
	}
	defer conn.CloseNow()

	bridges := newWSBridgeManager(c.LocalURL, c.logger())
	defer bridges.closeAll()

	c.mu.Lock()
	c.conn = conn
	c.bridges = bridges
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.bridges = nil
		c.mu.Unlock()
	}()

	_, data, readErr := conn.Read(ctx)
	if readErr != nil {
		if isAuthRejection(readErr) {
			return false, &AuthError{Reason: "invalid secret key"}
		}
		return false, fmt.Errorf("waiting for registration: %w", readErr)
	}
	env, decodeErr := protocol.Decode(data)
	if decodeErr != nil {
		return false, fmt.Errorf("decoding registration envelope: %w", decodeErr)
	}
	ctrl, ok := env.Payload.(*protocol.ControlPayload)
	if !ok || ctrl.Action != protocol.ControlRegistered {
		return false, fmt.Errorf("unexpected first message from server (want CONTROL/REGISTERED)")
	}

	c.logger().Info("tunnel ready", "public_url", ctrl.PublicURL, "local_url", c.LocalURL)
	if c.Ready != nil {
		c.Ready(ctrl.PublicURL)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger().Warn("malformed envelope from server", "error", err)
			continue
		}
		c.dispatch(ctx, bridges, env)
	}
}

// dispatch classifies one decoded envelope from the server (spec §4.G):
// a REQUEST with webSocketUpgrade spawns an origin WS bridge, an ordinary
// REQUEST is replayed against the origin over HTTP, a WEBSOCKET_FRAME is
// routed to its bridge, CONTROL{UNREGISTER} is logged, other CONTROL actions
// are ignored, and any other payload is logged as unknown.
func (c *Client) dispatch(ctx context.Context, bridges *wsBridgeManager, env *protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.RequestPayload:
		if p.WebSocketUpgrade {
			bridges.open(env.CorrelationID, p, c.send)
			return
		}
		go c.handleHTTPRequest(ctx, env.CorrelationID, p)
	case *protocol.WebSocketFramePayload:
		bridges.forward(env.CorrelationID, p)
	case *protocol.ControlPayload:
		if p.Action == protocol.ControlUnregister {
			c.logger().Info("server is shutting down this tunnel")
		}
	default:
		c.logger().Warn("unknown envelope type from server")
	}
}

// handleHTTPRequest replays req against the origin (4.H) and sends back the
// terminal RESPONSE or ERROR envelope under the same correlation ID.
func (c *Client) handleHTTPRequest(ctx context.Context, correlationID string, req *protocol.RequestPayload) {
	resp, err := callOrigin(c.LocalURL, req, c.maxBodySize())
	if err != nil {
		code, message := classifyOriginError(err, c.maxBodySize())
		_ = c.send(ctx, &protocol.Envelope{
			CorrelationID: correlationID,
			Type: protocol.MessageError,
			TimestampMs: nowMs(),
			Payload: &protocol.ErrorPayload{Code: code, Message: message},
		})
		return
	}
	_ = c.send(ctx, &protocol.Envelope{
		CorrelationID: correlationID,
		Type: protocol.MessageResponse,
		TimestampMs: nowMs(),
		Payload: &protocol.ResponsePayload{StatusCode: resp.Status, Headers: resp.Headers, Body: resp.Body},
	})
}

func (c *Client) maxBodySize() int64 {
	if c.MaxBodySize > 0 {
		return c.MaxBodySize
	}
	return DefaultMaxBodySize
}

// send serializes one envelope onto the current upstream connection.
// coder/websocket forbids concurrent writers on one connection, and both
// the HTTP-reply path and the WS-bridge path share it (spec §5).
func (c *Client) send(ctx context.Context, env *protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// isAuthRejection reports whether err represents the server's handshake
// rejection close code (policy violation) rather than an ordinary network
// failure, so the reconnector knows not to retry it.
func isAuthRejection(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusPolicyViolation
}
