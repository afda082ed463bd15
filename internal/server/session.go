package server

import (
	"context"
	"sync"

	"github.com/coder/websocket"

	"github.com/asm0dey/relaygo/internal/protocol"
)

// wsSession is the tunnel endpoint's registry.Session implementation,
// wrapping the upstream client WebSocket connection. Writes are serialized
// under a mutex because coder/websocket forbids concurrent writers on one
// connection, and the tunnel's response/control/frame traffic all share it.
type wsSession struct {
	conn *websocket.Conn

	mu sync.Mutex
}

func newWSSession(conn *websocket.Conn) *wsSession {
	return &wsSession{conn: conn}
}

func (s *wsSession) Send(ctx context.Context, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

func (s *wsSession) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

// externalWSConn is the external WS proxy endpoint's registry.ExternalConn
// implementation, wrapping the externally-facing WebSocket connection for
// one proxy session.
type externalWSConn struct {
	conn *websocket.Conn

	mu sync.Mutex
}

func newExternalWSConn(conn *websocket.Conn) *externalWSConn {
	return &externalWSConn{conn: conn}
}

func (c *externalWSConn) WriteText(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *externalWSConn) WriteBinary(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

func (c *externalWSConn) CloseWithReason(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// Close codes used when rejecting or tearing down a connection. These are
// RFC 6455 control-frame codes, kept as our own constants so the registry
// package's ExternalConn interface does not need to import coder/websocket.
const (
	closeCodeNormal = 1000
	closeCodeGoingAway = 1001
	closeCodeProtocolError = 1002
	closeCodePolicyViolation = 1008
	closeCodeTryAgainLater = 1013
)
