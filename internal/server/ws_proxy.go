package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/asm0dey/relaygo/internal/metrics"
	"github.com/asm0dey/relaygo/internal/protocol"
	"github.com/asm0dey/relaygo/internal/registry"
)

// WSProxyEndpoint bridges externally-initiated WebSocket connections to the
// tunneled origin, relaying frames as WEBSOCKET_FRAME envelopes over the
// owning tunnel's single upstream connection (spec §4.F).
type WSProxyEndpoint struct {
	Registry *registry.Registry

	Domain string
	Metrics *metrics.Metrics // optional, nil if metrics disabled
	Logger *slog.Logger
}

func (e *WSProxyEndpoint) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *WSProxyEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := resolveSubdomain(r, e.Domain)
	if sub == "" {
		e.rejectHandshake(w, r, closeCodeProtocolError, "cannot resolve target subdomain")
		return
	}

	tun, ok := e.Registry.Lookup(sub)
	if !ok || !tun.Active() {
		e.rejectHandshake(w, r, closeCodeGoingAway, "tunnel unavailable")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		e.logger().Error("external ws accept failed", "subdomain", sub, "error", err)
		return
	}

	correlationID := uuid.NewString()
	ext := newExternalWSConn(conn)
	proxy := &registry.ExternalProxySession{CorrelationID: correlationID, Subdomain: sub, Conn: ext}
	tun.RegisterProxy(proxy)
	if e.Metrics != nil {
		e.Metrics.ExternalWSSessions.Inc()
	}

	upgradeEnv := &protocol.Envelope{
		CorrelationID: correlationID,
		Type: protocol.MessageRequest,
		TimestampMs: nowMs(),
		Payload: &protocol.RequestPayload{
			Method: http.MethodGet,
			Path: r.URL.Path,
			Headers: flattenHeaders(r.Header),
			Query: flattenQuery(r.URL.Query()),
			WebSocketUpgrade: true,
		},
	}
	if err := tun.Session.Send(context.Background(), upgradeEnv); err != nil {
		tun.UnregisterProxy(correlationID)
		if e.Metrics != nil {
			e.Metrics.ExternalWSSessions.Dec()
		}
		conn.Close(websocket.StatusInternalError, "failed to reach tunnel")
		return
	}

	defer func() {
		tun.UnregisterProxy(correlationID)
		if e.Metrics != nil {
			e.Metrics.ExternalWSSessions.Dec()
		}
		// Best-effort: tell the client side to tear down its origin bridge.
		_ = tun.Session.Send(context.Background(), &protocol.Envelope{
			CorrelationID: correlationID,
			Type: protocol.MessageRequest,
			TimestampMs: nowMs(),
			Payload: &protocol.WebSocketFramePayload{Type: protocol.FrameClose, CloseCode: closeCodeNormal, CloseReason: "external closed"},
		})
	}()

	ctx := context.Background()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame := &protocol.WebSocketFramePayload{Data: data}
		switch msgType {
		case websocket.MessageText:
			frame.Type = protocol.FrameText
		case websocket.MessageBinary:
			frame.Type = protocol.FrameBinary
			frame.IsBinary = true
		default:
			continue
		}
		if e.Metrics != nil {
			e.Metrics.BytesRelayedTotal.WithLabelValues("external_to_tunnel").Add(float64(len(data)))
		}
		env := &protocol.Envelope{
			CorrelationID: correlationID,
			Type: protocol.MessageRequest,
			TimestampMs: nowMs(),
			Payload: frame,
		}
		if err := tun.Session.Send(ctx, env); err != nil {
			return
		}
	}
}

func (e *WSProxyEndpoint) rejectHandshake(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.Close(websocket.StatusCode(code), reason)
}

// RouteFromTunnel delivers one WEBSOCKET_FRAME envelope received from the
// client to the external proxy session it belongs to, writing it to the
// externally-facing connection. PING/PONG frames are not separately
// writable through coder/websocket's public API (it manages transport-level
// ping/pong transparently), so they are forwarded as ordinary binary frames
// instead.
func (e *WSProxyEndpoint) RouteFromTunnel(tun *registry.Tunnel, correlationID string, frame *protocol.WebSocketFramePayload) {
	sess, ok := tun.GetProxy(correlationID)
	if !ok {
		return
	}
	ctx := context.Background()
	switch frame.Type {
	case protocol.FrameText:
		_ = sess.Conn.WriteText(ctx, frame.Data)
	case protocol.FrameBinary, protocol.FramePing, protocol.FramePong:
		_ = sess.Conn.WriteBinary(ctx, frame.Data)
	case protocol.FrameClose:
		code := frame.CloseCode
		if code == 0 {
			code = closeCodeNormal
		}
		_ = sess.Conn.CloseWithReason(code, frame.CloseReason)
		tun.UnregisterProxy(correlationID)
	}
}
