package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/asm0dey/relaygo/internal/metrics"
	"github.com/asm0dey/relaygo/internal/protocol"
	"github.com/asm0dey/relaygo/internal/registry"
	"github.com/asm0dey/relaygo/internal/security"
	"github.com/asm0dey/relaygo/internal/subdomain"
)

// TunnelEndpoint accepts the long-lived client WebSocket connection, handles
// the registration handshake, and runs the read loop dispatching RESPONSE,
// ERROR, WEBSOCKET_FRAME and CONTROL envelopes arriving from the client.
type TunnelEndpoint struct {
	Registry *registry.Registry
	Secrets *security.SecretStore
	WSProxy *WSProxyEndpoint

	Domain string
	Metrics *metrics.Metrics // optional, nil if metrics disabled
	Logger *slog.Logger

	// RateLimiter bounds handshake attempts per source IP, optional.
	RateLimiter *security.RateLimiter

	// ShutdownCtx is the parent for every session's send/read context; it is
	// cancelled by the server's owner once shutdown completes (relay-server
	// cancels it after Supervisor.Graceful returns) rather than derived from the HTTP
	// request context, so tearing down ServeHTTP does not race a send still
	// in flight (the same reasoning clawreachbridge documents for its dial).
	ShutdownCtx context.Context
}

func (e *TunnelEndpoint) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *TunnelEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.RateLimiter != nil && !e.RateLimiter.Allow(clientIP(r)) {
		e.rejectHandshake(w, r, closeCodeTryAgainLater, "too many handshake attempts")
		return
	}

	secret := security.ExtractSecret(r.URL.Query().Get("secret"), r.Header.Get("X-Secret-Key"))
	if !e.Secrets.Allowed(secret) {
		e.rejectHandshake(w, r, closeCodePolicyViolation, "invalid secret key")
		if e.Metrics != nil {
			e.Metrics.TunnelsRejectedTotal.WithLabelValues("invalid_secret").Inc()
		}
		return
	}

	requested := r.URL.Query().Get("subdomain")
	if requested == "" {
		requested = r.Header.Get("X-Subdomain")
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		e.logger().Error("tunnel accept failed", "error", err)
		return
	}

	label, rejectReason := e.allocateSubdomain(requested)
	if rejectReason != "" {
		code := closeCodePolicyViolation
		if rejectReason == "subdomain space exhausted" {
			code = closeCodeTryAgainLater
		}
		conn.Close(websocket.StatusCode(code), rejectReason)
		if e.Metrics != nil {
			e.Metrics.TunnelsRejectedTotal.WithLabelValues("subdomain").Inc()
		}
		return
	}

	sess := newWSSession(conn)
	tun := registry.NewTunnel(label, sess)
	if !e.Registry.Register(label, tun) {
		conn.Close(websocket.StatusCode(closeCodeTryAgainLater), "subdomain already taken")
		if e.Metrics != nil {
			e.Metrics.TunnelsRejectedTotal.WithLabelValues("collision").Inc()
		}
		return
	}

	publicURL := fmt.Sprintf("https://%s.%s", label, e.Domain)
	registeredEnv := &protocol.Envelope{
		Type: protocol.MessageControl,
		TimestampMs: nowMs(),
		Payload: &protocol.ControlPayload{
			Action: protocol.ControlRegistered,
			Subdomain: label,
			PublicURL: publicURL,
		},
	}
	if err := sess.Send(e.ShutdownCtx, registeredEnv); err != nil {
		e.Registry.Unregister(label)
		tun.Close()
		conn.Close(websocket.StatusInternalError, "registration handshake failed")
		return
	}

	e.logger().Info("tunnel registered", "subdomain", label, "public_url", publicURL)
	if e.Metrics != nil {
		e.Metrics.ActiveTunnels.Inc()
		e.Metrics.TunnelsRegisteredTotal.Inc()
	}

	defer e.cleanup(tun, label)

	for {
		_, data, err := conn.Read(e.ShutdownCtx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			e.logger().Warn("malformed envelope from tunnel", "subdomain", label, "error", err)
			_ = sess.Send(e.ShutdownCtx, errorEnvelope("", protocol.ErrorProtocol, err.Error()))
			continue
		}
		e.dispatch(tun, env)
	}
}

// rejectHandshake completes the WebSocket upgrade (so a close code can be
// sent at all) and immediately closes it with the rejection reason. The
// client cannot distinguish "rejected" from "accepted-then-closed" over raw
// HTTP, so every handshake failure is framed as a close code rather than an
// HTTP status.
func (e *TunnelEndpoint) rejectHandshake(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.Close(websocket.StatusCode(code), reason)
}

// allocateSubdomain resolves the label a new tunnel will register under: the
// client's requested label if valid and free, a generated one if none was
// requested, or a non-empty rejection reason.
func (e *TunnelEndpoint) allocateSubdomain(requested string) (label string, rejectReason string) {
	if requested != "" {
		if !subdomain.Valid(requested) {
			return "", "invalid subdomain"
		}
		if e.Registry.Has(requested) {
			return "", "subdomain already taken"
		}
		return requested, ""
	}
	label, err := subdomain.Generate(e.Registry)
	if err != nil {
		return "", "subdomain space exhausted"
	}
	return label, ""
}

// dispatch routes one decoded envelope from the client to the tunnel's
// pending-request table or to the external WS proxy router.
func (e *TunnelEndpoint) dispatch(tun *registry.Tunnel, env *protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.ResponsePayload:
		tun.CompletePending(env.CorrelationID, p)
		if e.Metrics != nil {
			e.Metrics.RequestsTotal.WithLabelValues(fmt.Sprintf("%d", p.StatusCode)).Inc()
		}
	case *protocol.ErrorPayload:
		tun.CompletePendingExceptionally(env.CorrelationID, fmt.Errorf("tunnel error %d: %s", p.Code, p.Message))
		if e.Metrics != nil {
			e.Metrics.ErrorsTotal.WithLabelValues(fmt.Sprintf("%d", p.Code)).Inc()
		}
	case *protocol.WebSocketFramePayload:
		if e.WSProxy != nil {
			e.WSProxy.RouteFromTunnel(tun, env.CorrelationID, p)
		}
	case *protocol.ControlPayload:
		// CONTROL from the client is limited to heartbeats/status in this
		// protocol version; nothing to act on yet.
	default:
		e.logger().Warn("unknown payload from tunnel", "subdomain", tun.Subdomain)
	}
}

func (e *TunnelEndpoint) cleanup(tun *registry.Tunnel, label string) {
	e.Registry.Unregister(label)
	_, closedProxies := tun.Close()
	for _, p := range closedProxies {
		_ = p.Conn.CloseWithReason(closeCodeGoingAway, "tunnel lost")
	}
	e.logger().Info("tunnel closed", "subdomain", label)
	if e.Metrics != nil {
		e.Metrics.ActiveTunnels.Dec()
	}
}
