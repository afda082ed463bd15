package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/asm0dey/relaygo/internal/metrics"
	"github.com/asm0dey/relaygo/internal/protocol"
	"github.com/asm0dey/relaygo/internal/registry"
	"github.com/asm0dey/relaygo/internal/security"
)

// HTTPHandler is the public entry point for ordinary (non-WebSocket) HTTP
// traffic: it resolves the target tunnel from the request's subdomain,
// serializes the request into a REQUEST envelope, and blocks for the
// matching RESPONSE/ERROR/timeout (spec §4.E).
type HTTPHandler struct {
	Registry *registry.Registry
	WSProxy *WSProxyEndpoint

	Domain string
	RequestTimeout time.Duration
	MaxBodySize int64

	RateLimiter *security.RateLimiter // optional, nil disables per-IP limiting
	Metrics *metrics.Metrics // optional, nil if metrics disabled
	Logger *slog.Logger
}

func (h *HTTPHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		if h.WSProxy != nil {
			h.WSProxy.ServeHTTP(w, r)
			return
		}
	}

	if !allowedMethods[r.Method] {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP(r)) {
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		}
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	sub := resolveSubdomain(r, h.Domain)
	if sub == "" {
		http.Error(w, "Bad Request: cannot resolve target subdomain", http.StatusBadRequest)
		return
	}

	tun, ok := h.Registry.Lookup(sub)
	if !ok {
		http.Error(w, "Not Found: no tunnel registered for this subdomain", http.StatusNotFound)
		return
	}
	if !tun.Active() {
		http.Error(w, "Service Unavailable: tunnel is not active", http.StatusServiceUnavailable)
		return
	}

	var body []byte
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		limited := http.MaxBytesReader(w, r.Body, h.MaxBodySize)
		data, err := io.ReadAll(limited)
		if err != nil {
			http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		body = data
	}

	correlationID := uuid.NewString()
	env := &protocol.Envelope{
		CorrelationID: correlationID,
		Type: protocol.MessageRequest,
		TimestampMs: nowMs(),
		Payload: &protocol.RequestPayload{
			Method: r.Method,
			Path: r.URL.Path,
			Headers: flattenHeaders(r.Header),
			Query: flattenQuery(r.URL.Query()),
			Body: body,
		},
	}

	pending := registry.NewPendingRequest(correlationID, h.RequestTimeout)
	if !tun.RegisterPending(pending) {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer tun.UnregisterPending(correlationID)
	if h.Metrics != nil {
		h.Metrics.PendingRequests.Inc()
		defer h.Metrics.PendingRequests.Dec()
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), h.RequestTimeout)
	defer cancel()
	if err := tun.Session.Send(sendCtx, env); err != nil {
		tun.UnregisterPending(correlationID)
		h.logger().Warn("failed to dispatch request to tunnel", "subdomain", sub, "error", err)
		h.recordStatus(http.StatusBadGateway)
		http.Error(w, "Bad Gateway: tunnel unreachable", http.StatusBadGateway)
		return
	}

	result, err := pending.Wait(r.Context())
	if err != nil {
		// The external client disconnected (or its own timeout fired) before
		// a terminal outcome arrived. Unregister so the table never grows an
		// orphan entry, and best-effort tell the client to abandon the call.
		tun.UnregisterPending(correlationID)
		_ = tun.Session.Send(context.Background(), errorEnvelope(correlationID, protocol.ErrorTimeout, "client disconnected"))
		return
	}

	if result.Err != nil {
		switch {
		case errors.Is(result.Err, registry.ErrTimeout):
			h.recordStatus(http.StatusGatewayTimeout)
			http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		case errors.Is(result.Err, registry.ErrRequestCancelled):
			h.recordStatus(http.StatusServiceUnavailable)
			http.Error(w, "Service Unavailable: tunnel disconnected", http.StatusServiceUnavailable)
		default:
			h.recordStatus(http.StatusBadGateway)
			http.Error(w, "Bad Gateway: "+result.Err.Error(), http.StatusBadGateway)
		}
		return
	}

	resp := result.Response
	for k, v := range resp.Headers {
		if isHopByHop(k) {
			continue
		}
		w.Header().Set(k, v)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	h.recordStatus(status)
	if h.Metrics != nil {
		h.Metrics.BytesRelayedTotal.WithLabelValues("response").Add(float64(len(resp.Body)))
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func (h *HTTPHandler) recordStatus(status int) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.RequestsTotal.WithLabelValues(statusBucket(status)).Inc()
}

func statusBucket(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") == "websocket"
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
