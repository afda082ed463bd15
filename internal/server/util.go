package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/asm0dey/relaygo/internal/protocol"
)

// hopByHopHeaders is the denylist stripped from both the server's outbound
// response path and the client's replayed-request path (SPEC_FULL.md §3).
var hopByHopHeaders = map[string]bool{
	"connection": true,
	"keep-alive": true,
	"proxy-authenticate": true,
	"proxy-authorization": true,
	"te": true,
	"trailers": true,
	"transfer-encoding": true,
	"upgrade": true,
}

func isHopByHop(header string) bool {
	return hopByHopHeaders[strings.ToLower(header)]
}

// allowedMethods is the set external HTTP requests may use (spec §4.E);
// anything else is rejected with 405 before a tunnel is even resolved.
var allowedMethods = map[string]bool{
	http.MethodGet: true,
	http.MethodPost: true,
	http.MethodPut: true,
	http.MethodDelete: true,
	http.MethodPatch: true,
	http.MethodHead: true,
	http.MethodOptions: true,
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// resolveSubdomain implements the subdomain resolution rule shared by the
// HTTP routing handler (4.E) and the external WS proxy endpoint (4.F):
// prefer an explicit X-Relay-Subdomain (header, then query parameter);
// otherwise take the Host header, strip any :port, and if it ends with
// ".<domain>" take the prefix, else take everything before the first dot.
// A Host equal to the bare domain carries no subdomain and resolves to "".
func resolveSubdomain(r *http.Request, domain string) string {
	if v := r.Header.Get("X-Relay-Subdomain"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("X-Relay-Subdomain"); v != "" {
		return v
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || host == domain {
		return ""
	}

	suffix := "." + domain
	if strings.HasSuffix(host, suffix) {
		return strings.TrimSuffix(host, suffix)
	}
	if idx := strings.Index(host, "."); idx >= 0 {
		return host[:idx]
	}
	return ""
}

// flattenHeaders collapses a multi-value header map to one value per name.
// Duplicate headers of the same name use the last value (spec §9: "Header
// case & duplicates").
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[len(vs)-1]
		}
	}
	return out
}

func flattenQuery(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func errorEnvelope(correlationID string, code protocol.ErrorCode, message string) *protocol.Envelope {
	return &protocol.Envelope{
		CorrelationID: correlationID,
		Type: protocol.MessageError,
		TimestampMs: nowMs(),
		Payload: &protocol.ErrorPayload{Code: code, Message: message},
	}
}
