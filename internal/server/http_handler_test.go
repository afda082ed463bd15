package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asm0dey/relaygo/internal/protocol"
	"github.com/asm0dey/relaygo/internal/registry"
)

type fakeSession struct {
	onSend func(ctx context.Context, env *protocol.Envelope) error
	closed bool
}

func (f *fakeSession) Send(ctx context.Context, env *protocol.Envelope) error {
	if f.onSend != nil {
		return f.onSend(ctx, env)
	}
	return nil
}

func (f *fakeSession) Close(reason string) error {
	f.closed = true
	return nil
}

func TestHTTPHandler_RoutesAndRespondsSuccessfully(t *testing.T) {
	reg := registry.New()
	sess := &fakeSession{}
	tun := registry.NewTunnel("app1", sess)
	sess.onSend = func(ctx context.Context, env *protocol.Envelope) error {
		go tun.CompletePending(env.CorrelationID, &protocol.ResponsePayload{
			StatusCode: 200,
			Headers: map[string]string{"X-Test": "yes"},
			Body: []byte("hello"),
		})
		return nil
	}
	require.True(t, reg.Register("app1", tun))

	h := &HTTPHandler{Registry: reg, Domain: "relay.example.com", RequestTimeout: time.Second, MaxBodySize: 1 << 20}
	req := httptest.NewRequest(http.MethodGet, "http://app1.relay.example.com/foo", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Test"))
}

func TestHTTPHandler_UnknownSubdomainReturns404(t *testing.T) {
	h := &HTTPHandler{Registry: registry.New(), Domain: "relay.example.com", RequestTimeout: time.Second, MaxBodySize: 1 << 20}
	req := httptest.NewRequest(http.MethodGet, "http://ghost.relay.example.com/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPHandler_InactiveTunnelReturns503(t *testing.T) {
	reg := registry.New()
	sess := &fakeSession{}
	tun := registry.NewTunnel("app1", sess)
	reg.Register("app1", tun)
	tun.Close()

	h := &HTTPHandler{Registry: reg, Domain: "relay.example.com", RequestTimeout: time.Second, MaxBodySize: 1 << 20}
	req := httptest.NewRequest(http.MethodGet, "http://app1.relay.example.com/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHTTPHandler_EmptySubdomainReturns400(t *testing.T) {
	h := &HTTPHandler{Registry: registry.New(), Domain: "relay.example.com", RequestTimeout: time.Second, MaxBodySize: 1 << 20}
	req := httptest.NewRequest(http.MethodGet, "http://relay.example.com/", nil)
	req.Host = "relay.example.com"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPHandler_SendFailureReturns502(t *testing.T) {
	reg := registry.New()
	sess := &fakeSession{onSend: func(ctx context.Context, env *protocol.Envelope) error {
		return errors.New("broken pipe")
	}}
	tun := registry.NewTunnel("app1", sess)
	reg.Register("app1", tun)

	h := &HTTPHandler{Registry: reg, Domain: "relay.example.com", RequestTimeout: time.Second, MaxBodySize: 1 << 20}
	req := httptest.NewRequest(http.MethodGet, "http://app1.relay.example.com/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHTTPHandler_TimeoutReturns504(t *testing.T) {
	reg := registry.New()
	sess := &fakeSession{} // never completes the pending request
	tun := registry.NewTunnel("app1", sess)
	reg.Register("app1", tun)

	h := &HTTPHandler{Registry: reg, Domain: "relay.example.com", RequestTimeout: 20 * time.Millisecond, MaxBodySize: 1 << 20}
	req := httptest.NewRequest(http.MethodGet, "http://app1.relay.example.com/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestHTTPHandler_BodyExceedsMaxSizeReturns413(t *testing.T) {
	reg := registry.New()
	sess := &fakeSession{}
	tun := registry.NewTunnel("app1", sess)
	reg.Register("app1", tun)

	h := &HTTPHandler{Registry: reg, Domain: "relay.example.com", RequestTimeout: time.Second, MaxBodySize: 4}
	req := httptest.NewRequest(http.MethodPost, "http://app1.relay.example.com/", strings.NewReader("way too big"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHTTPHandler_DisallowedMethodReturns405(t *testing.T) {
	h := &HTTPHandler{Registry: registry.New(), Domain: "relay.example.com", RequestTimeout: time.Second, MaxBodySize: 1 << 20}
	req := httptest.NewRequest("TRACE", "http://app1.relay.example.com/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTPHandler_StripsHopByHopResponseHeaders(t *testing.T) {
	reg := registry.New()
	sess := &fakeSession{}
	tun := registry.NewTunnel("app1", sess)
	sess.onSend = func(ctx context.Context, env *protocol.Envelope) error {
		go tun.CompletePending(env.CorrelationID, &protocol.ResponsePayload{
			StatusCode: 200,
			Headers: map[string]string{"Connection": "close", "X-Keep": "yes"},
		})
		return nil
	}
	reg.Register("app1", tun)

	h := &HTTPHandler{Registry: reg, Domain: "relay.example.com", RequestTimeout: time.Second, MaxBodySize: 1 << 20}
	req := httptest.NewRequest(http.MethodGet, "http://app1.relay.example.com/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "", w.Header().Get("Connection"))
	assert.Equal(t, "yes", w.Header().Get("X-Keep"))
}
