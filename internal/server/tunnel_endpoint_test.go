package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asm0dey/relaygo/internal/protocol"
	"github.com/asm0dey/relaygo/internal/registry"
	"github.com/asm0dey/relaygo/internal/security"
)

func newTestTunnelEndpoint(t *testing.T) (*TunnelEndpoint, *registry.Registry) {
	t.Helper()
	secrets, err := security.NewSecretStore([]string{"topsecret"})
	require.NoError(t, err)
	reg := registry.New()
	return &TunnelEndpoint{
		Registry: reg,
		Secrets: secrets,
		Domain: "relay.example.com",
		ShutdownCtx: context.Background(),
	}, reg
}

func dialTunnel(t *testing.T, serverURL, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestTunnelEndpoint_RejectsInvalidSecret(t *testing.T) {
	ep, _ := newTestTunnelEndpoint(t)
	srv := httptest.NewServer(ep)
	defer srv.Close()

	conn := dialTunnel(t, srv.URL, "?secret=wrong")
	defer conn.CloseNow()

	_, _, err := conn.Read(context.Background())
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(closeCodePolicyViolation), websocket.CloseStatus(err))
}

func TestTunnelEndpoint_RegistersAndSendsControlRegistered(t *testing.T) {
	ep, reg := newTestTunnelEndpoint(t)
	srv := httptest.NewServer(ep)
	defer srv.Close()

	conn := dialTunnel(t, srv.URL, "?secret=topsecret&subdomain=myapp")
	defer conn.CloseNow()

	_, data, err := conn.Read(context.Background())
	require.NoError(t, err)

	env, err := protocol.Decode(data)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageControl, env.Type)
	ctrl, ok := env.Payload.(*protocol.ControlPayload)
	require.True(t, ok)
	assert.Equal(t, protocol.ControlRegistered, ctrl.Action)
	assert.Equal(t, "myapp", ctrl.Subdomain)
	assert.Equal(t, "https://myapp.relay.example.com", ctrl.PublicURL)

	_, ok = reg.Lookup("myapp")
	assert.True(t, ok)
}

func TestTunnelEndpoint_RejectsDuplicateSubdomain(t *testing.T) {
	ep, reg := newTestTunnelEndpoint(t)
	srv := httptest.NewServer(ep)
	defer srv.Close()

	first := dialTunnel(t, srv.URL, "?secret=topsecret&subdomain=taken")
	defer first.CloseNow()
	_, _, err := first.Read(context.Background())
	require.NoError(t, err)
	require.True(t, reg.Has("taken"))

	second := dialTunnel(t, srv.URL, "?secret=topsecret&subdomain=taken")
	defer second.CloseNow()
	_, _, err = second.Read(context.Background())
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(closeCodePolicyViolation), websocket.CloseStatus(err))
}

func TestTunnelEndpoint_UnregistersOnClose(t *testing.T) {
	ep, reg := newTestTunnelEndpoint(t)
	srv := httptest.NewServer(ep)
	defer srv.Close()

	conn := dialTunnel(t, srv.URL, "?secret=topsecret&subdomain=goesaway")
	_, _, err := conn.Read(context.Background())
	require.NoError(t, err)
	require.True(t, reg.Has("goesaway"))

	conn.Close(websocket.StatusNormalClosure, "bye")

	require.Eventually(t, func() bool {
		return !reg.Has("goesaway")
	}, time.Second, 10*time.Millisecond)
}

func TestTunnelEndpoint_DispatchesResponseEnvelopeToPending(t *testing.T) {
	ep, reg := newTestTunnelEndpoint(t)
	srv := httptest.NewServer(ep)
	defer srv.Close()

	conn := dialTunnel(t, srv.URL, "?secret=topsecret&subdomain=app1")
	defer conn.CloseNow()
	_, _, err := conn.Read(context.Background())
	require.NoError(t, err)

	tun, ok := reg.Lookup("app1")
	require.True(t, ok)

	pending := registry.NewPendingRequest("corr-1", time.Second)
	require.True(t, tun.RegisterPending(pending))

	respEnv := &protocol.Envelope{
		CorrelationID: "corr-1",
		Type: protocol.MessageResponse,
		Payload: &protocol.ResponsePayload{StatusCode: 204},
	}
	data, err := protocol.Encode(respEnv)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageBinary, data))

	result, err := pending.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Equal(t, 204, result.Response.StatusCode)
}
