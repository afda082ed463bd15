package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asm0dey/relaygo/internal/config"
	"github.com/asm0dey/relaygo/internal/registry"
	"github.com/asm0dey/relaygo/internal/security"
	"github.com/asm0dey/relaygo/internal/server"
)

func newTestRelay(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	secrets, err := security.NewSecretStore([]string{"topsecret"})
	require.NoError(t, err)
	reg := registry.New()
	cfg := &config.ServerConfig{Domain: "relay.example.com", RequestTimeout: 2 * time.Second, MaxBodySize: 1 << 20}
	srv := server.New(cfg, reg, secrets, nil, nil, context.Background())
	return httptest.NewServer(srv.Mux()), reg
}

func startTestTunnelClient(t *testing.T, relayURL, localURL, subdomain string) (*Client, string) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(relayURL, "http") + "/ws?secret=topsecret&subdomain=" + subdomain

	ready := make(chan string, 1)
	cl := &Client{
		LocalURL: localURL,
		ServerURL: wsURL,
		Ready: func(publicURL string) { ready <- publicURL },
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _, _ = cl.connectAndServe(ctx) }()

	select {
	case publicURL := <-ready:
		return cl, publicURL
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel never registered")
		return nil, ""
	}
}

func TestClient_EndToEnd_ForwardsGetRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ping", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer origin.Close()

	relay, reg := newTestRelay(t)
	defer relay.Close()

	_, publicURL := startTestTunnelClient(t, relay.URL, origin.URL, "app1")
	assert.Equal(t, "https://app1.relay.example.com", publicURL)
	require.Eventually(t, func() bool { return reg.Has("app1") }, time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, relay.URL+"/ping", nil)
	require.NoError(t, err)
	req.Header.Set("X-Relay-Subdomain", "app1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_EndToEnd_PostBodyFidelity(t *testing.T) {
	var gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	relay, reg := newTestRelay(t)
	defer relay.Close()

	startTestTunnelClient(t, relay.URL, origin.URL, "app2")
	require.Eventually(t, func() bool { return reg.Has("app2") }, time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, relay.URL+"/echo", strings.NewReader(`{"k":"v"}`))
	require.NoError(t, err)
	req.Header.Set("X-Relay-Subdomain", "app2")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"k":"v"}`, gotBody)
}

func TestClient_EndToEnd_WebSocketProxy(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.CloseNow()
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		assert.Equal(t, "hello", string(data))
		_ = conn.Write(r.Context(), websocket.MessageText, []byte("world"))
	}))
	defer origin.Close()

	relay, reg := newTestRelay(t)
	defer relay.Close()

	startTestTunnelClient(t, relay.URL, origin.URL, "app3")
	require.Eventually(t, func() bool { return reg.Has("app3") }, time.Second, 10*time.Millisecond)

	pubURL := "ws" + strings.TrimPrefix(relay.URL, "http") + "/pub?X-Relay-Subdomain=app3"
	conn, _, err := websocket.Dial(context.Background(), pubURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}
