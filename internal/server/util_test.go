package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveSubdomain_HeaderWins(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://whatever.example.com/", nil)
	r.Header.Set("X-Relay-Subdomain", "explicit")
	assert.Equal(t, "explicit", resolveSubdomain(r, "relay.example.com"))
}

func TestResolveSubdomain_QueryParamFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://relay.example.com/?X-Relay-Subdomain=fromquery", nil)
	assert.Equal(t, "fromquery", resolveSubdomain(r, "relay.example.com"))
}

func TestResolveSubdomain_HostSuffixStripped(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://myapp.relay.example.com:8080/", nil)
	r.Host = "myapp.relay.example.com:8080"
	assert.Equal(t, "myapp", resolveSubdomain(r, "relay.example.com"))
}

func TestResolveSubdomain_FirstDotFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://myapp.otherdomain.com/", nil)
	r.Host = "myapp.otherdomain.com"
	assert.Equal(t, "myapp", resolveSubdomain(r, "relay.example.com"))
}

func TestResolveSubdomain_EmptyHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://x/", nil)
	r.Host = ""
	assert.Equal(t, "", resolveSubdomain(r, "relay.example.com"))
}

func TestIsHopByHop(t *testing.T) {
	assert.True(t, isHopByHop("Connection"))
	assert.True(t, isHopByHop("transfer-encoding"))
	assert.False(t, isHopByHop("Content-Type"))
}

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-One", "a")
	h.Set("X-Two", "b")
	out := flattenHeaders(h)
	assert.Equal(t, "a", out["X-One"])
	assert.Equal(t, "b", out["X-Two"])
}
