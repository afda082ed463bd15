// Package server implements the relay server's three externally-facing
// surfaces (the tunnel control-plane WebSocket, ordinary HTTP routing, and
// the external WebSocket proxy) plus the shutdown supervisor that
// coordinates tearing all three down.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/asm0dey/relaygo/internal/config"
	"github.com/asm0dey/relaygo/internal/metrics"
	"github.com/asm0dey/relaygo/internal/registry"
	"github.com/asm0dey/relaygo/internal/security"
)

// Server bundles the wiring shared by every HTTP surface: the tunnel
// registry, security checks, metrics, and logging.
type Server struct {
	Config *config.ServerConfig
	Registry *registry.Registry
	Secrets *security.SecretStore
	Logger *slog.Logger
	Metrics *metrics.Metrics // optional, nil if metrics disabled

	HTTPRateLimiter *security.RateLimiter // optional, per-IP limiter for routed HTTP traffic
	TunnelRateLimiter *security.RateLimiter // optional, per-IP limiter for tunnel handshakes

	Tunnel *TunnelEndpoint
	HTTP *HTTPHandler
	WSProxy *WSProxyEndpoint
	Supervisor *Supervisor
}

// New wires the three endpoint handlers and the shutdown supervisor around a
// shared registry, returning a Server ready to be mounted on an http.ServeMux.
func New(cfg *config.ServerConfig, reg *registry.Registry, secrets *security.SecretStore, m *metrics.Metrics, logger *slog.Logger, shutdownCtx context.Context) *Server {
	wsProxy := &WSProxyEndpoint{
		Registry: reg,
		Domain: cfg.Domain,
		Metrics: m,
		Logger: logger,
	}
	tunnelEndpoint := &TunnelEndpoint{
		Registry: reg,
		Secrets: secrets,
		WSProxy: wsProxy,
		Domain: cfg.Domain,
		Metrics: m,
		Logger: logger,
		ShutdownCtx: shutdownCtx,
	}
	httpHandler := &HTTPHandler{
		Registry: reg,
		WSProxy: wsProxy,
		Domain: cfg.Domain,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodySize: cfg.MaxBodySize,
		Metrics: m,
		Logger: logger,
	}
	var httpLimiter, tunnelLimiter *security.RateLimiter
	if cfg.RateLimit.Enabled {
		httpLimiter = security.NewRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
		tunnelLimiter = security.NewRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
		httpHandler.RateLimiter = httpLimiter
		tunnelEndpoint.RateLimiter = tunnelLimiter
	}

	return &Server{
		Config: cfg,
		Registry: reg,
		Secrets: secrets,
		Logger: logger,
		Metrics: m,
		HTTPRateLimiter: httpLimiter,
		TunnelRateLimiter: tunnelLimiter,
		Tunnel: tunnelEndpoint,
		HTTP: httpHandler,
		WSProxy: wsProxy,
		Supervisor: &Supervisor{Registry: reg, Logger: logger},
	}
}

// Mux builds the HTTP routing table: /ws for the tunnel control plane, /pub
// for the external WebSocket proxy, and everything else through the ordinary
// HTTP routing handler.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.Tunnel)
	mux.Handle("/pub", s.WSProxy)
	mux.Handle("/", s.HTTP)
	return mux
}

