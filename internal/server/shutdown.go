package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/asm0dey/relaygo/internal/protocol"
	"github.com/asm0dey/relaygo/internal/registry"
)

// Supervisor coordinates process shutdown across every registered tunnel
// (spec §4.K, server side). Graceful shutdown notifies active tunnels, waits
// for in-flight requests to drain up to a deadline, then closes whatever
// remains; immediate shutdown skips straight to closing everything.
type Supervisor struct {
	Registry *registry.Registry
	Logger *slog.Logger
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Graceful notifies every active tunnel that the server is shutting down,
// then polls until each has drained its pending requests or drain elapses,
// whichever comes first, before closing all sessions.
func (s *Supervisor) Graceful(ctx context.Context, drain time.Duration) {
	tunnels := s.Registry.All()
	s.logger().Info("graceful shutdown starting", "tunnels", len(tunnels))

	shutdownEnv := &protocol.Envelope{
		Type: protocol.MessageControl,
		TimestampMs: nowMs(),
		Payload: &protocol.ControlPayload{Action: protocol.ControlUnregister},
	}
	for _, t := range tunnels {
		_ = t.Session.Send(ctx, shutdownEnv)
	}

	deadline := time.Now().Add(drain)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
drainLoop:
	for time.Now().Before(deadline) {
		if allDrained(tunnels) {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			break drainLoop
		}
	}

	s.closeAll(tunnels, "server shutting down")
}

// Immediate tears down every registered tunnel at once; outstanding
// PendingRequests are completed with ErrRequestCancelled by Tunnel.Close.
func (s *Supervisor) Immediate() {
	tunnels := s.Registry.All()
	s.logger().Info("immediate shutdown", "tunnels", len(tunnels))
	s.closeAll(tunnels, "server shutting down")
}

func allDrained(tunnels []*registry.Tunnel) bool {
	for _, t := range tunnels {
		if t.PendingCount() > 0 {
			return false
		}
	}
	return true
}

func (s *Supervisor) closeAll(tunnels []*registry.Tunnel, reason string) {
	for _, t := range tunnels {
		s.Registry.Unregister(t.Subdomain)
		_, closedProxies := t.Close()
		for _, p := range closedProxies {
			_ = p.Conn.CloseWithReason(closeCodeGoingAway, reason)
		}
		_ = t.Session.Close(reason)
	}
}
