package client

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrAuthFailed is returned by Run when the server rejected the tunnel's
// secret key. The caller should exit with the auth-failure exit code (spec
// §6) rather than retry, since no amount of reconnecting fixes a bad key.
var ErrAuthFailed = errors.New("authentication rejected by server")

// Reconnector drives a Client through repeated connectAndServe attempts,
// implementing spec §4.J: exponential backoff with jitter between attempts,
// an immediate reset of the backoff delay once a session gets far enough to
// register, indefinite retry on ordinary connection loss, and an immediate,
// non-retried stop on authentication rejection.
type Reconnector struct {
	Client *Client
	Logger *slog.Logger

	// Enabled mirrors the client's reconnect.enabled setting
	// (ClientConfig.ReconnectEnabled): when false, Run makes exactly one
	// connection attempt and returns whatever it got instead of retrying.
	Enabled bool
}

func (r *Reconnector) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run blocks until ctx is cancelled (normal shutdown, returns ctx.Err()) or
// the server rejects authentication (returns ErrAuthFailed). When Enabled is
// false it instead returns after the first attempt, with that attempt's
// error or nil.
func (r *Reconnector) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := r.Client.connectAndServe(ctx)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				r.logger().Error("authentication rejected", "reason", authErr.Reason)
				return ErrAuthFailed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger().Warn("tunnel connection lost", "error", err, "attempt", attempt+1)
		}

		if !r.Enabled {
			if err != nil {
				return err
			}
			return nil
		}

		if connected {
			attempt = 0
		}
		delay := calculateBackoff(attempt)
		if !connected {
			attempt++
		}
		r.logger().Info("reconnecting", "delay", delay.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
