package client

import (
	"net/url"
	"strings"

	"github.com/asm0dey/relaygo/internal/config"
)

// DialURL builds the tunnel control-plane WebSocket URL the client dials,
// per spec §6: (wss|ws)://<server>/ws?secret=<key>[&subdomain=<label>].
// cfg.ServerURL may already carry a scheme (the CLI accepts either a bare
// host or a full URL); any scheme present is discarded in favor of ws/wss
// chosen by cfg.Insecure.
func DialURL(cfg *config.ClientConfig) string {
	host := cfg.ServerURL
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+len("://"):]
	}
	host = strings.TrimSuffix(host, "/")

	scheme := "wss"
	if cfg.Insecure {
		scheme = "ws"
	}

	values := url.Values{}
	values.Set("secret", cfg.SecretKey)
	if cfg.Subdomain != "" {
		values.Set("subdomain", cfg.Subdomain)
	}

	u := url.URL{
		Scheme: scheme,
		Host: host,
		Path: "/ws",
		RawQuery: values.Encode(),
	}
	return u.String()
}
