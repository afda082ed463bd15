// Command relay-client exposes a local port through a relay-server tunnel.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/asm0dey/relaygo/internal/client"
	"github.com/asm0dey/relaygo/internal/config"
	"github.com/asm0dey/relaygo/internal/logging"
	"github.com/asm0dey/relaygo/internal/version"
)

// Exit codes per spec §6.
const (
	exitSuccess = 0
	exitInvalidArgs = 1
	exitConnectionFailed = 2
	exitAuthFailed = 3
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var overrides config.ClientOverrides
	var insecure, quiet, verbose bool

	rootCmd := &cobra.Command{
		Use: "relay-client <port>",
		Short: "Expose a local port through a relay-server tunnel",
		Version: version.String(),
		Args: cobra.ExactArgs(1),
	}
	rootCmd.Flags().StringVarP(&overrides.Server, "server", "s", "", "upstream hostname (required)")
	rootCmd.Flags().StringVarP(&overrides.Key, "key", "k", "", "shared secret (required)")
	rootCmd.Flags().StringVarP(&overrides.Subdomain, "subdomain", "d", "", "requested subdomain label")
	rootCmd.Flags().BoolVar(&insecure, "insecure", false, "use ws:// instead of wss://")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "errors only")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("server")
	_ = rootCmd.MarkFlagRequired("key")

	exitCode := exitSuccess
	rootCmd.RunE = func(cmd *cobra.Command, posArgs []string) error {
		port, err := strconv.Atoi(posArgs[0])
		if err != nil || port < 1 || port > 65535 {
			exitCode = exitInvalidArgs
			return fmt.Errorf("invalid port %q: must be between 1 and 65535", posArgs[0])
		}
		overrides.Port = port
		overrides.Insecure = insecure
		overrides.Quiet = quiet
		overrides.Verbose = verbose

		cfg, err := config.LoadClientConfig(overrides)
		if err != nil {
			exitCode = exitInvalidArgs
			return err
		}

		code, err := runClient(cfg)
		exitCode = code
		return err
	}
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		if exitCode == exitSuccess {
			exitCode = exitInvalidArgs
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode
}

func runClient(cfg *config.ClientConfig) (int, error) {
	logging.Setup(cfg.LogLevel, "text", "", 0, 0, 0, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialURL := client.DialURL(cfg)
	slog.Info("connecting to relay", "server", dialURL, "local_url", cfg.LocalURL)

	c := &client.Client{
		LocalURL: cfg.LocalURL,
		ServerURL: dialURL,
		Logger: slog.Default(),
		Ready: func(publicURL string) {
			fmt.Printf("Tunnel established: %s -> %s\n", publicURL, cfg.LocalURL)
		},
	}
	rec := &client.Reconnector{
		Client: c,
		Logger: slog.Default(),
		Enabled: cfg.ReconnectEnabled,
	}

	err := rec.Run(ctx)
	switch {
	case err == nil:
		return exitSuccess, nil
	case errors.Is(err, client.ErrAuthFailed):
		fmt.Fprintln(os.Stderr, "Authentication failed: the server rejected the configured secret key.")
		return exitAuthFailed, nil
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "Interrupted.")
		return exitInterrupted, nil
	default:
		fmt.Fprintln(os.Stderr, describeConnectionError(err, dialURL))
		return exitConnectionFailed, nil
	}
}

// describeConnectionError renders a connection failure into the actionable,
// concrete message spec §7 requires: no raw exception types, and specific
// guidance for TLS validation failures, DNS failures, and common HTTP status
// rejections surfaced during the WebSocket handshake.
func describeConnectionError(err error, serverURL string) string {
	var tlsErr *tls.CertificateVerificationError
	var dnsErr *net.DNSError

	switch {
	case errors.As(err, &tlsErr):
		return fmt.Sprintf("TLS certificate validation failed for %s. If this is a self-signed or internal server, retry with --insecure.", serverURL)
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("Could not resolve host for %s. Check the --server value.", serverURL)
	case strings.Contains(err.Error(), "401"), strings.Contains(err.Error(), "403"):
		return fmt.Sprintf("Authentication failed connecting to %s.", serverURL)
	case strings.Contains(err.Error(), "404"):
		return fmt.Sprintf("Tunnel endpoint not found at %s. Check the --server value.", serverURL)
	case strings.Contains(err.Error(), "503"):
		return fmt.Sprintf("Relay server at %s is unavailable. Try again shortly.", serverURL)
	case strings.Contains(err.Error(), "timeout"), strings.Contains(err.Error(), "deadline exceeded"):
		return fmt.Sprintf("Connection to %s timed out.", serverURL)
	default:
		return fmt.Sprintf("Failed to connect to %s: %s", serverURL, err.Error())
	}
}
