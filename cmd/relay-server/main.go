// Command relay-server runs the tunnel relay: the control-plane WebSocket
// endpoint, external HTTP routing, and the external WebSocket proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/asm0dey/relaygo/internal/config"
	"github.com/asm0dey/relaygo/internal/logging"
	"github.com/asm0dey/relaygo/internal/metrics"
	"github.com/asm0dey/relaygo/internal/registry"
	"github.com/asm0dey/relaygo/internal/security"
	"github.com/asm0dey/relaygo/internal/server"
	"github.com/asm0dey/relaygo/internal/version"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use: "relay-server",
		Short: "HTTP/WebSocket reverse-tunnel relay server",
	}

	startCmd := &cobra.Command{
		Use: "start",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	validateCmd := &cobra.Command{
		Use: "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Domain: %s\n", cfg.Domain)
			fmt.Printf("  Port: %d\n", cfg.Port)
			fmt.Printf("  Secret keys: %d configured\n", len(cfg.SecretKeys))
			fmt.Printf("  Rate limit enabled: %v\n", cfg.RateLimit.Enabled)
			fmt.Printf("  Metrics enabled: %v\n", cfg.Metrics.Enabled)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	versionCmd := &cobra.Command{
		Use: "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}

	rootCmd.AddCommand(startCmd, validateCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	lj := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays, cfg.Logging.Compress)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting relay server", "version", version.String(), "domain", cfg.Domain, "port", cfg.Port)

	secrets, err := security.NewSecretStore(cfg.SecretKeys)
	if err != nil {
		return fmt.Errorf("hashing secret keys: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	reg := registry.New()
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	srv := server.New(cfg, reg, secrets, m, slog.Default(), shutdownCtx)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("binding listener on port %d: %w", cfg.Port, err)
	}

	httpServer := &http.Server{
		Handler: srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *http.Server
	var metricsListener net.Listener
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Endpoint, promhttp.Handler())
		metricsListener, err = net.Listen("tcp", cfg.Metrics.ListenAddress)
		if err != nil {
			listener.Close()
			return fmt.Errorf("binding metrics listener on %s: %w", cfg.Metrics.ListenAddress, err)
		}
		metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
	}

	if metricsServer != nil {
		go func() {
			slog.Info("metrics listening", "address", cfg.Metrics.ListenAddress)
			if err := metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("relay listening", "port", cfg.Port)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("relay server error", "error", err)
		}
	}()

	sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady)
	if notifyErr != nil {
		slog.Error("sd_notify READY failed", "error", notifyErr)
	} else if sent {
		slog.Info("sd_notify READY sent")
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	slog.Info("received shutdown signal, draining tunnels", "signal", sig.String(), "drain_timeout", cfg.GracefulDrain.String())

	watchdogCancel()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Shutdown (not Close) stops accepting new connections but lets
	// in-flight ones — including HTTPHandler.ServeHTTP calls blocked on
	// pending.Wait — finish on their own, so the drain below actually has
	// real requests left to wait for instead of already-reset ones.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.GracefulDrain)
	defer drainCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Shutdown(drainCtx); err != nil {
			slog.Warn("http server shutdown", "error", err)
		}
	}()
	srv.Supervisor.Graceful(shutdownCtx, cfg.GracefulDrain)
	wg.Wait()
	shutdownCancel()

	if metricsServer != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shCtx)
		shCancel()
	}

	slog.Info("shutdown complete")
	return nil
}
