package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ClientConfig is the fully resolved configuration for a tunnel client run,
// after merging CLI flags, environment variables, and a properties file, in
// that precedence order (CLI wins).
type ClientConfig struct {
	LocalURL string
	ServerURL string
	SecretKey string
	Subdomain string
	Insecure bool
	LogLevel string
	ReconnectEnabled bool
}

// ClientOverrides carries the values explicitly set on the command line;
// zero values mean "not set on the CLI, fall through to env/file/default".
type ClientOverrides struct {
	Port int
	Server string
	Key string
	Subdomain string
	Insecure bool
	Quiet bool
	Verbose bool
}

// configSearchPaths is the properties-file search order: current directory
// first, then a per-user config, then a system-wide one.
func configSearchPaths() []string {
	paths := []string{"./application.properties"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".relay", "config.properties"))
	}
	paths = append(paths, "/etc/relay/config.properties")
	return paths
}

// LoadClientConfig builds a ClientConfig from the properties file (first
// one found in configSearchPaths), environment variables (RELAY_CLIENT_
// prefix), and overrides (CLI flags), in ascending precedence.
func LoadClientConfig(overrides ClientOverrides) (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigType("properties")

	v.SetDefault("insecure", false)
	v.SetDefault("log-level", "info")
	v.SetDefault("reconnect.enabled", true)

	v.SetEnvPrefix("RELAY_CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, path := range configSearchPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		break
	}

	cfg := &ClientConfig{
		ServerURL: v.GetString("server"),
		SecretKey: v.GetString("key"),
		Subdomain: v.GetString("subdomain"),
		Insecure: v.GetBool("insecure"),
		LogLevel: v.GetString("log-level"),
		ReconnectEnabled: v.GetBool("reconnect.enabled"),
	}

	port := v.GetInt("port")

	if overrides.Port != 0 {
		port = overrides.Port
	}
	if overrides.Server != "" {
		cfg.ServerURL = overrides.Server
	}
	if overrides.Key != "" {
		cfg.SecretKey = overrides.Key
	}
	if overrides.Subdomain != "" {
		cfg.Subdomain = overrides.Subdomain
	}
	if overrides.Insecure {
		cfg.Insecure = true
	}
	if overrides.Quiet {
		cfg.LogLevel = "error"
	} else if overrides.Verbose {
		cfg.LogLevel = "debug"
	}

	cfg.LocalURL = fmt.Sprintf("http://localhost:%d", port)

	if err := cfg.Validate(port); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields required by the client CLI contract (spec §6).
func (c *ClientConfig) Validate(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be in 1-65535, got %d", port)
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server is required (-s/--server)")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("key is required (-k/--key)")
	}
	if _, err := url.Parse(c.ServerURL); err != nil {
		return fmt.Errorf("server is not a valid URL: %w", err)
	}
	return nil
}
