// Package config loads per-project bridge configuration from a TOML file
// under the project's state directory. Missing files yield defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the config file name under the state directory.
const FileName = "config.toml"

// Config is the root bridge configuration.
type Config struct {
	Server Server `toml:"server"`
	Bridge Bridge `toml:"bridge"`
}

// Server configures the language-server subprocess.
type Server struct {
	// Command is the language server executable.
	Command string `toml:"command"`

	// Args are passed to the command. Most stdio servers need a flag here.
	Args []string `toml:"args"`

	// Env are extra environment variables for the subprocess. The host
	// environment is not inherited beyond a minimal passthrough set.
	Env map[string]string `toml:"env"`
}

// Bridge configures bridge timeouts and logging.
type Bridge struct {
	// RequestTimeoutMS bounds a single LSP request.
	RequestTimeoutMS int `toml:"request_timeout_ms"`

	// IdleTimeoutMS bounds how long a TCP client may take to send its
	// command line before the connection is abandoned.
	IdleTimeoutMS int `toml:"idle_timeout_ms"`

	// StartupTimeoutMS bounds how long a client waits for an auto-started
	// bridge to publish its port. Language-server cold starts can take
	// minutes, so the default is generous.
	StartupTimeoutMS int `toml:"startup_timeout_ms"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Command: "clojure-lsp",
			Args:    []string{"--stdio"},
		},
		Bridge: Bridge{
			RequestTimeoutMS: 30_000,
			IdleTimeoutMS:    10_000,
			StartupTimeoutMS: 300_000,
			LogLevel:         "info",
		},
	}
}

// Load reads the config file under stateDir, falling back to defaults when
// the file does not exist. Unset fields keep their default values.
func Load(stateDir string) (Config, error) {
	cfg := Default()

	path := filepath.Join(stateDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations the bridge cannot run with.
func (c Config) Validate() error {
	if c.Server.Command == "" {
		return fmt.Errorf("server.command must not be empty")
	}
	if c.Bridge.RequestTimeoutMS <= 0 {
		return fmt.Errorf("bridge.request_timeout_ms must be positive")
	}
	if c.Bridge.IdleTimeoutMS <= 0 {
		return fmt.Errorf("bridge.idle_timeout_ms must be positive")
	}
	if c.Bridge.StartupTimeoutMS <= 0 {
		return fmt.Errorf("bridge.startup_timeout_ms must be positive")
	}
	switch c.Bridge.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("bridge.log_level %q is not one of debug, info, warn, error", c.Bridge.LogLevel)
	}
	return nil
}

// RequestTimeout returns the request timeout as a duration.
func (b Bridge) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutMS) * time.Millisecond
}

// IdleTimeout returns the idle timeout as a duration.
func (b Bridge) IdleTimeout() time.Duration {
	return time.Duration(b.IdleTimeoutMS) * time.Millisecond
}

// StartupTimeout returns the startup timeout as a duration.
func (b Bridge) StartupTimeout() time.Duration {
	return time.Duration(b.StartupTimeoutMS) * time.Millisecond
}
