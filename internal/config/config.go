// Package config provides configuration types and defaults for pont.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zjrosen/pont/internal/log"
)

// WorkerConfig holds settings for the spawned app-server worker process.
type WorkerConfig struct {
	// Command is the worker binary to spawn. Default: "codex"
	Command string `mapstructure:"command"`

	// Args are the arguments passed to the worker binary.
	// Default: ["app-server"]
	Args []string `mapstructure:"args"`

	// Model overrides the worker's default model for new turns.
	// Empty means the worker decides.
	Model string `mapstructure:"model"`
}

// TerminalConfig holds PTY terminal session settings.
type TerminalConfig struct {
	// MaxSessions caps concurrent PTY sessions. Default: 5
	MaxSessions int `mapstructure:"max_sessions"`

	// IdleTTLMinutes is how long a session with no attached client
	// survives before the sweeper reclaims it. Default: 30
	IdleTTLMinutes int `mapstructure:"idle_ttl_minutes"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/pont/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for pont.
type Config struct {
	// Host is the interface the gateway binds. Default: 127.0.0.1
	Host string `mapstructure:"host"`

	// Port is the listen port. 0 asks the OS for a free port.
	// Default: 7668
	Port int `mapstructure:"port"`

	// WebOrigin is the browser origin allowed to talk to the gateway
	// (CORS and WebSocket origin checks).
	WebOrigin string `mapstructure:"web_origin"`

	// CORSAllowlist holds additional allowed origins.
	CORSAllowlist []string `mapstructure:"cors_allowlist"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// DataDir is where the projection database and gateway logs live.
	// Default: ~/.pont
	DataDir string `mapstructure:"data_dir"`

	// SessionsDir is where the worker writes its rollout files.
	// Default: ~/.codex/sessions
	SessionsDir string `mapstructure:"sessions_dir"`

	Worker   WorkerConfig   `mapstructure:"worker"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// Addr returns the host:port string the gateway listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AllowedOrigins returns WebOrigin plus the CORS allowlist, deduplicated,
// with empty entries dropped.
func (c Config) AllowedOrigins() []string {
	seen := make(map[string]struct{})
	var origins []string
	add := func(o string) {
		if o == "" {
			return
		}
		if _, ok := seen[o]; ok {
			return
		}
		seen[o] = struct{}{}
		origins = append(origins, o)
	}
	add(c.WebOrigin)
	for _, o := range c.CORSAllowlist {
		add(o)
	}
	return origins
}

// DefaultDataDir returns the default gateway data directory.
// Returns ~/.pont or empty string if home dir unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pont")
}

// DefaultSessionsDir returns the default worker rollout directory.
// Returns ~/.codex/sessions or empty string if home dir unavailable.
func DefaultSessionsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex", "sessions")
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/pont/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pont", "traces", "traces.jsonl")
}

// ValidateServer checks the listen address and origin configuration.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateServer(cfg Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", cfg.Port)
	}

	for _, origin := range cfg.AllowedOrigins() {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid origin %q (expected scheme://host[:port])", origin)
		}
	}

	return nil
}

// ValidateWorker checks worker process configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateWorker(worker WorkerConfig) error {
	// Command defaults to "codex"; args default to ["app-server"].
	// No further constraints: the command is resolved via PATH at spawn.
	return nil
}

// ValidateTerminal checks terminal session configuration for errors.
// Returns nil if the configuration is valid (zero values use defaults).
func ValidateTerminal(term TerminalConfig) error {
	if term.MaxSessions < 0 {
		return fmt.Errorf("terminal.max_sessions must be positive, got %d", term.MaxSessions)
	}
	if term.IdleTTLMinutes < 0 {
		return fmt.Errorf("terminal.idle_ttl_minutes must be positive, got %d", term.IdleTTLMinutes)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	// Validate Exporter is a valid option
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		// FilePath is required when Exporter is "file"
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}

		// OTLPEndpoint is required when Exporter is "otlp"
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// Validate checks the whole configuration for errors.
func Validate(cfg Config) error {
	if err := ValidateServer(cfg); err != nil {
		return err
	}
	if err := ValidateWorker(cfg.Worker); err != nil {
		return err
	}
	if err := ValidateTerminal(cfg.Terminal); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return nil
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Host:        "127.0.0.1",
		Port:        7668,
		WebOrigin:   "",
		LogLevel:    "info",
		DataDir:     DefaultDataDir(),
		SessionsDir: DefaultSessionsDir(),
		Worker: WorkerConfig{
			Command: "codex",
			Args:    []string{"app-server"},
		},
		Terminal: TerminalConfig{
			MaxSessions:    5,
			IdleTTLMinutes: 30,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Pont Configuration

# Interface and port the gateway listens on.
# Port 0 asks the OS for a free port (printed on startup).
host: 127.0.0.1
port: 7668

# Browser origin allowed to reach the gateway (CORS + WebSocket origin check).
# web_origin: http://localhost:5173

# Additional allowed origins.
# cors_allowlist:
#   - http://localhost:3000

# Logging level: debug, info, warn, error
log_level: info

# Gateway data directory: projection database, logs (default: ~/.pont)
# data_dir: /path/to/dir

# Directory the worker writes rollout files to (default: ~/.codex/sessions)
# sessions_dir: /path/to/sessions

# Worker process settings
worker:
  command: codex        # Worker binary, resolved via PATH
  args: [app-server]    # Arguments passed to the worker
  # model: gpt-5-codex  # Override the worker's default model for new turns

# Terminal session settings
terminal:
  max_sessions: 5       # Concurrent PTY sessions
  idle_ttl_minutes: 30  # Reclaim sessions with no attached client

# Distributed tracing configuration
# Enables end-to-end visibility into gateway request flows
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/pont/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
