package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/pont/internal/config"
)

func init() {
	// Force lipgloss/termenv to query terminal background color BEFORE
	// any Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in input fields.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pont",
	Short: "Local gateway between browser UIs and a codex app-server",
	Long: `pont runs a local HTTP gateway in front of a codex app-server worker.

The gateway owns the worker subprocess, mirrors its event stream into a
durable SQLite projection, and exposes threads, turns, approvals, user
input requests, and PTY terminals to browser clients over HTTP, SSE,
and WebSocket.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/pont/config.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("host", defaults.Host)
	viper.SetDefault("port", defaults.Port)
	viper.SetDefault("web_origin", defaults.WebOrigin)
	viper.SetDefault("log_level", defaults.LogLevel)
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("sessions_dir", defaults.SessionsDir)
	viper.SetDefault("worker.command", defaults.Worker.Command)
	viper.SetDefault("worker.args", defaults.Worker.Args)
	viper.SetDefault("worker.model", defaults.Worker.Model)
	viper.SetDefault("terminal.max_sessions", defaults.Terminal.MaxSessions)
	viper.SetDefault("terminal.idle_ttl_minutes", defaults.Terminal.IdleTTLMinutes)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// Documented environment names, deliberately unprefixed.
	_ = viper.BindEnv("host", "HOST")
	_ = viper.BindEnv("port", "PORT")
	_ = viper.BindEnv("web_origin", "WEB_ORIGIN")
	_ = viper.BindEnv("log_level", "LOG_LEVEL")
	_ = viper.BindEnv("data_dir", "GATEWAY_DATA_DIR")
	_ = viper.BindEnv("sessions_dir", "CODEX_SESSIONS_DIR")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .pont/config.yaml (current directory)
		// 2. ~/.config/pont/config.yaml (user config)
		if _, err := os.Stat(".pont/config.yaml"); err == nil {
			viper.SetConfigFile(".pont/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "pont"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create the commented default.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			path := defaultConfigPath()
			if writeErr := config.WriteDefaultConfig(path); writeErr == nil {
				viper.SetConfigFile(path)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)

	// CORS_ALLOWLIST arrives comma-separated; the YAML form is a real list.
	if raw := os.Getenv("CORS_ALLOWLIST"); raw != "" {
		cfg.CORSAllowlist = splitCommaList(raw)
	}
}

// defaultConfigPath is where a fresh install writes its config.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pont/config.yaml"
	}
	return filepath.Join(home, ".config", "pont", "config.yaml")
}

// configFilePath returns the config file in effect for this invocation.
func configFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	return defaultConfigPath()
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
