package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_CreatesNewFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	err := Set(configPath, "worker.model", "gpt-5-codex")
	require.NoError(t, err)

	// Verify file exists
	_, err = os.Stat(configPath)
	require.NoError(t, err)

	// Verify content
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "worker:")
	assert.Contains(t, string(data), "model: gpt-5-codex")
}

func TestSet_PreservesOtherConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	// Create initial config with various settings
	initial := `# Listen address
host: 127.0.0.1
port: 7668
terminal:
  max_sessions: 5
`
	err := os.WriteFile(configPath, []byte(initial), 0o644)
	require.NoError(t, err)

	err = Set(configPath, "log_level", "debug")
	require.NoError(t, err)

	// Verify other settings and comments preserved
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "# Listen address")
	assert.Contains(t, content, "host: 127.0.0.1")
	assert.Contains(t, content, "max_sessions: 5")
	assert.Contains(t, content, "log_level: debug")
}

func TestSet_ReplacesExistingValue(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, Set(configPath, "port", "7668"))
	require.NoError(t, Set(configPath, "port", "8080"))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "port: 8080")
	assert.NotContains(t, string(data), "7668")
}

func TestSet_TypedScalars(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, Set(configPath, "port", "8080"))
	require.NoError(t, Set(configPath, "tracing.enabled", "true"))
	require.NoError(t, Set(configPath, "tracing.sample_rate", "0.5"))
	require.NoError(t, Set(configPath, "worker.command", "codex"))

	// Load back using Viper to check types survived
	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	assert.Equal(t, 8080, v.GetInt("port"))
	assert.True(t, v.GetBool("tracing.enabled"))
	assert.Equal(t, 0.5, v.GetFloat64("tracing.sample_rate"))
	assert.Equal(t, "codex", v.GetString("worker.command"))
}

func TestSet_StringValueNotCoerced(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	// "on" is a YAML 1.1 boolean; it must stay a string
	require.NoError(t, Set(configPath, "worker.model", "on"))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())
	assert.Equal(t, "on", v.GetString("worker.model"))
}

func TestSet_ErrorOnScalarSection(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, Set(configPath, "port", "7668"))

	// "port" is a scalar, not a section
	err := Set(configPath, "port.nested", "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a section")
}

func TestSet_EmptyKey(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	err := Set(configPath, "", "x")
	require.Error(t, err)
}

func TestGet_Scalar(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, Set(configPath, "worker.model", "gpt-5-codex"))

	val, err := Get(configPath, "worker.model")
	require.NoError(t, err)
	assert.Equal(t, "gpt-5-codex", val)
}

func TestGet_Section(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, Set(configPath, "terminal.max_sessions", "5"))
	require.NoError(t, Set(configPath, "terminal.idle_ttl_minutes", "30"))

	val, err := Get(configPath, "terminal")
	require.NoError(t, err)
	assert.Contains(t, val, "max_sessions: 5")
	assert.Contains(t, val, "idle_ttl_minutes: 30")
}

func TestGet_MissingKey(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, Set(configPath, "port", "7668"))

	_, err := Get(configPath, "does.not.exist")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestGet_MissingFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	_, err := Get(configPath, "port")
	require.Error(t, err)
}

func TestSet_RoundtripWithDefaults(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	// Start from the commented template, then mutate one key
	require.NoError(t, WriteDefaultConfig(configPath))
	require.NoError(t, Set(configPath, "log_level", "debug"))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	content := string(data)

	// Template comments survive a targeted write
	assert.Contains(t, content, "# Pont Configuration")
	assert.Contains(t, content, "log_level: debug")

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7668, cfg.Port)
}
