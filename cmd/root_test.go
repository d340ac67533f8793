package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/pont/internal/config"
)

// resetConfigState isolates a test from viper's globals and any config
// the host environment would otherwise supply.
func resetConfigState(t *testing.T) {
	t.Helper()
	t.Cleanup(viper.Reset)
	t.Cleanup(func() { cfgFile = "" })
	cfgFile = ""
	cfg = config.Config{}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HOST", "")
	t.Setenv("PORT", "")
	t.Setenv("CORS_ALLOWLIST", "")
}

func TestSplitCommaList(t *testing.T) {
	assert.Equal(t, []string{"http://a.test", "http://b.test"},
		splitCommaList("http://a.test, http://b.test"))
	assert.Equal(t, []string{"one"}, splitCommaList("one,,  ,"))
	assert.Nil(t, splitCommaList("  "))
}

func TestInitConfig_CreatesCommentedDefault(t *testing.T) {
	resetConfigState(t)

	initConfig()

	path := filepath.Join(os.Getenv("HOME"), ".config", "pont", "config.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "port:")
	assert.Contains(t, string(data), "# ", "template keeps its comments")

	defaults := config.Defaults()
	assert.Equal(t, defaults.Port, cfg.Port)
	assert.Equal(t, defaults.Worker.Command, cfg.Worker.Command)
	assert.Equal(t, path, configFilePath())
}

func TestInitConfig_EnvOverrides(t *testing.T) {
	resetConfigState(t)
	t.Setenv("PORT", "9313")
	t.Setenv("WEB_ORIGIN", "http://localhost:5173")
	t.Setenv("CORS_ALLOWLIST", "http://a.test, http://b.test")

	initConfig()

	assert.Equal(t, 9313, cfg.Port)
	assert.Equal(t, "http://localhost:5173", cfg.WebOrigin)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSAllowlist)
}

func TestInitConfig_ExplicitFileWins(t *testing.T) {
	resetConfigState(t)

	path := filepath.Join(t.TempDir(), "pont.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 4242\nworker:\n  model: gpt-5\n"), 0o600))
	cfgFile = path

	initConfig()

	assert.Equal(t, 4242, cfg.Port)
	assert.Equal(t, "gpt-5", cfg.Worker.Model)
	assert.Equal(t, path, configFilePath())
}
