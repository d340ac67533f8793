package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectShell_PrefersEnvShell(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	assert.Equal(t, "/bin/sh", selectShell())
}

func TestSelectShell_SkipsMissingEnvShell(t *testing.T) {
	t.Setenv("SHELL", "/definitely/not/a/shell")
	got := selectShell()
	assert.NotEqual(t, "/definitely/not/a/shell", got)
	assert.True(t, isFile(got), "selected shell %q must exist", got)
}

func TestSelectShell_SkipsDirectoryEnvShell(t *testing.T) {
	t.Setenv("SHELL", t.TempDir())
	got := selectShell()
	assert.True(t, isFile(got), "selected shell %q must be a file", got)
}

func TestCdCommand_QuotesPaths(t *testing.T) {
	cases := map[string]string{
		"/home/user":        "cd '/home/user'\n",
		"/with space/dir":   "cd '/with space/dir'\n",
		"/it's/quoted":      "cd '/it'\\''s/quoted'\n",
		"/weird$PATH;rm -r": "cd '/weird$PATH;rm -r'\n",
	}
	for cwd, want := range cases {
		assert.Equal(t, want, cdCommand(cwd), "cwd %q", cwd)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, minCols, clamp(0, minCols, maxCols))
	assert.Equal(t, maxCols, clamp(10_000, minCols, maxCols))
	assert.Equal(t, 80, clamp(80, minCols, maxCols))
	assert.Equal(t, minRows, clamp(-3, minRows, maxRows))
	assert.Equal(t, maxRows, clamp(201, minRows, maxRows))
}
