package terminal

import (
	"os"
	"runtime"
	"strings"
)

const termType = "xterm-256color"

// selectShell picks the user's shell when it is a real file, then walks
// the platform defaults down to /bin/sh.
func selectShell() string {
	if sh := os.Getenv("SHELL"); sh != "" && isFile(sh) {
		return sh
	}

	candidates := []string{"/bin/bash", "/bin/sh"}
	if runtime.GOOS == "darwin" {
		candidates = append([]string{"/bin/zsh"}, candidates...)
	}
	for _, sh := range candidates {
		if isFile(sh) {
			return sh
		}
	}
	return "/bin/sh"
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// cdCommand builds the line written to the PTY for a cwd change. The
// path is single-quoted so spaces and shell metacharacters pass through;
// embedded quotes use the close-escape-reopen form.
func cdCommand(cwd string) string {
	return "cd '" + strings.ReplaceAll(cwd, "'", `'\''`) + "'\n"
}
