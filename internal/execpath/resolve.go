// Package execpath recovers the operator's login-shell search path and maps
// bare command names onto it. A daemon started from a desktop session or a
// service manager inherits a minimal PATH that misses user-installed
// toolchains (npm globals, cargo, ~/.local/bin).
package execpath

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agent-command/sessiond/internal/logging"
)

// Resolver resolves the search path and executables against it.
type Resolver struct {
	// Shell is the operator's login shell.
	Shell string
	// Timeout bounds the login-shell invocation.
	Timeout time.Duration
	// FallbackDirs are prepended to the current PATH when the shell cannot
	// be queried.
	FallbackDirs []string
}

// SearchPath invokes the login shell non-interactively and returns the PATH
// it ends up with. On failure or empty output it falls back to the current
// PATH with FallbackDirs in front.
func (r *Resolver) SearchPath(ctx context.Context) string {
	logger := logging.NewLogger("execpath")

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := r.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.CommandContext(ctx, shell, "-l", "-c", "printf '%s' \"$PATH\"")
	cmd.Stdin = nil
	cmd.Stderr = nil
	out, err := cmd.Output()
	if err == nil {
		if path := lastLine(out); path != "" {
			return path
		}
	} else {
		logger.WithError(err).Debugf("Login shell %s did not report PATH", shell)
	}

	return r.fallback()
}

func (r *Resolver) fallback() string {
	parts := make([]string, 0, len(r.FallbackDirs)+1)
	parts = append(parts, r.FallbackDirs...)
	if current := os.Getenv("PATH"); current != "" {
		parts = append(parts, current)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// lastLine keeps the final non-empty line; login profiles that echo banners
// would otherwise pollute the result.
func lastLine(out []byte) string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(string(lines[i])); line != "" {
			return line
		}
	}
	return ""
}

// Resolve maps name onto searchPath. Absolute names are returned unchanged;
// otherwise the first directory holding a regular file called name wins. When
// nothing matches, name is returned as-is and the spawn reports the failure.
func Resolve(name, searchPath string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	for _, dir := range filepath.SplitList(searchPath) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	return name
}
