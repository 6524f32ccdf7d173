// Package sandbox provisions the per-session filesystem and environment
// sandbox agent processes run in: a private directory tree under the
// project, generated tool-hook configuration and a sanitized environment.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	sesserr "github.com/agent-command/sessiond/internal/errors"
	"github.com/agent-command/sessiond/internal/logging"
	"github.com/agent-command/sessiond/internal/metrics"
	"github.com/agent-command/sessiond/internal/providers"
)

// Subdirs are created in every sandbox root.
var Subdirs = []string{".claude", ".gemini", "home", "tmp"}

// Root returns <project>/.state/sandbox/<sessionID>.
func Root(projectDir, sessionID string) string {
	return filepath.Join(projectDir, ".state", "sandbox", sessionID)
}

// Provisioner builds sandbox trees.
type Provisioner struct {
	// FrameworkRoot is the daemon's own install root. Sessions working
	// there are exempt from sandboxing.
	FrameworkRoot string
	// ValidatorCommand is wired into generated hook configuration.
	ValidatorCommand string
	HookTimeoutSec   int

	logger *logrus.Entry
}

// NewProvisioner returns a provisioner for the given install root.
func NewProvisioner(frameworkRoot, validatorCommand string, hookTimeoutSec int) *Provisioner {
	return &Provisioner{
		FrameworkRoot:    frameworkRoot,
		ValidatorCommand: validatorCommand,
		HookTimeoutSec:   hookTimeoutSec,
		logger:           logging.NewLogger("sandbox"),
	}
}

// Request describes one sandbox to provision.
type Request struct {
	SessionID  string
	ProjectDir string
	Kind       providers.Kind
	// ServiceAccount is set when the process will run under another
	// identity and needs write access to the private home and tmp.
	ServiceAccount string
}

// Sandbox is a provisioned sandbox.
type Sandbox struct {
	Root string
	Home string
	Tmp  string
	// Args and Env come from the agent kind's hook setup.
	Args []string
	Env  []string
}

// Exempt reports whether dir is the framework's own install root, where
// no sandbox is ever allocated.
func (p *Provisioner) Exempt(dir string) bool {
	if p.FrameworkRoot == "" || dir == "" {
		return false
	}
	return samePath(dir, p.FrameworkRoot)
}

// Provision creates the sandbox tree and writes the kind's tool-hook
// configuration. Hook configuration failures are logged and skipped; only a
// failure to create the tree itself is returned.
func (p *Provisioner) Provision(req Request) (*Sandbox, error) {
	if req.ProjectDir == "" {
		return nil, fmt.Errorf("sandbox requires a working directory")
	}
	if p.Exempt(req.ProjectDir) {
		return nil, fmt.Errorf("%s is the framework root", req.ProjectDir)
	}

	root := Root(req.ProjectDir, req.SessionID)
	for _, sub := range Subdirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			metrics.SandboxFailures.WithLabelValues("tree").Inc()
			return nil, fmt.Errorf("failed to create sandbox tree: %w", err)
		}
	}

	sb := &Sandbox{
		Root: root,
		Home: filepath.Join(root, "home"),
		Tmp:  filepath.Join(root, "tmp"),
	}

	if req.ServiceAccount != "" {
		for _, dir := range []string{sb.Home, sb.Tmp} {
			if err := os.Chmod(dir, 0o1777); err != nil {
				p.logger.WithError(err).WithField("dir", dir).Warn("Failed to open sandbox dir to service account")
			}
		}
	}

	if req.Kind == nil {
		return sb, nil
	}
	setup, err := req.Kind.HookSetup(providers.HookContext{
		SandboxRoot:      root,
		ProjectDir:       req.ProjectDir,
		ValidatorCommand: p.ValidatorCommand,
		TimeoutSec:       p.HookTimeoutSec,
	})
	if err != nil {
		metrics.SandboxFailures.WithLabelValues("hook_config").Inc()
		p.logger.WithError(sesserr.ConfigError("tool hook configuration", err)).
			WithField("session_id", req.SessionID).Warn("Skipping tool hook configuration")
		return sb, nil
	}

	written := true
	for _, file := range setup.Files {
		if err := writeHookFile(file); err != nil {
			written = false
			metrics.SandboxFailures.WithLabelValues("hook_config").Inc()
			p.logger.WithError(sesserr.ConfigError(file.Path, err)).
				WithField("session_id", req.SessionID).Warn("Failed to write tool hook configuration")
		}
	}
	// A flag pointing at a file that failed to write would stop the agent
	// from starting.
	if written {
		sb.Args = setup.Args
	}
	sb.Env = setup.Env
	return sb, nil
}

// writeHookFile writes file atomically. Files marked OnlyIfAbsent are left
// alone when they already exist.
func writeHookFile(file providers.HookFile) error {
	if file.OnlyIfAbsent {
		if _, err := os.Lstat(file.Path); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(file.Path), 0755); err != nil {
		return err
	}
	tmp := file.Path + ".tmp"
	if err := os.WriteFile(tmp, file.Data, 0644); err != nil {
		return err
	}
	if file.OnlyIfAbsent {
		// Link fails if the operator created the file in the meantime.
		defer os.Remove(tmp)
		if err := os.Link(tmp, file.Path); err != nil && !errors.Is(err, os.ErrExist) {
			return err
		}
		return nil
	}
	return os.Rename(tmp, file.Path)
}

// Remove deletes a sandbox tree. A missing tree is not an error.
func Remove(root string) error {
	if root == "" {
		return nil
	}
	if err := os.RemoveAll(root); err != nil {
		metrics.SandboxFailures.WithLabelValues("cleanup").Inc()
		return fmt.Errorf("failed to remove sandbox %s: %w", root, err)
	}
	return nil
}

func samePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
