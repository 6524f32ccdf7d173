// Package launcher decides how each session's process is started (directly,
// under the service account, or inside a namespace sandbox) and assembles
// its final command line and environment.
package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	sesserr "github.com/agent-command/sessiond/internal/errors"
	"github.com/agent-command/sessiond/internal/isolation"
	"github.com/agent-command/sessiond/internal/logging"
	"github.com/agent-command/sessiond/internal/metrics"
	"github.com/agent-command/sessiond/internal/providers"
	"github.com/agent-command/sessiond/internal/sandbox"
)

// Mode is the privilege/isolation mode of one launch.
type Mode string

const (
	Direct            Mode = "direct"
	PrivilegeDropped  Mode = "privilege-dropped"
	NamespaceIsolated Mode = "namespace-isolated"
)

// Posture is the production posture as seen by the launcher.
type Posture interface {
	Enabled() bool
	ServiceAccount() string
}

// Prober reports the host's isolation primitive.
type Prober interface {
	Probe(ctx context.Context) isolation.Availability
}

// Launcher prepares launch plans.
type Launcher struct {
	Posture Posture
	Prober  Prober
	Sandbox *sandbox.Provisioner

	// PrivilegeCommand switches identity ("sudo").
	PrivilegeCommand string
	MountPoint       string
	// RequireIsolation refuses agent sessions in production posture when no
	// namespace primitive is available.
	RequireIsolation bool

	ServiceConfigFile string
	DefaultServiceURL string
	Term              string

	// Environ returns the parent environment. Defaults to os.Environ.
	Environ func() []string
}

// Request is what the session manager knows about a session to launch.
type Request struct {
	SessionID string
	Kind      providers.Kind
	Role      string
	TaskID    string
	// Executable is the resolved command.
	Executable string
	Args       []string
	Cwd        string
	SearchPath string
}

// Plan is a ready-to-spawn launch.
type Plan struct {
	Mode Mode
	Argv []string
	Env  []string
	Dir  string
	// ServiceAccount is set for privilege-dropped launches.
	ServiceAccount string
	// SandboxRoot is set when a sandbox tree was provisioned.
	SandboxRoot string
}

// Decide evaluates the mode state machine for one session. Non-agent kinds
// always launch directly.
func (l *Launcher) Decide(ctx context.Context, kind providers.Kind, cwd string) (Mode, isolation.Availability, error) {
	none := isolation.Availability{Primitive: isolation.PrimitiveNone}
	if !kind.Sandboxed() || l.Posture == nil || !l.Posture.Enabled() {
		return Direct, none, nil
	}

	if cwd == "" || l.exempt(cwd) {
		return PrivilegeDropped, none, nil
	}

	avail := none
	if l.Prober != nil {
		avail = l.Prober.Probe(ctx)
	}
	if avail.Available() {
		return NamespaceIsolated, avail, nil
	}

	reason := avail.Reason
	if reason == "" {
		reason = "no namespace primitive available"
	}
	if l.RequireIsolation {
		return "", avail, sesserr.IsolationUnavailable(reason)
	}
	l.log().WithField("reason", reason).Warn("Namespace isolation unavailable, falling back to privilege drop")
	return PrivilegeDropped, avail, nil
}

// Prepare builds the launch plan: mode, sandbox, environment and argv. On
// error no sandbox is left behind.
func (l *Launcher) Prepare(ctx context.Context, req Request) (*Plan, error) {
	kind := req.Kind
	if kind == nil {
		kind = providers.Shell
	}

	mode, avail, err := l.Decide(ctx, kind, req.Cwd)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Mode: mode, Dir: req.Cwd}
	if mode == PrivilegeDropped {
		plan.ServiceAccount = l.Posture.ServiceAccount()
	}

	var sb *sandbox.Sandbox
	if kind.Sandboxed() && req.Cwd != "" && l.Sandbox != nil && !l.exempt(req.Cwd) {
		sb, err = l.Sandbox.Provision(sandbox.Request{
			SessionID:      req.SessionID,
			ProjectDir:     req.Cwd,
			Kind:           kind,
			ServiceAccount: plan.ServiceAccount,
		})
		if err != nil {
			l.log().WithError(err).WithField("session_id", req.SessionID).Warn("Sandbox provisioning failed, continuing without it")
			sb = nil
		} else {
			plan.SandboxRoot = sb.Root
		}
	}

	args := append([]string{}, req.Args...)
	if sb != nil {
		args = append(args, sb.Args...)
	}

	plan.Env = l.buildEnv(req, kind, mode, sb)
	plan.Argv, err = l.BuildCommand(mode, avail, req.Executable, args, req.Cwd, plan.ServiceAccount, plan.Env)
	if err != nil {
		if sb != nil {
			_ = sandbox.Remove(sb.Root)
		}
		return nil, err
	}
	if mode == NamespaceIsolated {
		plan.Env = isolation.RemapEnv(plan.Env, req.Cwd, l.mountPoint())
	}
	return plan, nil
}

// BuildCommand returns the final argv for mode. Direct passes the command
// through; PrivilegeDropped prefixes the privilege switch to account,
// preserving the names in env; NamespaceIsolated returns the isolation
// wrapper's argv verbatim.
func (l *Launcher) BuildCommand(mode Mode, avail isolation.Availability, exe string, args []string, cwd, account string, env []string) ([]string, error) {
	switch mode {
	case Direct:
		return append([]string{exe}, args...), nil
	case PrivilegeDropped:
		argv := []string{l.privilegeCommand(), "-u", account}
		if names := envNames(env); names != "" {
			argv = append(argv, "--preserve-env="+names)
		}
		argv = append(argv, "--", exe)
		return append(argv, args...), nil
	case NamespaceIsolated:
		argv, ok, err := isolation.Command(avail, isolation.Target{
			ProjectDir:   cwd,
			MountPoint:   l.mountPoint(),
			Executable:   exe,
			Args:         args,
			ReadOnlyDirs: l.validatorDirs(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build isolation command: %w", err)
		}
		if !ok {
			return nil, sesserr.IsolationUnavailable(string(avail.Primitive))
		}
		return argv, nil
	default:
		return nil, fmt.Errorf("unknown launch mode %q", mode)
	}
}

// buildEnv assembles the child environment. Agents get the sanitized
// environment when a sandbox exists and the restricted one whenever they run
// under the service account. Identity and service-locator variables are
// applied last so sanitization never removes them.
func (l *Launcher) buildEnv(req Request, kind providers.Kind, mode Mode, sb *sandbox.Sandbox) []string {
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}

	var env *sandbox.Env
	switch {
	case sb != nil:
		env = sandbox.Sanitized(environ(), sb)
	case mode != Direct:
		env = sandbox.Restricted(environ())
	default:
		env = sandbox.Inherited(environ())
	}

	if req.SearchPath != "" {
		env.Set("PATH", req.SearchPath)
	}
	if l.Term != "" {
		env.Set("TERM", l.Term)
	}

	env.Set("AGENT_KIND", kind.Name())
	env.Set("AGENT_ROLE", req.Role)
	env.Set("AGENT_TASK_ID", req.TaskID)
	env.Set("AGENT_SERVICE_URL", sandbox.ServiceURL(req.Cwd, l.ServiceConfigFile, l.DefaultServiceURL))
	if req.Cwd != "" {
		env.Set("AGENT_PROJECT_DIR", req.Cwd)
	}
	return env.List()
}

func (l *Launcher) exempt(cwd string) bool {
	return l.Sandbox != nil && l.Sandbox.Exempt(cwd)
}

func (l *Launcher) mountPoint() string {
	if l.MountPoint == "" {
		return isolation.DefaultMountPoint
	}
	return l.MountPoint
}

func (l *Launcher) privilegeCommand() string {
	if l.PrivilegeCommand == "" {
		return "sudo"
	}
	return l.PrivilegeCommand
}

// validatorDirs exposes the hook validator inside the namespace sandbox.
func (l *Launcher) validatorDirs() []string {
	if l.Sandbox == nil {
		return nil
	}
	fields := strings.Fields(l.Sandbox.ValidatorCommand)
	if len(fields) == 0 || !filepath.IsAbs(fields[0]) {
		return nil
	}
	return []string{filepath.Dir(fields[0])}
}

func (l *Launcher) log() *logrus.Entry {
	return logging.NewLogger("launcher")
}

// RecordLaunch counts a successful launch.
func RecordLaunch(mode Mode) {
	metrics.SessionsCreated.WithLabelValues(string(mode)).Inc()
}

// envNames lists the variable names in env that may cross the identity
// switch, sorted and comma separated. Deny-listed names are never carried.
func envNames(env []string) string {
	names := make([]string, 0, len(env))
	for _, kv := range env {
		if key, _, ok := strings.Cut(kv, "="); ok && key != "" && !sandbox.Denied(key) {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
