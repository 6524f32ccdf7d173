// Package isolation detects which OS namespace primitive the host offers and
// builds the command lines that confine an agent process with it.
//
// Two primitives are supported, in priority order: an unprivileged
// sandboxing helper (bubblewrap) and generic user namespaces driven through
// unshare(1) plus a generated mount script. When neither is usable the
// caller degrades to filesystem/environment confinement only.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agent-command/sessiond/internal/logging"
	"github.com/agent-command/sessiond/internal/proc"
)

// Primitive names the isolation mechanism in use.
type Primitive string

const (
	PrimitiveHelper         Primitive = "helper"
	PrimitiveUserNamespaces Primitive = "user-namespaces"
	PrimitiveNone           Primitive = "none"
)

// Availability is the result of a probe.
type Availability struct {
	Primitive   Primitive `json:"primitive"`
	HelperPath  string    `json:"helper_path,omitempty"`
	UnsharePath string    `json:"unshare_path,omitempty"`
	// Reason explains why a stronger primitive was not chosen.
	Reason string `json:"reason,omitempty"`
}

// Available reports whether any namespace primitive was found.
func (a Availability) Available() bool {
	return a.Primitive != PrimitiveNone
}

// helperLocations are checked when no helper path is configured.
var helperLocations = []string{
	"/usr/bin/bwrap",
	"/usr/local/bin/bwrap",
	"/bin/bwrap",
}

// Prober detects the available primitive. Results are cached; the host's
// capabilities do not change while the daemon runs, and the user-namespace
// probe forks a process.
type Prober struct {
	// HelperPath overrides the helper search.
	HelperPath string
	// UnsharePath is the unshare(1) binary name or path.
	UnsharePath string
	// Timeout bounds each capability probe.
	Timeout time.Duration

	mu     sync.Mutex
	cached *Availability
}

// Probe returns the cached availability, probing on first use.
func (p *Prober) Probe(ctx context.Context) Availability {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return *p.cached
	}
	avail := p.probe(ctx)
	p.cached = &avail
	return avail
}

// Refresh discards the cached result and probes again.
func (p *Prober) Refresh(ctx context.Context) Availability {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
	return p.Probe(ctx)
}

func (p *Prober) probe(ctx context.Context) Availability {
	logger := logging.NewLogger("isolation")

	path, helperErr := p.findHelper(ctx)
	if helperErr == nil {
		logger.WithField("helper", path).Debug("Sandbox helper available")
		return Availability{Primitive: PrimitiveHelper, HelperPath: path}
	}
	logger.WithError(helperErr).Debug("Sandbox helper not available")

	unshare, err := p.checkUserNamespaces(ctx)
	if err == nil {
		return Availability{
			Primitive:   PrimitiveUserNamespaces,
			UnsharePath: unshare,
			Reason:      helperErr.Error(),
		}
	}

	return Availability{
		Primitive: PrimitiveNone,
		Reason:    fmt.Sprintf("%v; user namespaces unavailable: %v", helperErr, err),
	}
}

// findHelper returns the first installed helper that can actually create a
// user namespace. LSM policies and sysctls can leave an installed bwrap
// unable to start anything.
func (p *Prober) findHelper(ctx context.Context) (string, error) {
	candidates := helperLocations
	if p.HelperPath != "" {
		candidates = []string{p.HelperPath}
	}
	var lastErr error
	for _, path := range candidates {
		if unix.Access(path, unix.X_OK) != nil {
			continue
		}
		if err := p.checkHelper(ctx, path); err != nil {
			lastErr = err
			continue
		}
		return path, nil
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", errors.New("sandbox helper not installed")
}

func (p *Prober) checkHelper(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "--unshare-user", "--ro-bind", "/", "/", "--", "true")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("sandbox helper %s unusable: %s", path, msg)
		}
		return fmt.Errorf("sandbox helper %s unusable: %w", path, err)
	}
	return nil
}

func (p *Prober) timeout() time.Duration {
	if p.Timeout <= 0 {
		return 500 * time.Millisecond
	}
	return p.Timeout
}

// checkUserNamespaces consults the sysctls first and then actually creates a
// user+mount namespace, since LSM policies can block unshare even when the
// sysctls allow it.
func (p *Prober) checkUserNamespaces(ctx context.Context) (string, error) {
	if value, err := proc.Sysctl("kernel.unprivileged_userns_clone"); err == nil && value == "0" {
		return "", errors.New("kernel.unprivileged_userns_clone=0")
	}
	if value, err := proc.Sysctl("user.max_user_namespaces"); err == nil && value == "0" {
		return "", errors.New("user.max_user_namespaces=0")
	}

	name := p.UnsharePath
	if name == "" {
		name = "unshare"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("unshare not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "--user", "--map-root-user", "--mount", "true")
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("unshare probe failed: %w", err)
	}
	return path, nil
}
