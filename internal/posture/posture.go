// Package posture tracks the operator-controlled production posture. The
// posture is a flag file; it counts as active only while the low-privilege
// service account also exists, so a half-finished setup never routes agents
// through a privilege switch that cannot succeed.
package posture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	sesserr "github.com/agent-command/sessiond/internal/errors"
	"github.com/agent-command/sessiond/internal/logging"
)

// Posture is the process-wide production posture.
type Posture struct {
	flagPath string
	account  string

	// AccountExists reports whether the service account is present in the
	// user database. Replaced in tests.
	AccountExists func(name string) bool

	enabled atomic.Bool
	mu      sync.Mutex
	logger  *logrus.Entry
}

// New loads the posture from flagPath. account is the service account the
// posture depends on.
func New(flagPath, account string) *Posture {
	p := &Posture{
		flagPath:      flagPath,
		account:       account,
		AccountExists: userExists,
		logger:        logging.NewLogger("posture"),
	}
	p.Refresh()
	return p
}

// Enabled reports whether production posture is active.
func (p *Posture) Enabled() bool {
	return p.enabled.Load()
}

// ServiceAccount returns the fixed low-privilege identity agents run as.
func (p *Posture) ServiceAccount() string {
	return p.account
}

// FlagPath returns the marker file location.
func (p *Posture) FlagPath() string {
	return p.flagPath
}

// Refresh re-reads the flag file and the user database.
func (p *Posture) Refresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked()
}

func (p *Posture) refreshLocked() bool {
	active := false
	if _, err := os.Stat(p.flagPath); err == nil {
		active = p.AccountExists(p.account)
		if !active {
			p.logger.Warnf("Production flag present but service account %q does not exist; posture inactive", p.account)
		}
	}
	if p.enabled.Swap(active) != active {
		p.logger.WithField("enabled", active).Info("Production posture changed")
	}
	return active
}

// Enable turns production posture on. It fails closed when the service
// account is missing.
func (p *Posture) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.AccountExists(p.account) {
		return sesserr.ConfigError("service account",
			fmt.Errorf("cannot enable production mode: OS user %q does not exist", p.account))
	}
	if err := os.MkdirAll(filepath.Dir(p.flagPath), 0755); err != nil {
		return fmt.Errorf("failed to create flag directory: %w", err)
	}
	if err := os.WriteFile(p.flagPath, []byte("enabled\n"), 0644); err != nil {
		return fmt.Errorf("failed to create production mode flag: %w", err)
	}
	p.refreshLocked()
	p.logger.Info("Production mode enabled by operator")
	return nil
}

// Disable turns production posture off.
func (p *Posture) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.flagPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove production mode flag: %w", err)
	}
	p.refreshLocked()
	p.logger.Info("Production mode disabled by operator")
	return nil
}

// Watch follows external changes to the flag file until ctx is cancelled.
// fsnotify does not watch files that do not exist yet, so the parent
// directory is watched and events are filtered by name.
func (p *Posture) Watch(ctx context.Context) error {
	dir := filepath.Dir(p.flagPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.flagPath) {
				continue
			}
			p.logger.Debugf("fsnotify event: %s op=%v", event.Name, event.Op)
			p.Refresh()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func userExists(name string) bool {
	_, err := user.Lookup(name)
	return err == nil
}
