// Package session owns the session table: it allocates ids, launches
// processes on ptys through the launcher, and persists enough of each
// session to relaunch it after a restart.
package session

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	sesserr "github.com/agent-command/sessiond/internal/errors"
	"github.com/agent-command/sessiond/internal/events"
	"github.com/agent-command/sessiond/internal/execpath"
	"github.com/agent-command/sessiond/internal/launcher"
	"github.com/agent-command/sessiond/internal/logging"
	"github.com/agent-command/sessiond/internal/metrics"
	"github.com/agent-command/sessiond/internal/providers"
	"github.com/agent-command/sessiond/internal/sandbox"
	"github.com/agent-command/sessiond/internal/terminal"
)

const idPrefix = "session_"

// Info describes a session to callers.
type Info struct {
	ID             string   `json:"id"`
	Project        string   `json:"project"`
	Agent          string   `json:"agent"`
	Role           string   `json:"role"`
	SpecID         string   `json:"specId"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	Cwd            string   `json:"cwd,omitempty"`
	Alive          bool     `json:"alive"`
	Mode           string   `json:"mode"`
	ServiceAccount string   `json:"serviceAccount,omitempty"`
	SandboxRoot    string   `json:"sandboxRoot,omitempty"`
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	Project string   `json:"project"`
	Agent   string   `json:"agent"`
	Role    string   `json:"role"`
	TaskID  string   `json:"taskId"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd,omitempty"`
	Cols    uint16   `json:"cols"`
	Rows    uint16   `json:"rows"`
	// ReservedID reuses a persisted id instead of allocating one.
	ReservedID string `json:"-"`
}

// PathResolver yields the search path commands are resolved against.
type PathResolver interface {
	SearchPath(ctx context.Context) string
}

// Preparer turns a launch request into a spawnable plan.
type Preparer interface {
	Prepare(ctx context.Context, req launcher.Request) (*launcher.Plan, error)
}

// Options wire a Manager.
type Options struct {
	Store     *Store
	Resolver  PathResolver
	Launcher  Preparer
	Publisher events.Publisher
	// DefaultCols and DefaultRows size restored sessions and requests
	// without a geometry.
	DefaultCols uint16
	DefaultRows uint16
	ReadChunk   int
}

type session struct {
	info Info
	term *terminal.Terminal
}

// Manager is the session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	idMu   sync.Mutex
	nextID uint64

	saveMu sync.Mutex

	pathOnce   sync.Once
	searchPath string

	opts   Options
	logger *logrus.Entry
}

// NewManager returns an empty manager.
func NewManager(opts Options) *Manager {
	if opts.DefaultCols == 0 {
		opts.DefaultCols = 120
	}
	if opts.DefaultRows == 0 {
		opts.DefaultRows = 30
	}
	return &Manager{
		sessions: make(map[string]*session),
		opts:     opts,
		logger:   logging.NewLogger("session"),
	}
}

// Create launches a session. Nothing is recorded when the pty or the
// process cannot be started.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Info, error) {
	return m.create(ctx, req, true)
}

func (m *Manager) create(ctx context.Context, req CreateRequest, persist bool) (Info, error) {
	if strings.TrimSpace(req.Command) == "" {
		return Info{}, sesserr.InvalidInput("command is required")
	}

	id := req.ReservedID
	if id == "" {
		id = m.allocateID()
	} else if m.exists(id) {
		return Info{}, sesserr.InvalidInput(fmt.Sprintf("session id %s is in use", id))
	}

	args := append([]string{}, req.Args...)
	kind := providers.Lookup(req.Agent)
	searchPath := m.resolveSearchPath(ctx)
	exe := execpath.Resolve(req.Command, searchPath)

	logger := m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"agent":      kind.Name(),
		"command":    exe,
	})

	plan, err := m.opts.Launcher.Prepare(ctx, launcher.Request{
		SessionID:  id,
		Kind:       kind,
		Role:       req.Role,
		TaskID:     req.TaskID,
		Executable: exe,
		Args:       args,
		Cwd:        req.Cwd,
		SearchPath: searchPath,
	})
	if err != nil {
		metrics.CreateFailures.Inc()
		if sesserr.GetCode(err) != "" {
			return Info{}, err
		}
		return Info{}, sesserr.ResourceUnavailable("prepare launch", err).WithDetail("session_id", id)
	}

	cmd := exec.Command(plan.Argv[0], plan.Argv[1:]...)
	cmd.Env = plan.Env
	cmd.Dir = plan.Dir

	cols, rows := req.Cols, req.Rows
	if cols == 0 || rows == 0 {
		cols, rows = m.opts.DefaultCols, m.opts.DefaultRows
	}

	term, err := terminal.Start(id, cmd, terminal.Options{Cols: cols, Rows: rows, ReadChunk: m.opts.ReadChunk}, m.opts.Publisher)
	if err != nil {
		metrics.CreateFailures.Inc()
		if plan.SandboxRoot != "" {
			if rmErr := sandbox.Remove(plan.SandboxRoot); rmErr != nil {
				logger.WithError(rmErr).Warn("Failed to remove sandbox of failed session")
			}
		}
		return Info{}, sesserr.ResourceUnavailable("spawn "+exe, err).WithDetail("session_id", id)
	}

	s := &session{
		info: Info{
			ID:             id,
			Project:        req.Project,
			Agent:          req.Agent,
			Role:           req.Role,
			SpecID:         req.TaskID,
			Command:        req.Command,
			Args:           args,
			Cwd:            req.Cwd,
			Mode:           string(plan.Mode),
			ServiceAccount: plan.ServiceAccount,
			SandboxRoot:    plan.SandboxRoot,
		},
		term: term,
	}

	m.mu.Lock()
	m.sessions[id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(active))
	launcher.RecordLaunch(plan.Mode)
	logger.WithFields(logrus.Fields{
		"mode": plan.Mode,
		"pid":  term.Pid(),
	}).Info("Session created")

	if persist {
		m.persist()
	}
	return s.snapshot(), nil
}

// Close ends a session: releases its pty, removes its sandbox and forgets
// it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return sesserr.NotFound(id)
	}
	metrics.SessionsActive.Set(float64(active))

	logger := m.logger.WithField("session_id", id)
	if err := s.term.Close(); err != nil {
		logger.WithError(err).Debug("Error closing pty")
	}
	if s.info.SandboxRoot != "" {
		if err := sandbox.Remove(s.info.SandboxRoot); err != nil {
			logger.WithError(err).Warn("Failed to remove sandbox")
		}
	}
	logger.Info("Session closed")

	m.persist()
	return nil
}

// Write sends data to a session and flushes it.
func (m *Manager) Write(id string, data []byte) error {
	s, ok := m.lookup(id)
	if !ok {
		return sesserr.NotFound(id)
	}
	if err := s.term.Write(data); err != nil {
		m.logger.WithError(err).WithField("session_id", id).Error("Write failed")
		return sesserr.IOFailure(id, "write", err)
	}
	return nil
}

// Resize changes a session's terminal geometry. Both dimensions must be
// positive.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s, ok := m.lookup(id)
	if !ok {
		return sesserr.NotFound(id)
	}
	if cols == 0 || rows == 0 {
		return sesserr.InvalidInput("cols and rows must be positive")
	}
	if err := s.term.Resize(cols, rows); err != nil {
		return sesserr.IOFailure(id, "resize", err)
	}
	return nil
}

// List returns a snapshot of the table ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return idLess(infos[i].ID, infos[j].ID)
	})
	return infos
}

// Get returns one session.
func (m *Manager) Get(id string) (Info, error) {
	s, ok := m.lookup(id)
	if !ok {
		return Info{}, sesserr.NotFound(id)
	}
	return s.snapshot(), nil
}

// RestoreAll relaunches the persisted sessions with their original ids.
// Failures are logged and skipped. It returns the number restored.
func (m *Manager) RestoreAll(ctx context.Context) int {
	if m.opts.Store == nil {
		return 0
	}
	records, err := m.opts.Store.Load()
	if err != nil {
		m.logger.WithError(err).Warn("Failed to load persisted sessions")
		return 0
	}

	var highest uint64
	for _, rec := range records {
		if n, ok := parseID(rec.ID); ok && n > highest {
			highest = n
		}
	}
	m.idMu.Lock()
	if highest > m.nextID {
		m.nextID = highest
	}
	m.idMu.Unlock()

	restored := 0
	for _, rec := range records {
		_, err := m.create(ctx, CreateRequest{
			Project:    rec.Project,
			Agent:      rec.Agent,
			Role:       rec.Role,
			TaskID:     rec.SpecID,
			Command:    rec.Command,
			Args:       rec.Args,
			Cwd:        rec.Cwd,
			Cols:       m.opts.DefaultCols,
			Rows:       m.opts.DefaultRows,
			ReservedID: rec.ID,
		}, false)
		if err != nil {
			m.logger.WithError(err).WithField("session_id", rec.ID).Warn("Failed to restore session")
			continue
		}
		restored++
	}

	m.persist()
	m.logger.WithField("count", restored).Info("Restored persisted sessions")
	return restored
}

// Shutdown closes every session's pty without forgetting them, so they are
// restored on the next start.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		_ = s.term.Close()
	}
}

func (m *Manager) allocateID() string {
	m.idMu.Lock()
	defer m.idMu.Unlock()

	for {
		m.nextID++
		id := idPrefix + strconv.FormatUint(m.nextID, 10)
		if !m.exists(id) {
			return id
		}
	}
}

func (m *Manager) exists(id string) bool {
	_, ok := m.lookup(id)
	return ok
}

func (m *Manager) lookup(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) resolveSearchPath(ctx context.Context) string {
	if m.opts.Resolver == nil {
		return ""
	}
	m.pathOnce.Do(func() {
		m.searchPath = m.opts.Resolver.SearchPath(ctx)
	})
	return m.searchPath
}

// persist rewrites the session file from the current table.
func (m *Manager) persist() {
	if m.opts.Store == nil {
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	records := make([]Record, 0, len(m.sessions))
	for _, s := range m.sessions {
		records = append(records, s.record())
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return idLess(records[i].ID, records[j].ID)
	})
	if err := m.opts.Store.Save(records); err != nil {
		m.logger.WithError(err).Error("Failed to persist sessions")
	}
}

func (s *session) snapshot() Info {
	info := s.info
	info.Args = append([]string{}, s.info.Args...)
	info.Alive = s.term.Alive()
	return info
}

func (s *session) record() Record {
	return Record{
		ID:      s.info.ID,
		Project: s.info.Project,
		Agent:   s.info.Agent,
		Role:    s.info.Role,
		SpecID:  s.info.SpecID,
		Command: s.info.Command,
		Args:    append([]string{}, s.info.Args...),
		Cwd:     s.info.Cwd,
	}
}

func parseID(id string) (uint64, bool) {
	suffix, ok := strings.CutPrefix(id, idPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(suffix, 10, 64)
	return n, err == nil
}

func idLess(a, b string) bool {
	na, okA := parseID(a)
	nb, okB := parseID(b)
	if okA && okB {
		return na < nb
	}
	if okA != okB {
		return okA
	}
	return a < b
}
