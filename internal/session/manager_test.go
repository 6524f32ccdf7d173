package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sesserr "github.com/agent-command/sessiond/internal/errors"
	"github.com/agent-command/sessiond/internal/events"
	"github.com/agent-command/sessiond/internal/isolation"
	"github.com/agent-command/sessiond/internal/launcher"
	"github.com/agent-command/sessiond/internal/sandbox"
)

type staticPath string

func (p staticPath) SearchPath(context.Context) string { return string(p) }

type fakePosture struct{ enabled bool }

func (p fakePosture) Enabled() bool          { return p.enabled }
func (p fakePosture) ServiceAccount() string { return "agent" }

type noIsolation struct{}

func (noIsolation) Probe(context.Context) isolation.Availability {
	return isolation.Availability{Primitive: isolation.PrimitiveNone, Reason: "test host"}
}

type harness struct {
	manager   *Manager
	launcher  *launcher.Launcher
	store     *Store
	bus       *events.Bus
	framework string
}

func newHarness(t *testing.T, production bool) *harness {
	t.Helper()
	framework := t.TempDir()
	store := NewStore(filepath.Join(t.TempDir(), "console", "sessions.json"))
	bus := events.NewBus()
	l := &launcher.Launcher{
		Posture:           fakePosture{enabled: production},
		Prober:            noIsolation{},
		Sandbox:           sandbox.NewProvisioner(framework, "/opt/sessiond/bin/sessiond hook", 15),
		PrivilegeCommand:  fakePrivilegeCommand(t),
		DefaultServiceURL: "http://localhost:5002",
		ServiceConfigFile: "config/gateway.json",
		Term:              "xterm-256color",
		Environ: func() []string {
			return []string{"PATH=/usr/bin:/bin", "GITHUB_TOKEN=ghp_secret", "AWS_SECRET_ACCESS_KEY=aws_secret"}
		},
	}
	m := NewManager(Options{
		Store:     store,
		Resolver:  staticPath("/usr/bin:/bin"),
		Launcher:  l,
		Publisher: bus,
	})
	t.Cleanup(func() {
		for _, info := range m.List() {
			_ = m.Close(info.ID)
		}
		bus.Close()
	})
	return &harness{manager: m, launcher: l, store: store, bus: bus, framework: framework}
}

// fakePrivilegeCommand stands in for sudo: it drops everything up to "--"
// and runs the rest as the current user.
func fakePrivilegeCommand(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-sudo")
	script := "#!/bin/sh\nwhile [ \"$#\" -gt 0 ] && [ \"$1\" != \"--\" ]; do shift; done\nshift\nexec \"$@\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func (h *harness) create(t *testing.T, req CreateRequest) Info {
	t.Helper()
	info, err := h.manager.Create(context.Background(), req)
	if sesserr.Is(err, sesserr.ErrCodeResourceUnavailable) {
		t.Skipf("pty unavailable: %v", err)
	}
	require.NoError(t, err)
	return info
}

func collectOutput(t *testing.T, sub *events.Subscription, id string) string {
	t.Helper()
	var out strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out.String()
			}
			if e.SessionID != id {
				continue
			}
			if e.Type == events.Closed {
				return out.String()
			}
			out.Write(e.Data)
		case <-timeout:
			t.Fatalf("session %s did not close; output so far %q", id, out.String())
		}
	}
}

func TestCreateShellOutsideProduction(t *testing.T) {
	h := newHarness(t, false)

	info := h.create(t, CreateRequest{Project: "p", Agent: "shell", Role: "human", Command: "cat", Cols: 80, Rows: 24})

	assert.Equal(t, "session_1", info.ID)
	assert.True(t, info.Alive)
	assert.Empty(t, info.ServiceAccount)
	assert.Empty(t, info.SandboxRoot)
	assert.Equal(t, []string{}, info.Args)
	assert.Equal(t, string(launcher.Direct), info.Mode)

	records, err := h.store.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "cat", records[0].Command)
}

func TestConcurrentCreateIDsDistinct(t *testing.T) {
	h := newHarness(t, false)

	const n = 8
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := h.manager.Create(context.Background(), CreateRequest{Project: "p", Agent: "shell", Role: "human", Command: "cat"})
			if err == nil {
				ids <- info.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], id)
		seen[id] = true
	}
	if len(seen) == 0 {
		t.Skip("pty unavailable")
	}
	assert.Len(t, seen, n)

	list := h.manager.List()
	for i := 1; i < len(list); i++ {
		prev, _ := parseID(list[i-1].ID)
		cur, _ := parseID(list[i].ID)
		assert.Less(t, prev, cur)
	}
}

func TestSequentialIDsIncrease(t *testing.T) {
	h := newHarness(t, false)

	first := h.create(t, CreateRequest{Agent: "shell", Role: "human", Command: "cat"})
	second := h.create(t, CreateRequest{Agent: "shell", Role: "human", Command: "cat"})
	require.NoError(t, h.manager.Close(first.ID))
	third := h.create(t, CreateRequest{Agent: "shell", Role: "human", Command: "cat"})

	assert.Equal(t, "session_1", first.ID)
	assert.Equal(t, "session_2", second.ID)
	assert.Equal(t, "session_3", third.ID)
}

func TestOperationsOnUnknownSession(t *testing.T) {
	h := newHarness(t, false)
	info := h.create(t, CreateRequest{Agent: "shell", Role: "human", Command: "cat"})
	require.NoError(t, h.manager.Close(info.ID))

	assert.True(t, sesserr.Is(h.manager.Close(info.ID), sesserr.ErrCodeNotFound))
	assert.True(t, sesserr.Is(h.manager.Write(info.ID, []byte("x")), sesserr.ErrCodeNotFound))
	assert.True(t, sesserr.Is(h.manager.Resize(info.ID, 100, 40), sesserr.ErrCodeNotFound))
	assert.True(t, sesserr.Is(h.manager.Resize("session_99", 100, 40), sesserr.ErrCodeNotFound))
	assert.Empty(t, h.manager.List())
}

func TestWriteReachesProcess(t *testing.T) {
	h := newHarness(t, false)
	sub := h.bus.Subscribe(64)
	defer sub.Close()

	info := h.create(t, CreateRequest{Agent: "shell", Role: "human", Command: "sh", Args: []string{"-c", "read line; echo echoed:$line"}})
	require.NoError(t, h.manager.Write(info.ID, []byte("hello\n")))

	assert.Contains(t, collectOutput(t, sub, info.ID), "echoed:hello")

	got, err := h.manager.Get(info.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got, _ = h.manager.Get(info.ID)
		return !got.Alive
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAgentSessionSandboxLifecycle(t *testing.T) {
	h := newHarness(t, false)
	project := t.TempDir()

	info := h.create(t, CreateRequest{Project: "app", Agent: "toolA", Role: "builder", TaskID: "T-1", Command: "cat", Cwd: project})

	require.Equal(t, sandbox.Root(project, info.ID), info.SandboxRoot)
	for _, sub := range sandbox.Subdirs {
		assert.DirExists(t, filepath.Join(info.SandboxRoot, sub))
	}

	require.NoError(t, h.manager.Close(info.ID))
	assert.NoDirExists(t, info.SandboxRoot)
}

func TestSandboxedEnvironment(t *testing.T) {
	h := newHarness(t, false)
	project := t.TempDir()
	sub := h.bus.Subscribe(64)
	defer sub.Close()

	info := h.create(t, CreateRequest{
		Project: "app",
		Agent:   "toolA",
		Role:    "reviewer",
		TaskID:  "T-7",
		Command: "sh",
		Args:    []string{"-c", `echo "gh=[$GITHUB_TOKEN] aws=[$AWS_SECRET_ACCESS_KEY] kind=$AGENT_KIND role=$AGENT_ROLE task=$AGENT_TASK_ID url=$AGENT_SERVICE_URL home=$HOME"`},
		Cwd:     project,
	})

	out := collectOutput(t, sub, info.ID)
	assert.Contains(t, out, "gh=[]")
	assert.Contains(t, out, "aws=[]")
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "kind=toolA")
	assert.Contains(t, out, "role=reviewer")
	assert.Contains(t, out, "task=T-7")
	assert.Contains(t, out, "url=http://localhost:5002")
	assert.Contains(t, out, "home="+filepath.Join(info.SandboxRoot, "home"))
}

func TestFrameworkRootNeverSandboxed(t *testing.T) {
	h := newHarness(t, true)

	info := h.create(t, CreateRequest{Agent: "toolA", Role: "builder", Command: "cat", Cwd: h.framework})

	assert.Empty(t, info.SandboxRoot)
	assert.NoDirExists(t, filepath.Join(h.framework, ".state"))
}

func TestProductionAgentSession(t *testing.T) {
	h := newHarness(t, true)
	project := t.TempDir()

	info := h.create(t, CreateRequest{Project: "app", Agent: "toolA", Role: "builder", Command: "cat", Cwd: project})

	assert.Contains(t, []string{string(launcher.NamespaceIsolated), string(launcher.PrivilegeDropped)}, info.Mode)
	assert.Equal(t, "agent", info.ServiceAccount)
	assert.Equal(t, filepath.Join(project, ".state", "sandbox", info.ID), info.SandboxRoot)
	assert.DirExists(t, info.SandboxRoot)
	assert.True(t, info.Alive)
}

func TestRestoreAll(t *testing.T) {
	h := newHarness(t, false)
	project := t.TempDir()
	records := []Record{
		{ID: "session_3", Project: "p", Agent: "shell", Role: "human", Command: "cat", Args: []string{}},
		{ID: "session_7", Project: "app", Agent: "toolA", Role: "builder", SpecID: "T-2", Command: "cat", Args: []string{"-u"}, Cwd: project},
		{ID: "session_5", Project: "p", Agent: "shell", Role: "human", Command: "/nonexistent/binary", Args: []string{}},
	}
	require.NoError(t, h.store.Save(records))

	restored := h.manager.RestoreAll(context.Background())
	if restored == 0 {
		t.Skip("pty unavailable")
	}
	assert.Equal(t, 2, restored)

	list := h.manager.List()
	require.Len(t, list, 2)
	for i, want := range []Record{records[0], records[1]} {
		got := list[i]
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Project, got.Project)
		assert.Equal(t, want.Agent, got.Agent)
		assert.Equal(t, want.Role, got.Role)
		assert.Equal(t, want.SpecID, got.SpecID)
		assert.Equal(t, want.Command, got.Command)
		assert.Equal(t, want.Args, got.Args)
		assert.Equal(t, want.Cwd, got.Cwd)
	}

	next := h.create(t, CreateRequest{Agent: "shell", Role: "human", Command: "cat"})
	assert.Equal(t, "session_8", next.ID)
}

func TestRestoreRejectsDuplicateReservedID(t *testing.T) {
	h := newHarness(t, false)
	info := h.create(t, CreateRequest{Agent: "shell", Role: "human", Command: "cat"})

	_, err := h.manager.Create(context.Background(), CreateRequest{Agent: "shell", Command: "cat", ReservedID: info.ID})
	assert.True(t, sesserr.Is(err, sesserr.ErrCodeInvalidInput))
	assert.Len(t, h.manager.List(), 1)
}

func TestCreateSpawnFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t, false)
	project := t.TempDir()

	_, err := h.manager.Create(context.Background(), CreateRequest{Agent: "toolA", Command: "/nonexistent/binary", Cwd: project})
	assert.True(t, sesserr.Is(err, sesserr.ErrCodeResourceUnavailable))
	assert.Empty(t, h.manager.List())
	assert.NoDirExists(t, filepath.Join(project, ".state", "sandbox", "session_1"))
}

func TestResizeLiveSession(t *testing.T) {
	h := newHarness(t, false)
	info := h.create(t, CreateRequest{Agent: "shell", Role: "human", Command: "cat"})
	assert.NoError(t, h.manager.Resize(info.ID, 100, 40))
	assert.NoError(t, h.manager.Write(info.ID, []byte(fmt.Sprintf("line %d\n", 1))))

	assert.True(t, sesserr.Is(h.manager.Resize(info.ID, 0, 40), sesserr.ErrCodeInvalidInput))
	assert.True(t, sesserr.Is(h.manager.Resize("session_99", 0, 0), sesserr.ErrCodeNotFound))
}
