package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/sessiond/internal/providers"
)

func newTestProvisioner(t *testing.T) (*Provisioner, string) {
	t.Helper()
	framework := filepath.Join(t.TempDir(), "framework")
	require.NoError(t, os.MkdirAll(framework, 0755))
	return NewProvisioner(framework, "/opt/sessiond/bin/sessiond hook", 15), framework
}

func TestProvisionCreatesTree(t *testing.T) {
	p, _ := newTestProvisioner(t)
	project := t.TempDir()

	sb, err := p.Provision(Request{SessionID: "session_3", ProjectDir: project, Kind: providers.Lookup("toolA")})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(project, ".state", "sandbox", "session_3"), sb.Root)
	for _, sub := range Subdirs {
		assert.DirExists(t, filepath.Join(sb.Root, sub))
	}
	assert.Empty(t, sb.Args)

	require.NoError(t, Remove(sb.Root))
	assert.NoDirExists(t, sb.Root)
	assert.NoError(t, Remove(sb.Root))
}

func TestProvisionClaudeWritesSettings(t *testing.T) {
	p, _ := newTestProvisioner(t)
	project := t.TempDir()

	sb, err := p.Provision(Request{SessionID: "session_1", ProjectDir: project, Kind: providers.Claude})
	require.NoError(t, err)

	settings := filepath.Join(sb.Root, ".claude", "settings.json")
	assert.FileExists(t, settings)
	assert.Equal(t, []string{"--settings", settings}, sb.Args)
	assert.Contains(t, sb.Env, "CLAUDE_PROJECT_DIR="+project)
}

func TestProvisionNeverOverwritesProjectSettings(t *testing.T) {
	p, _ := newTestProvisioner(t)
	project := t.TempDir()
	existing := filepath.Join(project, ".gemini", "settings.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0755))
	require.NoError(t, os.WriteFile(existing, []byte(`{"theme":"dark"}`), 0644))

	sb, err := p.Provision(Request{SessionID: "session_2", ProjectDir: project, Kind: providers.Gemini})
	require.NoError(t, err)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, `{"theme":"dark"}`, string(data))
	assert.FileExists(t, filepath.Join(sb.Root, ".gemini", "settings.json"))
	assert.NoFileExists(t, existing+".tmp")
}

func TestProvisionWritesAbsentProjectSettings(t *testing.T) {
	p, _ := newTestProvisioner(t)
	project := t.TempDir()

	_, err := p.Provision(Request{SessionID: "session_2", ProjectDir: project, Kind: providers.Gemini})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(project, ".gemini", "settings.json"))
}

func TestFrameworkRootExempt(t *testing.T) {
	p, framework := newTestProvisioner(t)

	assert.True(t, p.Exempt(framework))
	assert.True(t, p.Exempt(framework+"/"))
	assert.False(t, p.Exempt(t.TempDir()))

	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(framework, link))
	assert.True(t, p.Exempt(link))

	_, err := p.Provision(Request{SessionID: "session_1", ProjectDir: framework, Kind: providers.Claude})
	assert.Error(t, err)
	assert.NoDirExists(t, filepath.Join(framework, ".state"))
}

func TestSanitizedEnv(t *testing.T) {
	parent := []string{
		"PATH=/usr/bin",
		"LANG=en_US.UTF-8",
		"LC_ALL=C",
		"HOME=/home/op",
		"SSH_AUTH_SOCK=/tmp/agent.sock",
		"GITHUB_TOKEN=ghp_secret",
		"AWS_PROFILE=prod",
		"AZURE_CLIENT_SECRET=shh",
		"DATABASE_URL=postgres://secret",
	}
	sb := &Sandbox{Root: "/p/.state/sandbox/s", Home: "/p/.state/sandbox/s/home", Tmp: "/p/.state/sandbox/s/tmp", Env: []string{"CLAUDE_PROJECT_DIR=/p"}}

	env := Sanitized(parent, sb)

	for _, key := range append([]string{"AWS_PROFILE", "AZURE_CLIENT_SECRET"}, DeniedVars...) {
		value, ok := env.Get(key)
		assert.True(t, ok, key)
		assert.Empty(t, value, key)
	}
	_, ok := env.Get("DATABASE_URL")
	assert.False(t, ok)

	home, _ := env.Get("HOME")
	assert.Equal(t, sb.Home, home)
	tmp, _ := env.Get("TMPDIR")
	assert.Equal(t, sb.Tmp, tmp)
	marker, _ := env.Get("AGENT_SANDBOX")
	assert.Equal(t, "1", marker)
	lc, _ := env.Get("LC_ALL")
	assert.Equal(t, "C", lc)
	project, _ := env.Get("CLAUDE_PROJECT_DIR")
	assert.Equal(t, "/p", project)
}

func TestRestrictedEnv(t *testing.T) {
	env := Restricted([]string{"PATH=/usr/bin", "HOME=/home/op", "GH_TOKEN=ghp_secret", "GCP_PROJECT=prod"})

	path, _ := env.Get("PATH")
	assert.Equal(t, "/usr/bin", path)
	_, ok := env.Get("HOME")
	assert.False(t, ok)
	token, ok := env.Get("GH_TOKEN")
	assert.True(t, ok)
	assert.Empty(t, token)
	project, _ := env.Get("GCP_PROJECT")
	assert.Empty(t, project)

	assert.True(t, Denied("GITHUB_TOKEN"))
	assert.True(t, Denied("AZURE_TENANT"))
	assert.False(t, Denied("PATH"))
}

func TestInheritedEnvListSorted(t *testing.T) {
	env := Inherited([]string{"B=2", "A=1", "malformed"})
	env.Set("C", "3")
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, env.List())
}

func TestServiceURL(t *testing.T) {
	dir := t.TempDir()
	const fallback = "http://localhost:5002"

	assert.Equal(t, fallback, ServiceURL(dir, "config/gateway.json", fallback))
	assert.Equal(t, fallback, ServiceURL("", "config/gateway.json", fallback))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0755))
	path := filepath.Join(dir, "config", "gateway.json")

	require.NoError(t, os.WriteFile(path, []byte(`{"port": 6100}`), 0644))
	assert.Equal(t, "http://localhost:6100", ServiceURL(dir, "config/gateway.json", fallback))

	require.NoError(t, os.WriteFile(path, []byte("{\n  // gateway\n  \"port\": 6101,\n}"), 0644))
	assert.Equal(t, "http://localhost:6101", ServiceURL(dir, "config/gateway.json", fallback))

	require.NoError(t, os.WriteFile(path, []byte(`{"port": "x"`), 0644))
	assert.Equal(t, fallback, ServiceURL(dir, "config/gateway.json", fallback))
}
