package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body = fmt.Sprintf("storage:\n  state_dir: %s\n%s", filepath.Join(dir, "state"), body)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := executeCLI(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "sessiond version "+Version+"\n", out)
}

func TestProductionLifecycle(t *testing.T) {
	current, err := user.Current()
	require.NoError(t, err)
	cfgPath := writeConfig(t, "posture:\n  service_account: "+current.Username+"\n")

	out, err := executeCLI(t, "", "--config", cfgPath, "production", "status", "--json")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, false, status["enabled"])

	_, err = executeCLI(t, "", "--config", cfgPath, "production", "enable")
	require.NoError(t, err)

	out, err = executeCLI(t, "", "--config", cfgPath, "production", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "enabled")
	assert.NotContains(t, out, "disabled")

	_, err = executeCLI(t, "", "--config", cfgPath, "production", "disable")
	require.NoError(t, err)

	out, err = executeCLI(t, "", "--config", cfgPath, "production", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")
}

func TestProductionEnableFailsWithoutAccount(t *testing.T) {
	cfgPath := writeConfig(t, "posture:\n  service_account: sessiond-no-such-user-4711\n")

	_, err := executeCLI(t, "", "--config", cfgPath, "production", "enable")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	out, err := executeCLI(t, "", "--config", cfgPath, "production", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")
}

func TestProbeWithConfiguredHelper(t *testing.T) {
	helper := filepath.Join(t.TempDir(), "bwrap")
	require.NoError(t, os.WriteFile(helper, []byte("#!/bin/sh\nexit 0\n"), 0755))
	cfgPath := writeConfig(t, "sandbox:\n  helper_path: "+helper+"\n")

	out, err := executeCLI(t, "", "--config", cfgPath, "probe", "--json")
	require.NoError(t, err)

	var avail map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &avail))
	assert.Equal(t, "helper", avail["primitive"])
	assert.Equal(t, helper, avail["helper_path"])
}

func TestHookDeniesOutsideProject(t *testing.T) {
	project := t.TempDir()
	t.Setenv("AGENT_SANDBOX", "1")
	t.Setenv("AGENT_PROJECT_DIR", project)

	input := `{"tool_name": "Read", "tool_input": {"file_path": "/etc/passwd"}}`
	out, err := executeCLI(t, input, "hook", "--agent", "claude")
	require.NoError(t, err)

	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "deny", resp["hookSpecificOutput"]["permissionDecision"])

	input = fmt.Sprintf(`{"tool_name": "write_file", "tool_input": {"file_path": %q}}`, filepath.Join(project, "main.go"))
	out, err = executeCLI(t, input, "hook", "--agent", "gemini")
	require.NoError(t, err)
	assert.JSONEq(t, `{"decision": "allow"}`, out)
}

func TestHookFailsClosedOnMalformedInput(t *testing.T) {
	t.Setenv("AGENT_SANDBOX", "1")
	t.Setenv("AGENT_PROJECT_DIR", t.TempDir())

	out, err := executeCLI(t, "not json", "hook", "--agent", "gemini")
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "deny", resp["decision"])
}
