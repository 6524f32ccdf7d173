package providers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Permission is a hook verdict.
type Permission string

const (
	Allow Permission = "allow"
	Deny  Permission = "deny"
)

// Decision is the validator's answer for one tool call.
type Decision struct {
	Permission Permission
	Reason     string
}

// HookInput is the JSON document agents send to pre-tool-use hooks on stdin.
type HookInput struct {
	HookEventName string         `json:"hook_event_name"`
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input"`
	Cwd           string         `json:"cwd"`
}

// ValidatorEnv is the part of the session environment the validator reads.
type ValidatorEnv struct {
	Sandboxed  bool
	ProjectDir string
	Home       string
}

// EnvFromOS reads the validator environment of the current process.
func EnvFromOS() ValidatorEnv {
	project := os.Getenv("AGENT_PROJECT_DIR")
	if project == "" {
		project = os.Getenv("CLAUDE_PROJECT_DIR")
	}
	if project == "" {
		project = os.Getenv("GEMINI_PROJECT_DIR")
	}
	home, _ := os.UserHomeDir()
	return ValidatorEnv{
		Sandboxed:  os.Getenv("AGENT_SANDBOX") == "1",
		ProjectDir: project,
		Home:       home,
	}
}

// pathKeys are the tool_input fields that name a file or directory.
var pathKeys = []string{"file_path", "notebook_path", "absolute_path", "path", "dir_path"}

// sensitivePaths may not appear in sandboxed shell commands.
var sensitivePaths = []string{
	"/etc/shadow",
	"/etc/sudoers",
	"/etc/gshadow",
	"~/.ssh",
	"$HOME/.ssh",
	"/.ssh/",
	"~/.aws",
	"$HOME/.aws",
	"/.aws/",
	"~/.gnupg",
	"/.gnupg/",
	"~/.config/gh",
}

var redirectPattern = regexp.MustCompile(`>>?\s*([^\s;|&<>]+)`)

// Validate decides whether the tool call in raw may proceed. Undecodable
// input is denied.
func Validate(kind Kind, raw []byte, env ValidatorEnv) Decision {
	var input HookInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return Decision{Permission: Deny, Reason: "hook: failed to parse hook input"}
	}
	if !env.Sandboxed {
		return Decision{Permission: Allow}
	}

	project := env.ProjectDir
	if project == "" {
		project = input.Cwd
	}
	if project == "" {
		return Decision{Permission: Deny, Reason: "hook: sandboxed session without a project root"}
	}

	switch kind.toolClass(input.ToolName) {
	case toolFile:
		for _, key := range pathKeys {
			target, _ := input.ToolInput[key].(string)
			if target == "" {
				continue
			}
			if !contained(target, project) {
				return Decision{
					Permission: Deny,
					Reason:     fmt.Sprintf("SANDBOX VIOLATION: Path %s is outside project root.", target),
				}
			}
		}
	case toolShell:
		command, _ := input.ToolInput["command"].(string)
		if reason := checkShellCommand(command, project, env.Home); reason != "" {
			return Decision{Permission: Deny, Reason: reason}
		}
	}
	return Decision{Permission: Allow}
}

// checkShellCommand returns a denial reason, or "" when the command is
// acceptable.
func checkShellCommand(command, project, home string) string {
	for _, sensitive := range sensitivePaths {
		if strings.Contains(command, sensitive) {
			return fmt.Sprintf("SANDBOX VIOLATION: command references sensitive path %s", sensitive)
		}
	}
	if home != "" {
		for _, dir := range []string{".ssh", ".aws", ".gnupg"} {
			if strings.Contains(command, filepath.Join(home, dir)) {
				return fmt.Sprintf("SANDBOX VIOLATION: command references sensitive path %s", filepath.Join(home, dir))
			}
		}
	}

	for _, match := range redirectPattern.FindAllStringSubmatch(command, -1) {
		target := strings.Trim(match[1], `"'`)
		if strings.HasPrefix(target, "&") || target == "/dev/null" || target == "/dev/stdout" || target == "/dev/stderr" {
			continue
		}
		if !filepath.IsAbs(target) && !strings.HasPrefix(target, "~") {
			continue
		}
		if !contained(target, project) {
			return fmt.Sprintf("SANDBOX VIOLATION: write to %s is outside project root", target)
		}
	}
	return ""
}

// contained resolves target (relative to project when not absolute,
// following symlinks as far as the path exists) and checks it stays inside
// project.
func contained(target, project string) bool {
	if strings.HasPrefix(target, "~") {
		return false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(project, target)
	}
	realProject := resolveExisting(project)
	realTarget := resolveExisting(target)
	return realTarget == realProject || strings.HasPrefix(realTarget, realProject+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-appends the missing tail, so files about to be created resolve too.
func resolveExisting(path string) string {
	path = filepath.Clean(path)
	var tail []string
	current := path
	for {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
	}
}
